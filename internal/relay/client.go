package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lens-account/go-bridge/internal/platform/ratelimiter"
)

var (
	ErrNotStarted           = errors.New("relay client is not started")
	ErrUnsupportedTransport = errors.New("unsupported relay transport")
)

// backend is the swappable relay implementation behind Client. The
// websocket backend speaks the real relay protocol; the mock backend keeps
// everything in process.
type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	SetHandler(Handler)
	Pair(ctx context.Context, p Pairing) error
	ApproveSession(ctx context.Context, proposal Proposal, ns Namespaces, self Metadata) (Session, error)
	RejectSession(ctx context.Context, proposal Proposal, reason ErrorReason) error
	DisconnectSession(ctx context.Context, topic string, reason ErrorReason) error
	RespondResult(ctx context.Context, topic string, id int64, result any) error
	RespondError(ctx context.Context, topic string, id int64, reason ErrorReason) error
}

// Client owns the relay transport. It forwards inbound events to the
// registered Handler on the backend's read goroutine, preserving per-topic
// arrival order, and drops request floods via a per-topic limiter.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	meta    Metadata
	logger  *slog.Logger
	backend backend
	handler Handler
	started bool
	limiter *ratelimiter.TopicLimiter
	mock    *MockBackend
}

func NewClient(cfg Config, meta Metadata, logger *slog.Logger) (*Client, error) {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		meta:    meta,
		logger:  logger,
		limiter: ratelimiter.New(cfg.InboundRPS, cfg.InboundBurst, 10*time.Minute),
	}
	switch cfg.Transport {
	case TransportMock:
		c.mock = NewMockBackend()
		c.backend = c.mock
	case TransportWebsocket:
		c.backend = newWSBackend(logger)
	default:
		return nil, ErrUnsupportedTransport
	}
	c.backend.SetHandler(clientHandler{c})
	return c, nil
}

// Mock returns the in-process backend when the mock transport is selected,
// nil otherwise. Used by the daemon's loopback mode and end-to-end tests.
func (c *Client) Mock() *MockBackend {
	return c.mock
}

func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.backend.Start(ctx, c.cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Stop() {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if started {
		c.backend.Stop()
	}
}

func (c *Client) Pair(ctx context.Context, uri string) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	pairing, err := ParsePairingURI(uri)
	if err != nil {
		return err
	}
	return c.backend.Pair(ctx, pairing)
}

func (c *Client) ApproveSession(ctx context.Context, proposal Proposal, ns Namespaces) (Session, error) {
	if !c.isStarted() {
		return Session{}, ErrNotStarted
	}
	return c.backend.ApproveSession(ctx, proposal, ns, c.meta)
}

func (c *Client) RejectSession(ctx context.Context, proposal Proposal, reason ErrorReason) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	return c.backend.RejectSession(ctx, proposal, reason)
}

func (c *Client) DisconnectSession(ctx context.Context, topic string, reason ErrorReason) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	err := c.backend.DisconnectSession(ctx, topic, reason)
	if err == nil {
		c.limiter.Forget(topic)
	}
	return err
}

func (c *Client) RespondResult(ctx context.Context, topic string, id int64, result any) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	return c.backend.RespondResult(ctx, topic, id, result)
}

func (c *Client) RespondError(ctx context.Context, topic string, id int64, reason ErrorReason) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	return c.backend.RespondError(ctx, topic, id, reason)
}

func (c *Client) isStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

func (c *Client) currentHandler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// clientHandler sits between the backend and the application handler so the
// client can police inbound traffic without the backend knowing about it.
type clientHandler struct{ c *Client }

func (h clientHandler) HandleSessionProposal(p Proposal) {
	if app := h.c.currentHandler(); app != nil {
		app.HandleSessionProposal(p)
	}
}

func (h clientHandler) HandleSessionRequest(req SessionRequest) {
	if !h.c.limiter.Allow(req.Topic, time.Now()) {
		h.c.logger.Warn("inbound request dropped by rate limit", "topic", req.Topic, "rpc_id", req.ID)
		return
	}
	if app := h.c.currentHandler(); app != nil {
		app.HandleSessionRequest(req)
	}
}

func (h clientHandler) HandleSessionDelete(topic string) {
	h.c.limiter.Forget(topic)
	if app := h.c.currentHandler(); app != nil {
		app.HandleSessionDelete(topic)
	}
}

func (h clientHandler) HandleTransportClosed(err error) {
	h.c.mu.Lock()
	h.c.started = false
	h.c.mu.Unlock()
	if app := h.c.currentHandler(); app != nil {
		app.HandleTransportClosed(err)
	}
}
