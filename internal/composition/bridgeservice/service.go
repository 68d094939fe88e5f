package bridgeservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"lens-account/go-bridge/internal/api"
	"lens-account/go-bridge/internal/bridge"
	"lens-account/go-bridge/internal/chain"
	"lens-account/go-bridge/internal/config"
	"lens-account/go-bridge/internal/eventbus"
	"lens-account/go-bridge/internal/metrics"
	"lens-account/go-bridge/internal/relay"
	"lens-account/go-bridge/internal/session"
)

// Service is the composition root: it owns the relay client, the session
// manager, the request bridge and the chain writer, and exposes the surface
// the control API serves.
type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *eventbus.Bus
	client  *relay.Client
	manager *session.Manager
	bridge  *bridge.Bridge
	writer  *chain.Writer
	metrics *metrics.Metrics
	hub     *notificationHub

	cancelHub     func()
	cancelMetrics func()
}

// Build validates cfg and assembles the component graph. Nothing touches
// the network except the chain dial; the relay transport starts in Start.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	key, err := chain.LoadOwnerKey(cfg.Owner.PrivateKey, cfg.Owner.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("load owner key: %w", err)
	}
	writer, err := chain.NewWriter(ctx, cfg.Chain, cfg.Account.Address, key, logger)
	if err != nil {
		return nil, fmt.Errorf("build chain writer: %w", err)
	}

	client, err := relay.NewClient(cfg.Relay, cfg.Metadata, logger)
	if err != nil {
		return nil, fmt.Errorf("build relay client: %w", err)
	}

	bus := eventbus.New()
	accountAddr := cfg.Account.Address
	manager := session.NewManager(client, bus, logger, cfg.Chain.ID, func() string { return accountAddr })
	requestBridge := bridge.New(client, writer, bus, logger)

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		client:  client,
		manager: manager,
		bridge:  requestBridge,
		writer:  writer,
		metrics: metrics.New(),
		hub:     newNotificationHub(256),
	}
	s.cancelHub = s.hub.attach(bus)
	s.cancelMetrics = observeMetrics(bus, s.metrics)
	client.SetHandler(transportHandler{s})
	return s, nil
}

// Start verifies on-chain ownership and brings the relay transport up.
func (s *Service) Start(ctx context.Context) error {
	if err := s.writer.VerifyOwner(ctx); err != nil {
		return fmt.Errorf("owner verification: %w", err)
	}
	s.logger.Info("owner verified",
		"owner", s.writer.OwnerAddress(),
		"account", s.writer.ManagedAccount(),
		"chain_id", s.writer.ChainID())

	return s.manager.Initialize(ctx)
}

// Stop tears everything down; the service is not reusable afterwards.
func (s *Service) Stop() {
	s.bridge.Teardown()
	s.manager.Close()
	s.cancelMetrics()
	s.cancelHub()
	s.hub.close()
}

// MetricsHandler serves the Prometheus registry.
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// RelayMock exposes the in-process backend when the mock transport is
// configured; nil otherwise.
func (s *Service) RelayMock() *relay.MockBackend {
	return s.client.Mock()
}

func (s *Service) Pair(ctx context.Context, uri string) error {
	return s.manager.Pair(ctx, uri)
}

func (s *Service) ApproveProposal(ctx context.Context, proposalID int64) (relay.Session, error) {
	return s.manager.ApproveSession(ctx, proposalID, s.cfg.Account.Address)
}

func (s *Service) RejectProposal(ctx context.Context, proposalID int64) error {
	return s.manager.RejectSession(ctx, proposalID, relay.ReasonUserRejected)
}

func (s *Service) DisconnectSession(ctx context.Context, topic string) error {
	if err := s.manager.DisconnectSession(ctx, topic, relay.ReasonUserDisconnected); err != nil {
		return err
	}
	s.bridge.CancelForTopic(topic)
	return nil
}

func (s *Service) Sessions() []relay.Session {
	return s.manager.Sessions()
}

func (s *Service) PendingProposals() []relay.Proposal {
	return s.manager.PendingProposals()
}

func (s *Service) PendingRequest() (bridge.PendingRequest, bool) {
	return s.bridge.Pending()
}

func (s *Service) ApproveRequest(ctx context.Context) error {
	return s.bridge.Approve(ctx)
}

func (s *Service) RejectRequest(ctx context.Context) error {
	return s.bridge.Reject(ctx)
}

func (s *Service) OwnerAddress() string {
	return s.writer.OwnerAddress()
}

func (s *Service) Status() api.Status {
	_, pending := s.bridge.Pending()
	return api.Status{
		Ready:          s.manager.State() == session.StateReady,
		Transport:      s.cfg.Relay.Transport,
		ChainID:        s.writer.ChainID(),
		ManagedAccount: s.writer.ManagedAccount(),
		OwnerAddress:   s.writer.OwnerAddress(),
		ActiveSessions: len(s.manager.Sessions()),
		PendingRequest: pending,
	}
}

func (s *Service) SubscribeNotifications(cursor int64) ([]api.NotificationEvent, <-chan api.NotificationEvent, func()) {
	return s.hub.subscribe(cursor)
}

// transportHandler routes inbound relay events: proposals and deletes to
// the session manager, requests to the bridge. A delete also drops any
// pending request bound to the topic.
type transportHandler struct {
	s *Service
}

func (h transportHandler) HandleSessionProposal(p relay.Proposal) {
	h.s.manager.HandleSessionProposal(p)
}

func (h transportHandler) HandleSessionRequest(req relay.SessionRequest) {
	// Requests on unknown topics still get a terminal response; the peer
	// metadata is simply absent.
	var peer relay.Metadata
	if sess, ok := h.s.manager.Session(req.Topic); ok {
		peer = sess.Peer
	}
	h.s.bridge.HandleSessionRequest(req, peer)
}

func (h transportHandler) HandleSessionDelete(topic string) {
	h.s.manager.HandleSessionDelete(topic)
	h.s.bridge.CancelForTopic(topic)
}

func (h transportHandler) HandleTransportClosed(err error) {
	h.s.manager.HandleTransportClosed(err)
}
