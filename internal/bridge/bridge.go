package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"lens-account/go-bridge/internal/chain"
	"lens-account/go-bridge/internal/eventbus"
	"lens-account/go-bridge/internal/relay"
)

var (
	// ErrNoPendingRequest means approve/reject was called with an empty slot.
	ErrNoPendingRequest = errors.New("no pending request")

	// ErrRequestInFlight means the pending request was already approved and
	// is being submitted or watched; only a new inbound request or a
	// terminal outcome can displace it.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrRequestSuperseded means a newer request displaced this one while an
	// operation on it was running.
	ErrRequestSuperseded = errors.New("request superseded")

	// ErrClosed means the bridge was torn down.
	ErrClosed = errors.New("bridge is closed")
)

// JSON-RPC reasons delivered to the peer for non-success outcomes.
var (
	reasonUnsupportedMethod = relay.ErrorReason{Code: 4200, Message: "Method not supported"}
	reasonSuperseded        = relay.ErrorReason{Code: -32002, Message: "request superseded"}
	reasonMissingTo         = relay.ErrorReason{Code: -32602, Message: "Invalid parameters: missing 'to' address"}
	reasonReverted          = relay.ErrorReason{Code: -32000, Message: "Transaction reverted"}
	reasonFailedOnChain     = relay.ErrorReason{Code: -32000, Message: "Transaction failed on chain"}
)

// RequestStatus tracks the pending request through its lifecycle.
type RequestStatus int

const (
	StatusPending RequestStatus = iota
	StatusSubmitting
	StatusSubmitted
	// StatusResolving marks the id as claimed for its terminal response;
	// nothing else may respond for it, including the supersede path.
	StatusResolving
)

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitting:
		return "submitting"
	case StatusSubmitted:
		return "submitted"
	case StatusResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

// PendingRequest is the one request awaiting a decision or an on-chain
// outcome. To/Value/Data are decoded best-effort for display; Approve
// re-validates before anything is signed.
type PendingRequest struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	To      string          `json:"to,omitempty"`
	Value   *big.Int        `json:"value,omitempty"`
	Data    hexutil.Bytes   `json:"data,omitempty"`
	Params  json.RawMessage `json:"params"`
	Peer    relay.Metadata  `json:"peer"`
	Status  RequestStatus   `json:"-"`
}

// TransactionAttempt binds a broadcast hash to the request it serves.
type TransactionAttempt struct {
	RequestID int64                   `json:"requestId"`
	Hash      string                  `json:"hash"`
	State     chain.ConfirmationState `json:"state"`
}

// Responder delivers JSON-RPC outcomes back over the session topic;
// *relay.Client satisfies it.
type Responder interface {
	RespondResult(ctx context.Context, topic string, id int64, result any) error
	RespondError(ctx context.Context, topic string, id int64, reason relay.ErrorReason) error
}

// Submitter broadcasts owner-signed executeTransaction calls and tracks
// them to a receipt; *chain.Writer satisfies it.
type Submitter interface {
	ChainID() uint64
	SubmitExecute(ctx context.Context, to string, value *big.Int, data []byte) (string, error)
	WaitConfirmation(ctx context.Context, hash string) (chain.ConfirmationState, error)
}

// Bridge holds at most one session request at a time. A newer inbound
// request supersedes the old one; the displaced id always receives a
// terminal error before the new id is tracked.
type Bridge struct {
	responder Responder
	submitter Submitter
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu          sync.Mutex
	pending     *PendingRequest
	attempt     *TransactionAttempt
	cancelWatch context.CancelFunc
	closed      bool
}

func New(responder Responder, submitter Submitter, bus *eventbus.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		responder: responder,
		submitter: submitter,
		bus:       bus,
		logger:    logger,
	}
}

// HandleSessionRequest is the transport intake. Unsupported methods are
// answered immediately without occupying the slot.
func (b *Bridge) HandleSessionRequest(req relay.SessionRequest, peer relay.Metadata) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if req.Method != "eth_sendTransaction" {
		b.logger.Warn("unsupported session request method", "method", req.Method, "rpc_id", req.ID)
		if err := b.responder.RespondError(ctx, req.Topic, req.ID, reasonUnsupportedMethod); err != nil {
			b.logger.Error("unsupported-method response failed", "rpc_id", req.ID, "error", err)
		}
		return
	}

	b.mu.Lock()
	if b.pending != nil && b.pending.ID == req.ID {
		// Relay redelivery of the request already in the slot.
		b.mu.Unlock()
		return
	}
	displaced := b.pending
	// A resolver that already claimed the old id owns its terminal response;
	// sending a superseded error as well would deliver two responses for
	// one id.
	displacedClaimed := displaced != nil && displaced.Status == StatusResolving
	b.resetLocked()

	next := &PendingRequest{
		ID:      req.ID,
		Topic:   req.Topic,
		ChainID: req.ChainID,
		Method:  req.Method,
		Params:  req.Params,
		Peer:    peer,
		Status:  StatusPending,
	}
	if p, err := decodeTransactionParams(req.Params); err == nil {
		next.To = p.To
		next.Value = p.value()
		next.Data = p.callData()
	}
	b.pending = next
	b.mu.Unlock()

	if displaced != nil {
		b.logger.Warn("pending request superseded", "old_rpc_id", displaced.ID, "new_rpc_id", req.ID)
		if !displacedClaimed {
			if err := b.responder.RespondError(ctx, displaced.Topic, displaced.ID, reasonSuperseded); err != nil {
				b.logger.Error("superseded response failed", "rpc_id", displaced.ID, "error", err)
			}
			b.bus.Publish(eventbus.RequestResolved{ID: displaced.ID, Success: false})
		}
	}

	b.logger.Info("session request received", "rpc_id", req.ID, "topic", req.Topic, "peer", peer.Name)
	b.bus.Publish(eventbus.SessionRequestReceived{Request: req, Peer: peer})
}

// Approve submits the pending request's transaction through the managed
// account. The success response is deferred until a receipt lands; only
// validation and submission failures resolve the request here.
func (b *Bridge) Approve(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.pending == nil {
		b.mu.Unlock()
		return ErrNoPendingRequest
	}
	if b.pending.Status != StatusPending {
		b.mu.Unlock()
		return ErrRequestInFlight
	}
	req := *b.pending

	params, err := decodeTransactionParams(req.Params)
	if err != nil || !common.IsHexAddress(params.To) {
		b.mu.Unlock()
		if err != nil {
			b.logger.Warn("malformed transaction params", "rpc_id", req.ID, "error", err)
		}
		return b.resolveError(ctx, req.ID, req.Topic, reasonMissingTo)
	}
	if chainID, ok := parseEIP155(req.ChainID); !ok || chainID != b.submitter.ChainID() {
		b.mu.Unlock()
		b.logger.Warn("request targets unsupported chain", "rpc_id", req.ID, "chain", req.ChainID)
		return b.resolveError(ctx, req.ID, req.Topic, relay.ReasonUserRejected)
	}

	b.pending.Status = StatusSubmitting
	b.mu.Unlock()

	hash, err := b.submitter.SubmitExecute(ctx, params.To, params.value(), params.callData())

	b.mu.Lock()
	if b.pending == nil || b.pending.ID != req.ID {
		b.mu.Unlock()
		if err == nil {
			// The broadcast cannot be recalled; the replacement request
			// proceeds independently of this orphan.
			b.logger.Warn("request superseded after broadcast", "rpc_id", req.ID, "tx_hash", hash)
		}
		return ErrRequestSuperseded
	}
	if err != nil {
		b.pending.Status = StatusPending
		b.mu.Unlock()
		b.logger.Error("transaction submission failed", "rpc_id", req.ID, "error", err)
		if rerr := b.resolveError(ctx, req.ID, req.Topic, relay.ReasonUserRejected); rerr != nil {
			return rerr
		}
		return fmt.Errorf("submit transaction: %w", err)
	}

	b.pending.Status = StatusSubmitted
	b.attempt = &TransactionAttempt{RequestID: req.ID, Hash: hash, State: chain.ConfirmationSubmitted}
	watchCtx, cancel := context.WithCancel(context.Background())
	b.cancelWatch = cancel
	b.mu.Unlock()

	go b.watchConfirmation(watchCtx, req.ID, req.Topic, hash)
	return nil
}

// Reject resolves the pending request with the conventional user-rejected
// reason. A request already submitted belongs to the watcher and can no
// longer be rejected.
func (b *Bridge) Reject(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.pending == nil {
		b.mu.Unlock()
		return ErrNoPendingRequest
	}
	if b.pending.Status != StatusPending {
		b.mu.Unlock()
		return ErrRequestInFlight
	}
	id, topic := b.pending.ID, b.pending.Topic
	b.mu.Unlock()

	return b.resolveError(ctx, id, topic, relay.ReasonUserRejected)
}

// Pending returns a copy of the slot contents, if any.
func (b *Bridge) Pending() (PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return PendingRequest{}, false
	}
	return *b.pending, true
}

// Attempt returns the transaction attempt bound to the pending request.
func (b *Bridge) Attempt() (TransactionAttempt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempt == nil {
		return TransactionAttempt{}, false
	}
	return *b.attempt, true
}

// CancelForTopic drops the pending request when its session is gone. The
// peer is unreachable, so no response is attempted.
func (b *Bridge) CancelForTopic(topic string) {
	b.mu.Lock()
	if b.pending == nil || b.pending.Topic != topic {
		b.mu.Unlock()
		return
	}
	id := b.pending.ID
	claimed := b.pending.Status == StatusResolving
	b.resetLocked()
	b.mu.Unlock()

	b.logger.Info("pending request dropped with session", "rpc_id", id, "topic", topic)
	if !claimed {
		b.bus.Publish(eventbus.RequestResolved{ID: id, Success: false})
	}
}

// Teardown permanently stops the bridge and releases the watcher.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	b.closed = true
	b.resetLocked()
	b.mu.Unlock()
}

func (b *Bridge) watchConfirmation(ctx context.Context, id int64, topic, hash string) {
	state, err := b.submitter.WaitConfirmation(ctx, hash)
	if ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	if b.pending == nil || b.pending.ID != id || b.attempt == nil || b.attempt.Hash != hash {
		b.mu.Unlock()
		b.logger.Warn("stale confirmation discarded", "rpc_id", id, "tx_hash", hash)
		return
	}
	b.attempt.State = state
	b.mu.Unlock()

	respondCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch state {
	case chain.ConfirmationSuccess:
		if rerr := b.resolveResult(respondCtx, id, topic, hash); rerr != nil {
			b.logger.Error("success response failed", "rpc_id", id, "error", rerr)
		}
	case chain.ConfirmationRevert:
		b.logger.Warn("transaction reverted", "rpc_id", id, "tx_hash", hash)
		if rerr := b.resolveError(respondCtx, id, topic, reasonReverted); rerr != nil {
			b.logger.Error("revert response failed", "rpc_id", id, "error", rerr)
		}
	default:
		b.logger.Error("confirmation watch failed", "rpc_id", id, "tx_hash", hash, "error", err)
		if rerr := b.resolveError(respondCtx, id, topic, reasonFailedOnChain); rerr != nil {
			b.logger.Error("failure response failed", "rpc_id", id, "error", rerr)
		}
	}
}

// resolveResult delivers a success response and then clears the slot. The
// id is claimed under the lock before anything touches the transport, so at
// most one terminal response can ever be sent for it; an undelivered
// outcome releases the claim so a retry stays possible.
func (b *Bridge) resolveResult(ctx context.Context, id int64, topic, hash string) error {
	prev, ok := b.claim(id)
	if !ok {
		b.logger.Warn("stale response discarded", "rpc_id", id)
		return nil
	}
	if err := b.responder.RespondResult(ctx, topic, id, hash); err != nil {
		b.releaseClaim(id, prev)
		return err
	}
	b.clearIfCurrent(id)
	b.bus.Publish(eventbus.RequestResolved{ID: id, Success: true, TxHash: hash})
	return nil
}

func (b *Bridge) resolveError(ctx context.Context, id int64, topic string, reason relay.ErrorReason) error {
	prev, ok := b.claim(id)
	if !ok {
		b.logger.Warn("stale response discarded", "rpc_id", id)
		return nil
	}
	if err := b.responder.RespondError(ctx, topic, id, reason); err != nil {
		b.releaseClaim(id, prev)
		return err
	}
	b.clearIfCurrent(id)
	b.bus.Publish(eventbus.RequestResolved{ID: id, Success: false})
	return nil
}

// claim reserves the exclusive right to respond for id. The previous status
// is returned so a failed respond can hand the claim back.
func (b *Bridge) claim(id int64) (RequestStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil || b.pending.ID != id || b.pending.Status == StatusResolving {
		return 0, false
	}
	prev := b.pending.Status
	b.pending.Status = StatusResolving
	return prev, true
}

func (b *Bridge) releaseClaim(id int64, prev RequestStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil && b.pending.ID == id && b.pending.Status == StatusResolving {
		b.pending.Status = prev
	}
}

func (b *Bridge) clearIfCurrent(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil && b.pending.ID == id {
		b.resetLocked()
	}
}

func (b *Bridge) resetLocked() {
	if b.cancelWatch != nil {
		b.cancelWatch()
		b.cancelWatch = nil
	}
	b.pending = nil
	b.attempt = nil
}

// txParams is the first element of eth_sendTransaction params.
type txParams struct {
	From  string        `json:"from"`
	To    string        `json:"to"`
	Value *hexutil.Big  `json:"value"`
	Data  hexutil.Bytes `json:"data"`
	Input hexutil.Bytes `json:"input"`
}

func (p txParams) value() *big.Int {
	if p.Value == nil {
		return new(big.Int)
	}
	return (*big.Int)(p.Value)
}

func (p txParams) callData() []byte {
	if len(p.Data) > 0 {
		return p.Data
	}
	return p.Input
}

func decodeTransactionParams(raw json.RawMessage) (txParams, error) {
	var list []txParams
	if err := json.Unmarshal(raw, &list); err != nil {
		return txParams{}, fmt.Errorf("decode transaction params: %w", err)
	}
	if len(list) == 0 {
		return txParams{}, errors.New("empty transaction params")
	}
	return list[0], nil
}

// parseEIP155 extracts the numeric chain id from a CAIP-2 "eip155:<id>"
// identifier.
func parseEIP155(chainID string) (uint64, bool) {
	rest, ok := strings.CutPrefix(chainID, "eip155:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
