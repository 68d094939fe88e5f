package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lens-account/go-bridge/internal/eventbus"
	"lens-account/go-bridge/internal/relay"
)

// State is the manager lifecycle. Ready and InitFailed are terminal;
// recovering from InitFailed requires a new Manager.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateInitFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateInitFailed:
		return "init_failed"
	default:
		return "unknown"
	}
}

// Transport is the relay surface the manager drives; *relay.Client
// satisfies it.
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Pair(ctx context.Context, uri string) error
	ApproveSession(ctx context.Context, proposal relay.Proposal, ns relay.Namespaces) (relay.Session, error)
	RejectSession(ctx context.Context, proposal relay.Proposal, reason relay.ErrorReason) error
	DisconnectSession(ctx context.Context, topic string, reason relay.ErrorReason) error
}

// Manager turns transport events into an explicit pairing/session state
// machine. It owns the active-session set exclusively; consumers observe it
// via the bus and the Sessions snapshot.
type Manager struct {
	transport Transport
	bus       *eventbus.Bus
	logger    *slog.Logger
	chainID   uint64

	// accountProvider yields the managed-account address to grant, or ""
	// when none is configured yet.
	accountProvider func() string

	// now is swapped out by tests exercising tombstone expiry.
	now func() time.Time

	mu         sync.Mutex
	state      State
	initErr    *InitializationError
	initDone   chan struct{}
	sessions   map[string]relay.Session
	proposals  map[int64]relay.Proposal
	tombstones map[string]time.Time
}

// tombstoneTTL bounds how long a delete for a never-settled topic is
// remembered; the settle it guards against cannot arrive later than this.
const tombstoneTTL = 10 * time.Minute

func NewManager(transport Transport, bus *eventbus.Bus, logger *slog.Logger, chainID uint64, accountProvider func() string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if accountProvider == nil {
		accountProvider = func() string { return "" }
	}
	return &Manager{
		transport:       transport,
		bus:             bus,
		logger:          logger,
		chainID:         chainID,
		accountProvider: accountProvider,
		now:             time.Now,
		sessions:        make(map[string]relay.Session),
		proposals:       make(map[int64]relay.Proposal),
		tombstones:      make(map[string]time.Time),
	}
}

// Initialize is idempotent. Concurrent callers share the one in-flight
// attempt's outcome; a failed attempt pins the manager in InitFailed.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateInitFailed:
		err := m.initErr
		m.mu.Unlock()
		return err
	case StateInitializing:
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.initErr != nil {
			return m.initErr
		}
		return nil
	}

	m.state = StateInitializing
	m.initDone = make(chan struct{})
	done := m.initDone
	m.mu.Unlock()

	m.bus.Publish(eventbus.LoadingChanged{Loading: true})
	err := m.transport.Start(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = StateInitFailed
		m.initErr = &InitializationError{Err: err}
	} else {
		m.state = StateReady
	}
	result := m.initErr
	close(done)
	m.mu.Unlock()

	m.bus.Publish(eventbus.LoadingChanged{Loading: false})
	if result != nil {
		m.logger.Error("transport initialization failed", "error", err)
		m.bus.Publish(eventbus.InitializationResult{Ready: false, Message: result.Error()})
		return result
	}
	m.logger.Info("transport ready")
	m.bus.Publish(eventbus.InitializationResult{Ready: true})
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the transport down. The manager is not reusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	ready := m.state == StateReady
	m.state = StateInitFailed
	if m.initErr == nil {
		m.initErr = &InitializationError{Err: ErrNotReady}
	}
	m.mu.Unlock()
	if ready {
		m.transport.Stop()
	}
}

// Pair starts the pairing handshake for uri. The call returns once the
// transport accepted the pairing; the handshake outcome arrives on the bus.
func (m *Manager) Pair(ctx context.Context, uri string) error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	m.bus.Publish(eventbus.PairingChanged{Pairing: true})
	m.bus.Publish(eventbus.PairingStatus{State: eventbus.PairingStatePairing})

	if err := m.transport.Pair(ctx, uri); err != nil {
		m.logger.Error("pairing failed", "error", err)
		m.bus.Publish(eventbus.PairingStatus{State: eventbus.PairingStateError, Message: err.Error()})
		m.bus.Publish(eventbus.PairingChanged{Pairing: false})
		m.bus.Publish(eventbus.BridgeError{Op: "pair", Message: err.Error()})
		return &PairingError{Err: err}
	}
	m.bus.Publish(eventbus.PairingStatus{State: eventbus.PairingStatePaired})
	return nil
}

// HandleSessionProposal records an inbound proposal and surfaces it for a
// decision. Without a managed account there is nothing that could ever be
// granted, so the proposal is rejected instead of left to expire.
func (m *Manager) HandleSessionProposal(p relay.Proposal) {
	m.bus.Publish(eventbus.PairingChanged{Pairing: false})

	if m.accountProvider() == "" {
		m.logger.Warn("rejecting proposal, no managed account", "proposal_id", p.ID)
		if err := m.transport.RejectSession(context.Background(), p, relay.ReasonUserRejected); err != nil {
			m.logger.Error("auto-reject failed", "proposal_id", p.ID, "error", err)
		}
		m.bus.Publish(eventbus.BridgeError{Op: "proposal", Message: ErrNoManagedAccount.Error()})
		return
	}

	m.mu.Lock()
	m.proposals[p.ID] = p
	m.mu.Unlock()

	m.logger.Info("session proposal received", "proposal_id", p.ID, "proposer", p.Proposer.Name)
	m.bus.Publish(eventbus.SessionProposalReceived{Proposal: p})
}

// ApproveSession consumes the proposal and settles a session granting
// exactly the managed account on the supported chain. Approval failures
// fall back to an explicit reject so the peer is not left waiting.
func (m *Manager) ApproveSession(ctx context.Context, proposalID int64, managedAccount string) (relay.Session, error) {
	if m.State() != StateReady {
		return relay.Session{}, ErrNotReady
	}

	m.mu.Lock()
	proposal, ok := m.proposals[proposalID]
	delete(m.proposals, proposalID)
	m.mu.Unlock()
	if !ok {
		return relay.Session{}, ErrUnknownProposal
	}

	ns, err := BuildApprovedNamespaces(proposal, m.chainID, managedAccount)
	if err != nil {
		m.rejectAfterFailure(ctx, proposal, relay.ReasonUnsupportedChain)
		m.bus.Publish(eventbus.BridgeError{Op: "approve_session", Message: err.Error()})
		return relay.Session{}, &ProposalHandlingError{ProposalID: proposalID, Err: err}
	}

	m.bus.Publish(eventbus.LoadingChanged{Loading: true})
	defer m.bus.Publish(eventbus.LoadingChanged{Loading: false})

	session, err := m.transport.ApproveSession(ctx, proposal, ns)
	if err != nil {
		m.logger.Error("session approval failed", "proposal_id", proposalID, "error", err)
		m.rejectAfterFailure(ctx, proposal, relay.ReasonUserRejected)
		m.bus.Publish(eventbus.BridgeError{Op: "approve_session", Message: err.Error()})
		return relay.Session{}, &ProposalHandlingError{ProposalID: proposalID, Err: err}
	}

	m.mu.Lock()
	// A delete for this topic may already have arrived out of order; adding
	// the session now would resurrect it.
	if m.tombstonedLocked(session.Topic) {
		delete(m.tombstones, session.Topic)
		m.mu.Unlock()
		m.logger.Warn("session deleted before settlement completed", "topic", session.Topic)
		return relay.Session{}, ErrSessionNotFound
	}
	m.sessions[session.Topic] = session
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session established", "topic", session.Topic, "peer", session.Peer.Name)
	m.bus.Publish(eventbus.SessionEstablished{Session: session, ActiveCount: active})
	return session, nil
}

// RejectSession consumes the proposal and notifies the peer.
func (m *Manager) RejectSession(ctx context.Context, proposalID int64, reason relay.ErrorReason) error {
	if m.State() != StateReady {
		return ErrNotReady
	}

	m.mu.Lock()
	proposal, ok := m.proposals[proposalID]
	delete(m.proposals, proposalID)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownProposal
	}

	if err := m.transport.RejectSession(ctx, proposal, reason); err != nil {
		m.logger.Error("session rejection failed", "proposal_id", proposalID, "error", err)
		m.bus.Publish(eventbus.BridgeError{Op: "reject_session", Message: err.Error()})
		return err
	}
	m.logger.Info("session proposal rejected", "proposal_id", proposalID)
	return nil
}

// DisconnectSession removes the session only after the transport confirms
// the disconnect; remote deletes take the direct path in
// HandleSessionDelete.
func (m *Manager) DisconnectSession(ctx context.Context, topic string, reason relay.ErrorReason) error {
	if m.State() != StateReady {
		return ErrNotReady
	}

	m.mu.Lock()
	_, ok := m.sessions[topic]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := m.transport.DisconnectSession(ctx, topic, reason); err != nil {
		m.logger.Error("disconnect failed", "topic", topic, "error", err)
		m.bus.Publish(eventbus.BridgeError{Op: "disconnect", Message: err.Error()})
		return err
	}

	m.removeSession(topic)
	return nil
}

// HandleTransportClosed handles the transport dying underneath an
// initialized manager. The manager leaves Ready so callers stop getting a
// healthy status, and the failure is surfaced on the bus.
func (m *Manager) HandleTransportClosed(err error) {
	if err == nil {
		err = ErrNotReady
	}
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return
	}
	m.state = StateInitFailed
	m.initErr = &InitializationError{Err: err}
	m.mu.Unlock()

	m.logger.Error("relay transport lost", "error", err)
	m.bus.Publish(eventbus.BridgeError{Op: "transport", Message: err.Error()})
	m.bus.Publish(eventbus.InitializationResult{Ready: false, Message: err.Error()})
}

// HandleSessionDelete handles a remote-initiated delete.
func (m *Manager) HandleSessionDelete(topic string) {
	m.mu.Lock()
	if _, ok := m.sessions[topic]; !ok {
		// Settlement for this topic may still be in flight; leave a
		// tombstone so a late establish cannot resurrect it.
		m.pruneTombstonesLocked()
		m.tombstones[topic] = m.now()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.removeSession(topic)
}

func (m *Manager) tombstonedLocked(topic string) bool {
	placed, ok := m.tombstones[topic]
	if !ok {
		return false
	}
	if m.now().Sub(placed) > tombstoneTTL {
		delete(m.tombstones, topic)
		return false
	}
	return true
}

func (m *Manager) pruneTombstonesLocked() {
	cutoff := m.now().Add(-tombstoneTTL)
	for topic, placed := range m.tombstones {
		if placed.Before(cutoff) {
			delete(m.tombstones, topic)
		}
	}
}

func (m *Manager) removeSession(topic string) {
	m.mu.Lock()
	delete(m.sessions, topic)
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session removed", "topic", topic)
	m.bus.Publish(eventbus.SessionRemoved{Topic: topic, ActiveCount: active})
}

// HasSession reports current membership of topic in the active set.
func (m *Manager) HasSession(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[topic]
	return ok
}

// Session returns the active session for topic.
func (m *Manager) Session(topic string) (relay.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[topic]
	return s, ok
}

// Sessions returns a stable-ordered snapshot of the active set.
func (m *Manager) Sessions() []relay.Session {
	m.mu.Lock()
	out := make([]relay.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// PendingProposals returns proposals awaiting a decision.
func (m *Manager) PendingProposals() []relay.Proposal {
	m.mu.Lock()
	out := make([]relay.Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) rejectAfterFailure(ctx context.Context, proposal relay.Proposal, reason relay.ErrorReason) {
	if err := m.transport.RejectSession(ctx, proposal, reason); err != nil {
		m.logger.Error("fallback rejection failed", "proposal_id", proposal.ID, "error", err)
	}
}
