package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// MockBackend keeps the whole relay in process. Pairings, sessions and
// responses are recorded so the daemon can run without network access and
// tests can drive inbound traffic deterministically.
type MockBackend struct {
	mu       sync.Mutex
	started  bool
	handler  Handler
	pairings map[string]Pairing
	sessions map[string]Session
	deleted  map[string]bool
	results  []MockResponse
}

// MockResponse is one captured outbound JSON-RPC response.
type MockResponse struct {
	Topic  string
	ID     int64
	Result any
	Err    *ErrorReason
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		pairings: make(map[string]Pairing),
		sessions: make(map[string]Session),
		deleted:  make(map[string]bool),
	}
}

func (m *MockBackend) Start(ctx context.Context, _ Config) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *MockBackend) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
}

func (m *MockBackend) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MockBackend) Pair(_ context.Context, p Pairing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	m.pairings[p.Topic] = p
	return nil
}

func (m *MockBackend) ApproveSession(_ context.Context, proposal Proposal, ns Namespaces, _ Metadata) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return Session{}, ErrNotStarted
	}
	eip155, ok := ns["eip155"]
	if !ok {
		return Session{}, errors.New("namespaces missing eip155")
	}
	session := Session{
		Topic:           randomTopic(),
		Peer:            proposal.Proposer,
		GrantedAccounts: append([]string(nil), eip155.Accounts...),
		GrantedMethods:  append([]string(nil), eip155.Methods...),
		GrantedEvents:   append([]string(nil), eip155.Events...),
		Expiry:          time.Now().Add(7 * 24 * time.Hour),
	}
	m.sessions[session.Topic] = session
	return session, nil
}

func (m *MockBackend) RejectSession(_ context.Context, _ Proposal, _ ErrorReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	return nil
}

func (m *MockBackend) DisconnectSession(_ context.Context, topic string, _ ErrorReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	if _, ok := m.sessions[topic]; !ok {
		return errors.New("unknown session topic")
	}
	delete(m.sessions, topic)
	m.deleted[topic] = true
	return nil
}

func (m *MockBackend) RespondResult(_ context.Context, topic string, id int64, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	m.results = append(m.results, MockResponse{Topic: topic, ID: id, Result: result})
	return nil
}

func (m *MockBackend) RespondError(_ context.Context, topic string, id int64, reason ErrorReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	r := reason
	m.results = append(m.results, MockResponse{Topic: topic, ID: id, Err: &r})
	return nil
}

// InjectProposal delivers an inbound proposal on the caller's goroutine so
// tests observe the same ordering the relay read loop guarantees.
func (m *MockBackend) InjectProposal(p Proposal) {
	if h := m.snapshotHandler(); h != nil {
		h.HandleSessionProposal(p)
	}
}

func (m *MockBackend) InjectRequest(req SessionRequest) {
	if h := m.snapshotHandler(); h != nil {
		h.HandleSessionRequest(req)
	}
}

func (m *MockBackend) InjectDelete(topic string) {
	m.mu.Lock()
	delete(m.sessions, topic)
	m.deleted[topic] = true
	m.mu.Unlock()
	if h := m.snapshotHandler(); h != nil {
		h.HandleSessionDelete(topic)
	}
}

// Responses returns a copy of all captured outbound responses.
func (m *MockBackend) Responses() []MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockResponse(nil), m.results...)
}

func (m *MockBackend) HasPairing(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pairings[topic]
	return ok
}

func (m *MockBackend) snapshotHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func randomTopic() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
