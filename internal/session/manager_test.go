package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lens-account/go-bridge/internal/eventbus"
	"lens-account/go-bridge/internal/relay"
)

const testAccount = "0xDEF1000000000000000000000000000000000ABC"

type fakeTransport struct {
	mu            sync.Mutex
	startErr      error
	pairErr       error
	approveErr    error
	disconnectErr error
	startCalls    int
	paired        []string
	rejected      []int64
	disconnected  []string
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeTransport) Stop() {}

func (f *fakeTransport) Pair(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairErr != nil {
		return f.pairErr
	}
	f.paired = append(f.paired, uri)
	return nil
}

func (f *fakeTransport) ApproveSession(_ context.Context, proposal relay.Proposal, ns relay.Namespaces) (relay.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return relay.Session{}, f.approveErr
	}
	eip155 := ns["eip155"]
	return relay.Session{
		Topic:           "session-topic",
		Peer:            proposal.Proposer,
		GrantedAccounts: eip155.Accounts,
		GrantedMethods:  eip155.Methods,
		GrantedEvents:   eip155.Events,
	}, nil
}

func (f *fakeTransport) RejectSession(_ context.Context, proposal relay.Proposal, _ relay.ErrorReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, proposal.ID)
	return nil
}

func (f *fakeTransport) DisconnectSession(_ context.Context, topic string, _ relay.ErrorReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnectErr != nil {
		return f.disconnectErr
	}
	f.disconnected = append(f.disconnected, topic)
	return nil
}

func (f *fakeTransport) rejectedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.rejected...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, transport *fakeTransport, account string) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	m := NewManager(transport, bus, discardLogger(), 232, func() string { return account })
	return m, bus
}

func testProposal(id int64) relay.Proposal {
	return relay.Proposal{
		ID:               id,
		PairingTopic:     "pairing-topic",
		RequestedChains:  []string{"eip155:232"},
		RequestedMethods: []string{"eth_sendTransaction", "personal_sign"},
		RequestedEvents:  []string{"chainChanged"},
		Proposer:         relay.Metadata{Name: "Example Dapp"},
	}
}

func TestInitializeIsIdempotentAcrossGoroutines(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testAccount)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Initialize[%d]: %v", i, err)
		}
	}
	if transport.startCalls != 1 {
		t.Fatalf("transport started %d times, want 1", transport.startCalls)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %v, want ready", m.State())
	}
}

func TestInitializeFailureIsTerminal(t *testing.T) {
	transport := &fakeTransport{startErr: errors.New("dial failed")}
	m, _ := newTestManager(t, transport, testAccount)

	err := m.Initialize(context.Background())
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("error = %v, want *InitializationError", err)
	}

	again := m.Initialize(context.Background())
	if !errors.As(again, &initErr) {
		t.Fatalf("second error = %v, want *InitializationError", again)
	}
	if transport.startCalls != 1 {
		t.Fatalf("transport started %d times after terminal failure, want 1", transport.startCalls)
	}
	if m.State() != StateInitFailed {
		t.Fatalf("state = %v, want init_failed", m.State())
	}
}

func TestPairRequiresReady(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, testAccount)
	if err := m.Pair(context.Background(), "wc:abc@2?symKey=00"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("error = %v, want ErrNotReady", err)
	}
}

func TestPairPublishesStatusEvents(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var states []string
	bus.Subscribe(func(evt eventbus.Event) {
		if status, ok := evt.(eventbus.PairingStatus); ok {
			states = append(states, status.State)
		}
	})

	if err := m.Pair(context.Background(), "wc:topic@2?symKey=aa"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if len(states) != 2 || states[0] != eventbus.PairingStatePairing || states[1] != eventbus.PairingStatePaired {
		t.Fatalf("pairing states = %v, want [pairing paired]", states)
	}
}

func TestPairFailureReportsErrorStatus(t *testing.T) {
	transport := &fakeTransport{pairErr: errors.New("bad uri")}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var states []string
	bus.Subscribe(func(evt eventbus.Event) {
		if status, ok := evt.(eventbus.PairingStatus); ok {
			states = append(states, status.State)
		}
	})

	err := m.Pair(context.Background(), "wc:topic@2?symKey=aa")
	var pairErr *PairingError
	if !errors.As(err, &pairErr) {
		t.Fatalf("error = %v, want *PairingError", err)
	}
	if len(states) != 2 || states[1] != eventbus.PairingStateError {
		t.Fatalf("pairing states = %v, want error terminal state", states)
	}
}

func TestProposalAutoRejectedWithoutManagedAccount(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, "")
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var surfaced int
	bus.Subscribe(func(evt eventbus.Event) {
		if _, ok := evt.(eventbus.SessionProposalReceived); ok {
			surfaced++
		}
	})

	m.HandleSessionProposal(testProposal(7))

	if got := transport.rejectedIDs(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("rejected ids = %v, want [7]", got)
	}
	if surfaced != 0 {
		t.Fatalf("proposal surfaced %d times, want auto-reject", surfaced)
	}
	if len(m.PendingProposals()) != 0 {
		t.Fatal("auto-rejected proposal left pending")
	}
}

func TestApproveSessionGrantsExactlyManagedAccount(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var established []eventbus.SessionEstablished
	bus.Subscribe(func(evt eventbus.Event) {
		if e, ok := evt.(eventbus.SessionEstablished); ok {
			established = append(established, e)
		}
	})

	m.HandleSessionProposal(testProposal(42))
	sess, err := m.ApproveSession(context.Background(), 42, testAccount)
	if err != nil {
		t.Fatalf("ApproveSession: %v", err)
	}

	wantAccount := "eip155:232:" + testAccount
	if len(sess.GrantedAccounts) != 1 || sess.GrantedAccounts[0] != wantAccount {
		t.Fatalf("granted accounts = %v, want [%s]", sess.GrantedAccounts, wantAccount)
	}
	if len(established) != 1 || established[0].ActiveCount != 1 {
		t.Fatalf("established events = %v, want one with active count 1", established)
	}
	if !m.HasSession(sess.Topic) {
		t.Fatal("approved session not in active set")
	}
}

func TestProposalConsumedExactlyOnce(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	m.HandleSessionProposal(testProposal(9))
	if _, err := m.ApproveSession(context.Background(), 9, testAccount); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := m.ApproveSession(context.Background(), 9, testAccount); !errors.Is(err, ErrUnknownProposal) {
		t.Fatalf("second approve error = %v, want ErrUnknownProposal", err)
	}
	if err := m.RejectSession(context.Background(), 9, relay.ReasonUserRejected); !errors.Is(err, ErrUnknownProposal) {
		t.Fatalf("reject after approve error = %v, want ErrUnknownProposal", err)
	}
}

func TestApproveFailureFallsBackToReject(t *testing.T) {
	transport := &fakeTransport{approveErr: errors.New("settle failed")}
	m, _ := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	m.HandleSessionProposal(testProposal(5))
	_, err := m.ApproveSession(context.Background(), 5, testAccount)
	var propErr *ProposalHandlingError
	if !errors.As(err, &propErr) {
		t.Fatalf("error = %v, want *ProposalHandlingError", err)
	}
	if got := transport.rejectedIDs(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("rejected ids = %v, want [5]", got)
	}
	if len(m.Sessions()) != 0 {
		t.Fatal("failed approval left a session behind")
	}
}

func TestApproveUnsupportedChainRejects(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	p := testProposal(11)
	p.RequestedChains = []string{"eip155:1"}
	m.HandleSessionProposal(p)

	if _, err := m.ApproveSession(context.Background(), 11, testAccount); err == nil {
		t.Fatal("expected error for unsupported chain")
	}
	if got := transport.rejectedIDs(); len(got) != 1 || got[0] != 11 {
		t.Fatalf("rejected ids = %v, want [11]", got)
	}
}

func TestDisconnectRemovesOnlyAfterTransportConfirms(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.HandleSessionProposal(testProposal(1))
	sess, err := m.ApproveSession(context.Background(), 1, testAccount)
	if err != nil {
		t.Fatalf("ApproveSession: %v", err)
	}

	var removed []eventbus.SessionRemoved
	bus.Subscribe(func(evt eventbus.Event) {
		if e, ok := evt.(eventbus.SessionRemoved); ok {
			removed = append(removed, e)
		}
	})

	transport.disconnectErr = errors.New("relay unavailable")
	if err := m.DisconnectSession(context.Background(), sess.Topic, relay.ReasonUserDisconnected); err == nil {
		t.Fatal("expected disconnect error")
	}
	if !m.HasSession(sess.Topic) {
		t.Fatal("session removed despite transport failure")
	}

	transport.disconnectErr = nil
	if err := m.DisconnectSession(context.Background(), sess.Topic, relay.ReasonUserDisconnected); err != nil {
		t.Fatalf("DisconnectSession: %v", err)
	}
	if m.HasSession(sess.Topic) {
		t.Fatal("session still present after confirmed disconnect")
	}
	if len(removed) != 1 || removed[0].ActiveCount != 0 {
		t.Fatalf("removed events = %v, want one with active count 0", removed)
	}

	if err := m.DisconnectSession(context.Background(), sess.Topic, relay.ReasonUserDisconnected); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("repeat disconnect error = %v, want ErrSessionNotFound", err)
	}
}

func TestRemoteDeleteRemovesSession(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.HandleSessionProposal(testProposal(1))
	sess, err := m.ApproveSession(context.Background(), 1, testAccount)
	if err != nil {
		t.Fatalf("ApproveSession: %v", err)
	}

	var removed int
	bus.Subscribe(func(evt eventbus.Event) {
		if _, ok := evt.(eventbus.SessionRemoved); ok {
			removed++
		}
	})

	m.HandleSessionDelete(sess.Topic)
	if m.HasSession(sess.Topic) {
		t.Fatal("session survived remote delete")
	}
	if removed != 1 {
		t.Fatalf("removed events = %d, want 1", removed)
	}

	// A second delete for the same topic is absorbed silently.
	m.HandleSessionDelete(sess.Topic)
	if removed != 1 {
		t.Fatalf("duplicate delete published %d events, want 1", removed)
	}
}

func TestTombstoneExpiresAfterTTL(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	current := time.Now()
	m.now = func() time.Time { return current }

	m.HandleSessionProposal(testProposal(3))
	m.HandleSessionDelete("session-topic")

	// Long after the TTL the tombstone no longer blocks settlement.
	current = current.Add(tombstoneTTL + time.Minute)
	if _, err := m.ApproveSession(context.Background(), 3, testAccount); err != nil {
		t.Fatalf("ApproveSession after tombstone expiry: %v", err)
	}
	if len(m.Sessions()) != 1 {
		t.Fatal("session not established after tombstone expiry")
	}
}

func TestStaleTombstonesArePruned(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, testAccount)
	current := time.Now()
	m.now = func() time.Time { return current }

	m.HandleSessionDelete("topic-old")
	current = current.Add(tombstoneTTL + time.Minute)
	m.HandleSessionDelete("topic-new")

	m.mu.Lock()
	_, oldKept := m.tombstones["topic-old"]
	_, newKept := m.tombstones["topic-new"]
	m.mu.Unlock()
	if oldKept {
		t.Fatal("expired tombstone survived the prune")
	}
	if !newKept {
		t.Fatal("fresh tombstone missing")
	}
}

func TestTransportClosedLeavesReady(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var errOps []string
	var initResults []eventbus.InitializationResult
	bus.Subscribe(func(evt eventbus.Event) {
		switch e := evt.(type) {
		case eventbus.BridgeError:
			errOps = append(errOps, e.Op)
		case eventbus.InitializationResult:
			initResults = append(initResults, e)
		}
	})

	m.HandleTransportClosed(errors.New("read loop died"))

	if m.State() == StateReady {
		t.Fatal("manager still ready after transport loss")
	}
	if err := m.Pair(context.Background(), "wc:x@2?symKey=aa"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Pair after transport loss = %v, want ErrNotReady", err)
	}
	if len(errOps) != 1 || errOps[0] != "transport" {
		t.Fatalf("bridge_error ops = %v, want [transport]", errOps)
	}
	if len(initResults) != 1 || initResults[0].Ready {
		t.Fatalf("initialization results = %v, want one not-ready", initResults)
	}

	// Repeat notifications are absorbed.
	m.HandleTransportClosed(errors.New("again"))
	if len(errOps) != 1 {
		t.Fatalf("duplicate notification published %d errors, want 1", len(errOps))
	}
}

func TestPairPublishesOnlyPairingFlag(t *testing.T) {
	transport := &fakeTransport{}
	m, bus := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var loading, pairing int
	bus.Subscribe(func(evt eventbus.Event) {
		switch evt.(type) {
		case eventbus.LoadingChanged:
			loading++
		case eventbus.PairingChanged:
			pairing++
		}
	})

	if err := m.Pair(context.Background(), "wc:topic@2?symKey=aa"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if loading != 0 {
		t.Fatalf("pairing published %d loading events, want 0", loading)
	}
	if pairing != 1 {
		t.Fatalf("pairing events = %d, want 1", pairing)
	}
}

func TestDeleteBeforeSettlementLeavesTombstone(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testAccount)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	m.HandleSessionProposal(testProposal(3))
	// The fake transport settles onto this topic; the delete arrives first.
	m.HandleSessionDelete("session-topic")

	if _, err := m.ApproveSession(context.Background(), 3, testAccount); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
	if len(m.Sessions()) != 0 {
		t.Fatal("tombstoned session was resurrected")
	}
}
