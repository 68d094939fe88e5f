package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"lens-account/go-bridge/internal/bridge"
	"lens-account/go-bridge/internal/relay"
	"lens-account/go-bridge/internal/session"
)

type fakeService struct {
	pairErr    error
	approveErr error
	paired     []string
	sessions   []relay.Session
	pending    *bridge.PendingRequest
}

func (f *fakeService) Pair(_ context.Context, uri string) error {
	if f.pairErr != nil {
		return f.pairErr
	}
	f.paired = append(f.paired, uri)
	return nil
}

func (f *fakeService) ApproveProposal(_ context.Context, proposalID int64) (relay.Session, error) {
	if f.approveErr != nil {
		return relay.Session{}, f.approveErr
	}
	return relay.Session{Topic: "settled-topic"}, nil
}

func (f *fakeService) RejectProposal(context.Context, int64) error { return nil }

func (f *fakeService) DisconnectSession(context.Context, string) error { return nil }

func (f *fakeService) Sessions() []relay.Session { return f.sessions }

func (f *fakeService) PendingProposals() []relay.Proposal { return nil }

func (f *fakeService) PendingRequest() (bridge.PendingRequest, bool) {
	if f.pending == nil {
		return bridge.PendingRequest{}, false
	}
	return *f.pending, true
}

func (f *fakeService) ApproveRequest(context.Context) error { return nil }

func (f *fakeService) RejectRequest(context.Context) error { return bridge.ErrNoPendingRequest }

func (f *fakeService) Status() Status {
	return Status{Ready: true, ChainID: 232, ActiveSessions: len(f.sessions)}
}

func (f *fakeService) OwnerAddress() string { return "0xOwner" }

func (f *fakeService) SubscribeNotifications(int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	ch := make(chan NotificationEvent)
	return nil, ch, func() {}
}

func newTestServer(svc BridgeService, token string) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newServer("127.0.0.1:0", svc, nil, logger, token, token != "")
}

func doRPC(t *testing.T, s *Server, token, body string) (int, rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("X-Bridge-RPC-Token", token)
	}
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	var resp rpcResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
		}
	}
	return rec.Code, resp
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeService{}, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"ok"`)) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRPCRequiresToken(t *testing.T) {
	s := newTestServer(&fakeService{}, "secret-token")

	code, _ := doRPC(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"health_check"}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", code)
	}

	code, resp := doRPC(t, s, "secret-token", `{"jsonrpc":"2.0","id":1,"method":"health_check"}`)
	if code != http.StatusOK || resp.Error != nil {
		t.Fatalf("status with token = %d, error = %v", code, resp.Error)
	}
}

func TestRPCBearerTokenAccepted(t *testing.T) {
	s := newTestServer(&fakeService{}, "secret-token")
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"health_check"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRPCRejectsDisallowedOrigin(t *testing.T) {
	s := newTestServer(&fakeService{}, "")
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(`{}`))
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRPCParseAndValidation(t *testing.T) {
	s := newTestServer(&fakeService{}, "")

	_, resp := doRPC(t, s, "", `{not json`)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("parse error response = %+v", resp.Error)
	}

	_, resp = doRPC(t, s, "", `{"jsonrpc":"1.0","id":1,"method":"health_check"}`)
	if resp.Error == nil || resp.Error.Code != -32600 {
		t.Fatalf("version response = %+v", resp.Error)
	}

	_, resp = doRPC(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"no_such_method"}`)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("unknown method response = %+v", resp.Error)
	}
}

func TestWcPairDispatch(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc, "")

	_, resp := doRPC(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"wc_pair","params":{"uri":"wc:topic@2?symKey=aa"}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if len(svc.paired) != 1 || svc.paired[0] != "wc:topic@2?symKey=aa" {
		t.Fatalf("paired = %v", svc.paired)
	}

	_, resp = doRPC(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"wc_pair","params":{}}`)
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("missing uri response = %+v", resp.Error)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	svc := &fakeService{pairErr: session.ErrNotReady, approveErr: session.ErrUnknownProposal}
	s := newTestServer(svc, "")

	_, resp := doRPC(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"wc_pair","params":{"uri":"wc:x@2?symKey=aa"}}`)
	if resp.Error == nil || resp.Error.Code != -32010 {
		t.Fatalf("not-ready mapping = %+v", resp.Error)
	}

	_, resp = doRPC(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"wc_approveProposal","params":{"proposalId":9}}`)
	if resp.Error == nil || resp.Error.Code != -32011 {
		t.Fatalf("unknown-proposal mapping = %+v", resp.Error)
	}

	_, resp = doRPC(t, s, "", `{"jsonrpc":"2.0","id":3,"method":"wc_rejectRequest"}`)
	if resp.Error == nil || resp.Error.Code != -32013 {
		t.Fatalf("no-pending mapping = %+v", resp.Error)
	}
}

func TestPendingRequestShapes(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc, "")

	_, resp := doRPC(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"wc_pendingRequest"}`)
	result, ok := resp.Result.(map[string]any)
	if !ok || result["pending"] != false {
		t.Fatalf("empty slot result = %v", resp.Result)
	}

	svc.pending = &bridge.PendingRequest{ID: 77, Topic: "t", Method: "eth_sendTransaction"}
	_, resp = doRPC(t, s, "", `{"jsonrpc":"2.0","id":2,"method":"wc_pendingRequest"}`)
	result, ok = resp.Result.(map[string]any)
	if !ok || result["pending"] != true {
		t.Fatalf("occupied slot result = %v", resp.Result)
	}
}

func TestBridgeStatus(t *testing.T) {
	svc := &fakeService{sessions: []relay.Session{{Topic: "a"}, {Topic: "b"}}}
	s := newTestServer(svc, "")

	_, resp := doRPC(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"bridge_status"}`)
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %v", resp.Result)
	}
	if result["ready"] != true || result["activeSessions"] != float64(2) || result["chainId"] != float64(232) {
		t.Fatalf("status = %v", result)
	}
}
