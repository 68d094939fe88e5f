package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Relay message tags per the WalletConnect sign protocol.
const (
	tagSessionProposeResponse = 1101
	tagSessionSettle          = 1102
	tagSessionRequestResponse = 1109
	tagSessionDelete          = 1112
)

const (
	defaultPublishTTL  = 300 // seconds
	settlePublishTTL   = 86400
	sessionLifetime    = 7 * 24 * time.Hour
	relayCallTimeout   = 15 * time.Second
	outboundJSONRPCVer = "2.0"
)

var errConnClosed = errors.New("relay connection is closed")

// relayFrame is one JSON-RPC frame on the relay socket, request or response.
type relayFrame struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorReason    `json:"error,omitempty"`
}

type irnSubscribeParams struct {
	Topic string `json:"topic"`
}

type irnUnsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

type irnPublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int    `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt"`
}

type irnSubscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data"`
}

// Plaintext payloads exchanged inside envelopes.

type wcEnvelope struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorReason    `json:"error,omitempty"`
}

type relayInfo struct {
	Protocol string `json:"protocol"`
}

type participant struct {
	PublicKey string   `json:"publicKey"`
	Metadata  Metadata `json:"metadata"`
}

type proposedNamespace struct {
	Chains  []string `json:"chains,omitempty"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type sessionProposeParams struct {
	Relays             []relayInfo                  `json:"relays"`
	Proposer           participant                  `json:"proposer"`
	RequiredNamespaces map[string]proposedNamespace `json:"requiredNamespaces"`
	OptionalNamespaces map[string]proposedNamespace `json:"optionalNamespaces"`
}

type sessionProposeResult struct {
	Relay              relayInfo `json:"relay"`
	ResponderPublicKey string    `json:"responderPublicKey"`
}

type sessionSettleParams struct {
	Relay      relayInfo   `json:"relay"`
	Controller participant `json:"controller"`
	Namespaces Namespaces  `json:"namespaces"`
	Expiry     int64       `json:"expiry"`
}

type sessionRequestParams struct {
	Request struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"request"`
	ChainID string `json:"chainId"`
}

type topicState struct {
	symKey         []byte
	subscriptionID string
}

// wsBackend speaks the relay protocol over a single websocket connection.
// The read goroutine only decodes frames and routes call results; inbound
// subscription events go through a channel to a dedicated dispatch
// goroutine. That keeps per-topic arrival order while letting handlers
// issue relay RPCs of their own — their acks still get read while the
// handler runs.
type wsBackend struct {
	logger *slog.Logger

	mu       sync.Mutex
	cfg      Config
	conn     *websocket.Conn
	handler  Handler
	topics   map[string]*topicState
	calls    map[int64]chan relayFrame
	closeErr error // set before events closes when the read loop dies uncommanded

	writeMu    sync.Mutex
	readCancel context.CancelFunc
	readWG     sync.WaitGroup
	dispatchWG sync.WaitGroup
}

func newWSBackend(logger *slog.Logger) *wsBackend {
	return &wsBackend{
		logger: logger,
		topics: make(map[string]*topicState),
		calls:  make(map[int64]chan relayFrame),
	}
}

func (w *wsBackend) SetHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

func (w *wsBackend) Start(ctx context.Context, cfg Config) error {
	if cfg.ProjectID == "" {
		return errors.New("relay project id is required")
	}
	auth, err := buildAuthToken(cfg.URL)
	if err != nil {
		return fmt.Errorf("build relay auth token: %w", err)
	}
	dialURL, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := dialURL.Query()
	q.Set("projectId", cfg.ProjectID)
	q.Set("auth", auth)
	dialURL.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	events := make(chan relayFrame, 64)
	w.mu.Lock()
	w.cfg = cfg
	w.conn = conn
	w.readCancel = cancel
	w.closeErr = nil
	w.mu.Unlock()

	w.readWG.Add(1)
	go w.readLoop(readCtx, conn, cfg.PingPeriod, events)
	w.dispatchWG.Add(1)
	go w.dispatchLoop(events)
	return nil
}

func (w *wsBackend) Stop() {
	w.mu.Lock()
	cancel := w.readCancel
	conn := w.conn
	w.readCancel = nil
	w.conn = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	w.readWG.Wait()
	w.dispatchWG.Wait()
}

func (w *wsBackend) readLoop(ctx context.Context, conn *websocket.Conn, pingPeriod time.Duration, events chan<- relayFrame) {
	defer w.readWG.Done()
	defer close(events)

	stopPing := make(chan struct{})
	defer close(stopPing)
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopPing:
				return
			case <-pinger.C:
				w.writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				w.writeMu.Unlock()
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("relay read failed", "error", err)
				w.mu.Lock()
				w.closeErr = fmt.Errorf("relay connection lost: %w", err)
				w.mu.Unlock()
			}
			w.failPendingCalls()
			return
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("relay sent unparseable frame")
			continue
		}
		if frame.Method == "" {
			w.deliverCallResult(frame)
			continue
		}
		if frame.Method == "irn_subscription" {
			// Ack from here, not from dispatch: the relay redelivers until it
			// sees the result, and dispatch may be busy inside a handler.
			w.ackSubscription(frame.ID)
			select {
			case events <- frame:
			case <-ctx.Done():
				w.failPendingCalls()
				return
			}
			continue
		}
		w.logger.Debug("ignoring relay method", "method", frame.Method)
	}
}

// dispatchLoop delivers decoded subscription events to the handler in
// arrival order. When the read loop died uncommanded it reports the closed
// transport after the queue drains.
func (w *wsBackend) dispatchLoop(events <-chan relayFrame) {
	defer w.dispatchWG.Done()
	for frame := range events {
		w.handleSubscription(frame)
	}

	w.mu.Lock()
	err := w.closeErr
	handler := w.handler
	w.mu.Unlock()
	if err != nil && handler != nil {
		handler.HandleTransportClosed(err)
	}
}

func (w *wsBackend) handleSubscription(frame relayFrame) {
	var params irnSubscriptionParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		w.logger.Warn("bad irn_subscription params")
		return
	}
	topic := params.Data.Topic

	w.mu.Lock()
	state, ok := w.topics[topic]
	handler := w.handler
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("message for unknown topic discarded", "topic", topic)
		return
	}

	plaintext, err := openEnvelope(state.symKey, params.Data.Message)
	if err != nil {
		w.logger.Warn("envelope rejected", "topic", topic, "error", err)
		return
	}
	var env wcEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		w.logger.Warn("bad payload inside envelope", "topic", topic)
		return
	}
	if env.Method == "" {
		// Response to something we published (e.g. a settle ack); nothing to
		// act on beyond logging.
		w.logger.Debug("peer response", "topic", topic, "rpc_id", env.ID)
		return
	}
	if handler == nil {
		return
	}

	switch env.Method {
	case "wc_sessionPropose":
		var p sessionProposeParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			w.logger.Warn("bad wc_sessionPropose params", "topic", topic)
			return
		}
		handler.HandleSessionProposal(proposalFromPropose(env.ID, topic, p))
	case "wc_sessionRequest":
		var p sessionRequestParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			w.logger.Warn("bad wc_sessionRequest params", "topic", topic)
			return
		}
		handler.HandleSessionRequest(SessionRequest{
			ID:      env.ID,
			Topic:   topic,
			ChainID: p.ChainID,
			Method:  p.Request.Method,
			Params:  p.Request.Params,
		})
	case "wc_sessionDelete":
		w.dropTopic(topic)
		handler.HandleSessionDelete(topic)
	default:
		w.logger.Debug("unhandled wc method", "method", env.Method, "topic", topic)
	}
}

func proposalFromPropose(id int64, pairingTopic string, p sessionProposeParams) Proposal {
	merged := proposedNamespace{}
	for _, src := range []map[string]proposedNamespace{p.RequiredNamespaces, p.OptionalNamespaces} {
		if ns, ok := src["eip155"]; ok {
			merged.Chains = appendUnique(merged.Chains, ns.Chains...)
			merged.Methods = appendUnique(merged.Methods, ns.Methods...)
			merged.Events = appendUnique(merged.Events, ns.Events...)
		}
	}
	return Proposal{
		ID:                id,
		PairingTopic:      pairingTopic,
		ProposerPublicKey: p.Proposer.PublicKey,
		RequestedChains:   merged.Chains,
		RequestedMethods:  merged.Methods,
		RequestedEvents:   merged.Events,
		Proposer:          p.Proposer.Metadata,
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func (w *wsBackend) Pair(ctx context.Context, p Pairing) error {
	w.mu.Lock()
	w.topics[p.Topic] = &topicState{symKey: p.SymKey}
	w.mu.Unlock()

	subID, err := w.subscribe(ctx, p.Topic)
	if err != nil {
		w.dropTopic(p.Topic)
		return err
	}
	w.setSubscriptionID(p.Topic, subID)
	return nil
}

func (w *wsBackend) ApproveSession(ctx context.Context, proposal Proposal, ns Namespaces, self Metadata) (Session, error) {
	priv, pub, err := generateKeyPair()
	if err != nil {
		return Session{}, err
	}
	symKey, sessionTopic, err := deriveSessionKey(priv, proposal.ProposerPublicKey)
	if err != nil {
		return Session{}, err
	}

	w.mu.Lock()
	w.topics[sessionTopic] = &topicState{symKey: symKey}
	w.mu.Unlock()

	subID, err := w.subscribe(ctx, sessionTopic)
	if err != nil {
		w.dropTopic(sessionTopic)
		return Session{}, err
	}
	w.setSubscriptionID(sessionTopic, subID)

	// Answer the propose request on the pairing topic so the dapp can derive
	// the same session topic.
	proposeResult := sessionProposeResult{
		Relay:              relayInfo{Protocol: ProtocolIRN},
		ResponderPublicKey: hex.EncodeToString(pub),
	}
	if err := w.publishResponse(ctx, proposal.PairingTopic, proposal.ID, proposeResult, nil, tagSessionProposeResponse); err != nil {
		w.dropTopic(sessionTopic)
		return Session{}, err
	}

	expiry := time.Now().Add(sessionLifetime)
	settle := sessionSettleParams{
		Relay:      relayInfo{Protocol: ProtocolIRN},
		Controller: participant{PublicKey: hex.EncodeToString(pub), Metadata: self},
		Namespaces: ns,
		Expiry:     expiry.Unix(),
	}
	if err := w.publishRequest(ctx, sessionTopic, "wc_sessionSettle", settle, tagSessionSettle, settlePublishTTL); err != nil {
		w.dropTopic(sessionTopic)
		return Session{}, err
	}

	eip155 := ns["eip155"]
	return Session{
		Topic:           sessionTopic,
		Peer:            proposal.Proposer,
		GrantedAccounts: append([]string(nil), eip155.Accounts...),
		GrantedMethods:  append([]string(nil), eip155.Methods...),
		GrantedEvents:   append([]string(nil), eip155.Events...),
		Expiry:          expiry,
	}, nil
}

func (w *wsBackend) RejectSession(ctx context.Context, proposal Proposal, reason ErrorReason) error {
	return w.publishResponse(ctx, proposal.PairingTopic, proposal.ID, nil, &reason, tagSessionProposeResponse)
}

func (w *wsBackend) DisconnectSession(ctx context.Context, topic string, reason ErrorReason) error {
	if err := w.publishRequest(ctx, topic, "wc_sessionDelete", reason, tagSessionDelete, defaultPublishTTL); err != nil {
		return err
	}
	w.unsubscribeTopic(ctx, topic)
	return nil
}

func (w *wsBackend) RespondResult(ctx context.Context, topic string, id int64, result any) error {
	return w.publishResponse(ctx, topic, id, result, nil, tagSessionRequestResponse)
}

func (w *wsBackend) RespondError(ctx context.Context, topic string, id int64, reason ErrorReason) error {
	return w.publishResponse(ctx, topic, id, nil, &reason, tagSessionRequestResponse)
}

func (w *wsBackend) publishRequest(ctx context.Context, topic, method string, params any, tag, ttl int) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	env := wcEnvelope{
		ID:      nextRPCID(),
		JSONRPC: outboundJSONRPCVer,
		Method:  method,
		Params:  paramsJSON,
	}
	return w.publishEnvelope(ctx, topic, env, tag, ttl)
}

func (w *wsBackend) publishResponse(ctx context.Context, topic string, id int64, result any, reason *ErrorReason, tag int) error {
	env := wcEnvelope{ID: id, JSONRPC: outboundJSONRPCVer, Error: reason}
	if reason == nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return err
		}
		env.Result = resultJSON
	}
	return w.publishEnvelope(ctx, topic, env, tag, defaultPublishTTL)
}

func (w *wsBackend) publishEnvelope(ctx context.Context, topic string, env wcEnvelope, tag, ttl int) error {
	w.mu.Lock()
	state, ok := w.topics[topic]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no key material for topic %s", topic)
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return err
	}
	sealed, err := sealEnvelope(state.symKey, plaintext)
	if err != nil {
		return err
	}
	_, err = w.call(ctx, "irn_publish", irnPublishParams{
		Topic:   topic,
		Message: sealed,
		TTL:     ttl,
		Tag:     tag,
		Prompt:  false,
	})
	return err
}

func (w *wsBackend) subscribe(ctx context.Context, topic string) (string, error) {
	result, err := w.call(ctx, "irn_subscribe", irnSubscribeParams{Topic: topic})
	if err != nil {
		return "", err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return "", fmt.Errorf("bad irn_subscribe result: %w", err)
	}
	return subID, nil
}

func (w *wsBackend) unsubscribeTopic(ctx context.Context, topic string) {
	w.mu.Lock()
	state, ok := w.topics[topic]
	delete(w.topics, topic)
	w.mu.Unlock()
	if !ok || state.subscriptionID == "" {
		return
	}
	if _, err := w.call(ctx, "irn_unsubscribe", irnUnsubscribeParams{Topic: topic, ID: state.subscriptionID}); err != nil {
		w.logger.Warn("irn_unsubscribe failed", "topic", topic, "error", err)
	}
}

// call sends one relay RPC and waits for its response frame.
func (w *wsBackend) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := nextRPCID()
	frame := relayFrame{ID: id, JSONRPC: outboundJSONRPCVer, Method: method, Params: paramsJSON}

	ch := make(chan relayFrame, 1)
	w.mu.Lock()
	conn := w.conn
	w.calls[id] = ch
	w.mu.Unlock()
	if conn == nil {
		w.forgetCall(id)
		return nil, errConnClosed
	}

	if err := w.writeFrame(conn, frame); err != nil {
		w.forgetCall(id)
		return nil, err
	}

	timer := time.NewTimer(relayCallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		w.forgetCall(id)
		return nil, ctx.Err()
	case <-timer.C:
		w.forgetCall(id)
		return nil, fmt.Errorf("relay call %s timed out", method)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("relay error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (w *wsBackend) ackSubscription(id int64) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	ack := relayFrame{ID: id, JSONRPC: outboundJSONRPCVer, Result: json.RawMessage("true")}
	if err := w.writeFrame(conn, ack); err != nil {
		w.logger.Warn("subscription ack failed", "error", err)
	}
}

func (w *wsBackend) writeFrame(conn *websocket.Conn, frame relayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsBackend) deliverCallResult(frame relayFrame) {
	w.mu.Lock()
	ch, ok := w.calls[frame.ID]
	delete(w.calls, frame.ID)
	w.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (w *wsBackend) forgetCall(id int64) {
	w.mu.Lock()
	delete(w.calls, id)
	w.mu.Unlock()
}

func (w *wsBackend) failPendingCalls() {
	w.mu.Lock()
	calls := w.calls
	w.calls = make(map[int64]chan relayFrame)
	w.mu.Unlock()
	for id, ch := range calls {
		ch <- relayFrame{ID: id, Error: &ErrorReason{Code: -32000, Message: "connection closed"}}
	}
}

func (w *wsBackend) dropTopic(topic string) {
	w.mu.Lock()
	delete(w.topics, topic)
	w.mu.Unlock()
}

func (w *wsBackend) setSubscriptionID(topic, subID string) {
	w.mu.Lock()
	if state, ok := w.topics[topic]; ok {
		state.subscriptionID = subID
	}
	w.mu.Unlock()
}

func nextRPCID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int63n(1000)
}
