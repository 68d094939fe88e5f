package relay

import (
	"encoding/json"
	"time"
)

const (
	TransportMock      = "mock"
	TransportWebsocket = "websocket"

	DefaultRelayURL = "wss://relay.walletconnect.com"

	// Relay protocol advertised in pairing URIs and publish calls.
	ProtocolIRN = "irn"
)

// Metadata describes one side of a session, mirroring the WalletConnect
// peer metadata shape.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Proposal is an inbound session proposal. It is consumed exactly once, by
// either ApproveSession or RejectSession.
type Proposal struct {
	ID                int64    `json:"id"`
	PairingTopic      string   `json:"pairingTopic"`
	ProposerPublicKey string   `json:"proposerPublicKey"`
	RequestedChains   []string `json:"requestedChains"`
	RequestedMethods  []string `json:"requestedMethods"`
	RequestedEvents   []string `json:"requestedEvents"`
	Proposer          Metadata `json:"proposer"`
}

// Namespace is one granted namespace entry (keyed by "eip155" in practice).
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
	Accounts []string `json:"accounts"`
}

type Namespaces map[string]Namespace

// Session is an established, capability-scoped channel keyed by topic.
type Session struct {
	Topic           string    `json:"topic"`
	Peer            Metadata  `json:"peer"`
	GrantedAccounts []string  `json:"grantedAccounts"`
	GrantedMethods  []string  `json:"grantedMethods"`
	GrantedEvents   []string  `json:"grantedEvents"`
	Expiry          time.Time `json:"expiry"`
}

// SessionRequest is an inbound JSON-RPC request arriving on a session topic.
type SessionRequest struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// ErrorReason is the WalletConnect error shape used for rejections,
// disconnects and JSON-RPC error responses.
type ErrorReason struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Conventional reasons from the WalletConnect SDK error table.
var (
	ReasonUserRejected     = ErrorReason{Code: 5000, Message: "User rejected."}
	ReasonUserDisconnected = ErrorReason{Code: 6000, Message: "User disconnected."}
	ReasonUnsupportedChain = ErrorReason{Code: 5100, Message: "Requested chains are not supported."}
)

// Handler receives inbound transport events. Calls for a given topic arrive
// in the order the relay delivered them. HandleTransportClosed fires once
// when the connection dies without Stop being called; no further events
// follow it.
type Handler interface {
	HandleSessionProposal(Proposal)
	HandleSessionRequest(SessionRequest)
	HandleSessionDelete(topic string)
	HandleTransportClosed(err error)
}

// Config selects and tunes the relay backend.
type Config struct {
	Transport  string        `yaml:"transport"`
	URL        string        `yaml:"url"`
	ProjectID  string        `yaml:"projectId"`
	PingPeriod time.Duration `yaml:"pingPeriod"`
	// Per-topic inbound request budget; guards against a misbehaving peer
	// flooding the single pending slot.
	InboundRPS   float64 `yaml:"inboundRps"`
	InboundBurst int     `yaml:"inboundBurst"`
}

func DefaultConfig() Config {
	return Config{
		Transport:    TransportMock,
		URL:          DefaultRelayURL,
		PingPeriod:   30 * time.Second,
		InboundRPS:   2,
		InboundBurst: 5,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.InboundRPS <= 0 {
		cfg.InboundRPS = def.InboundRPS
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	return cfg
}
