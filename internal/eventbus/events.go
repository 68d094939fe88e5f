package eventbus

import "lens-account/go-bridge/internal/relay"

// Pairing status values carried by PairingStatus.
const (
	PairingStatePairing = "pairing"
	PairingStatePaired  = "paired"
	PairingStateError   = "error"
)

// InitializationResult reports the outcome of session-manager initialization.
type InitializationResult struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// PairingStatus reports the asynchronous outcome of a Pair call.
type PairingStatus struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// SessionProposalReceived carries an inbound proposal awaiting an
// approve/reject decision.
type SessionProposalReceived struct {
	Proposal relay.Proposal `json:"proposal"`
}

// SessionEstablished is published after a proposal was approved and the
// transport settled the session.
type SessionEstablished struct {
	Session     relay.Session `json:"session"`
	ActiveCount int           `json:"activeCount"`
}

// SessionRemoved is published for both local disconnects and remote deletes.
type SessionRemoved struct {
	Topic       string `json:"topic"`
	ActiveCount int    `json:"activeCount"`
}

// SessionRequestReceived carries the request now occupying the pending slot.
type SessionRequestReceived struct {
	Request relay.SessionRequest `json:"request"`
	Peer    relay.Metadata       `json:"peer"`
}

// RequestResolved is published after a terminal JSON-RPC response was
// delivered for a request id.
type RequestResolved struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
}

// BridgeError is the generic named-error event; Op identifies the failing
// operation.
type BridgeError struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// LoadingChanged mirrors the coarse busy flag the owning UI renders while
// the transport initializes or a session settles.
type LoadingChanged struct {
	Loading bool `json:"loading"`
}

// PairingChanged mirrors the pairing-in-progress flag. It is a separate
// event from LoadingChanged so consumers never have to guess which flag a
// publish was about.
type PairingChanged struct {
	Pairing bool `json:"pairing"`
}

func (InitializationResult) eventName() string    { return "initialization_result" }
func (PairingStatus) eventName() string           { return "pairing_status" }
func (SessionProposalReceived) eventName() string { return "session_proposal" }
func (SessionEstablished) eventName() string      { return "session_established" }
func (SessionRemoved) eventName() string          { return "session_removed" }
func (SessionRequestReceived) eventName() string  { return "session_request" }
func (RequestResolved) eventName() string         { return "request_resolved" }
func (BridgeError) eventName() string             { return "bridge_error" }
func (LoadingChanged) eventName() string          { return "is_loading" }
func (PairingChanged) eventName() string          { return "is_pairing" }

// Name exposes the wire identifier used by the notification stream.
func Name(evt Event) string {
	if evt == nil {
		return ""
	}
	return evt.eventName()
}
