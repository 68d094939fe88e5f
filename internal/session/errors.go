package session

import "errors"

var (
	// ErrNotReady means the manager was used before Initialize succeeded.
	// Recoverable: wait for readiness and retry.
	ErrNotReady = errors.New("session manager is not ready")

	// ErrUnknownProposal means the proposal id was never seen or was
	// already consumed by an earlier approve/reject.
	ErrUnknownProposal = errors.New("unknown or already-consumed proposal")

	// ErrSessionNotFound is the safe outcome of disconnecting a topic that
	// is not (or no longer) in the active set.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoManagedAccount means approval was attempted without a managed
	// account address to grant.
	ErrNoManagedAccount = errors.New("managed account address is unavailable")
)

// InitializationError is fatal for this manager instance; recovery requires
// constructing a new one.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return "initialization failed: " + e.Err.Error()
}

func (e *InitializationError) Unwrap() error { return e.Err }

// PairingError is recoverable; the caller may retry with the same or a new
// URI.
type PairingError struct {
	Err error
}

func (e *PairingError) Error() string {
	return "pairing failed: " + e.Err.Error()
}

func (e *PairingError) Unwrap() error { return e.Err }

// ProposalHandlingError reports a proposal that could not be approved; the
// manager has already resolved it by rejecting toward the peer.
type ProposalHandlingError struct {
	ProposalID int64
	Err        error
}

func (e *ProposalHandlingError) Error() string {
	return "proposal handling failed: " + e.Err.Error()
}

func (e *ProposalHandlingError) Unwrap() error { return e.Err }
