package contract

import "errors"

// Sentinel errors for the failure taxonomy. Call sites wrap these with
// fmt.Errorf("...: %w", ...) so callers can match with errors.Is while the
// message still carries the offending account, role or id.
var (
	// ErrUnauthorized - caller lacks the role or capability the operation
	// requires. Raised before any state is touched; the wrap names the
	// required role.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidActorType - actor type outside the six valid categories.
	ErrInvalidActorType = errors.New("invalid actor type")

	// ErrInvalidBatchState - lifecycle state outside the nine-value enum.
	ErrInvalidBatchState = errors.New("invalid batch state")

	// ErrOutOfBounds - pagination cursor or page size violates its bound.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrUnknownToken - actor or batch id that was never issued.
	ErrUnknownToken = errors.New("unknown token id")

	// ErrDoubleRegistration - the account already owns an identity of the
	// requested actor type.
	ErrDoubleRegistration = errors.New("double registration")

	// ErrSoulboundTransfer - identity and batch records never change owner.
	ErrSoulboundTransfer = errors.New("soulbound record cannot be transferred")

	// ErrUnexpectedRequestID - resolution referenced a request id with no
	// pending record: a replay, an already-consumed id, or a stale
	// integration.
	ErrUnexpectedRequestID = errors.New("unexpected validation request id")

	// ErrUnexpectedAgent - an orchestrator callback arrived from an agent
	// other than the registered batch ledger.
	ErrUnexpectedAgent = errors.New("unexpected agent")
)
