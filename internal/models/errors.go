package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the orchestrator. Refinements wrap their parent
// kind so callers can match either with errors.Is.
var (
	// ErrAuthInvalid covers bad, expired or replayed nonces and bad signatures.
	ErrAuthInvalid = errors.New("authentication invalid")
	// ErrChainTransient is an RPC timeout or unavailable node after retries.
	ErrChainTransient = errors.New("blockchain temporarily unavailable")
	// ErrChainRejected is a revert, out-of-gas or invalid parameters.
	ErrChainRejected = errors.New("blockchain rejected transaction")
	// ErrOutcomeUnknown means the wait ran out; the transaction may still land.
	ErrOutcomeUnknown = errors.New("transaction outcome unknown")
	// ErrPaymentUnverified is a wrong amount, wrong recipient or missing tx.
	ErrPaymentUnverified = errors.New("payment could not be verified")
	// ErrDuplicatePayment is a payment reference that was already used.
	ErrDuplicatePayment = errors.New("payment reference already used")
	// ErrStateConflict is a request that conflicts with current state.
	ErrStateConflict = errors.New("state conflict")

	ErrNotFound             = errors.New("not found")
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrSubscriptionRequired = errors.New("subscription required")
	ErrRailUnavailable      = errors.New("payment rail unavailable")
)

var (
	ErrChainUnavailable  = ErrChainTransient
	ErrNotAMember        = fmt.Errorf("%w: not a member", ErrStateConflict)
	ErrProposalClosed    = fmt.Errorf("%w: proposal closed", ErrStateConflict)
	ErrDuplicateVote     = fmt.Errorf("%w: already voted", ErrStateConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid subscription transition", ErrStateConflict)
)

// TxError carries the hash of a broadcast transaction alongside its failure
// kind, so a caller told "unknown" can still reconcile later.
type TxError struct {
	Kind   error
	TxHash string
	Reason string
}

func (e *TxError) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

func (e *TxError) Unwrap() error {
	return e.Kind
}

// ErrNotMined is returned while a transaction has no receipt yet.
var ErrNotMined = errors.New("transaction not mined yet")
