package bill

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("bill not found")

	// Classification sentinels. Every *Error unwraps to exactly one.
	ErrValidation = errors.New("validation error")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrPolicy     = errors.New("policy violation")

	// ErrStale is returned by Store.Transition when the stored status or
	// version no longer matches what the caller read.
	ErrStale = errors.New("bill: stale status or version")
)

// Error codes carried on *Error.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidAmount       = "invalid_amount"
	CodeAmountMismatch      = "amount_mismatch"
	CodeUnknownMethod       = "unknown_method"
	CodeInvalidExpiry       = "invalid_expiry"
	CodeInvalidReference    = "invalid_reference"
	CodeAttestationMismatch = "attestation_mismatch"
	CodeInvalidAttestation  = "invalid_attestation"
	CodeInsufficientFunds   = "insufficient_balance"
	CodeMissingReason       = "reason_required"
	CodeInvalidCursor       = "invalid_cursor"

	CodeNotParticipant = "not_participant"
	CodeWrongRole      = "wrong_role"
	CodeBlacklisted    = "blacklisted"
	CodeSelfClaim      = "self_claim"

	CodeInvalidState  = "invalid_state"
	CodeAlreadyClaim  = "already_claimed"
	CodeHoldActive    = "hold_active"
	CodeNotExpired    = "not_expired"
	CodeLedgerSettled = "ledger_settled"
	CodeAlreadyRated  = "already_rated"

	CodeMethodBlocked  = "method_blocked"
	CodeRiskBlocked    = "risk_blocked"
	CodeLimitExceeded  = "limit_exceeded"
	CodeOracleRequired = "oracle_required"
	CodeReviewRequired = "review_required"
	CodeDisputed       = "disputed"
)

// Error is a classified engine error. Conflict errors carry the current
// authoritative bill so callers can reconcile.
type Error struct {
	Kind    error  `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Current *Bill  `json:"current,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

func validationf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func forbiddenf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

func policyf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrPolicy, Code: code, Message: fmt.Sprintf(format, args...)}
}

func conflictf(current *Bill, code, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrConflict, Code: code, Message: fmt.Sprintf(format, args...), Current: current}
}

// wrongState is the common conflict for an operation attempted from a
// status it is not legal from.
func wrongState(current *Bill, op string) *Error {
	return conflictf(current, CodeInvalidState, "cannot %s a bill in status %s", op, current.Status)
}
