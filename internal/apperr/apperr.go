// Package apperr defines the engine's rejection taxonomy. Every rejected
// command surfaces exactly one Kind and a stable reason Code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindTiming
	KindCapacity
	KindDecryptionFinalization
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindTiming:
		return "timing"
	case KindCapacity:
		return "capacity"
	case KindDecryptionFinalization:
		return "decryption_finalization"
	default:
		return "unknown"
	}
}

// Error is a classified rejection. Two errors match under errors.Is when
// their Kind and Code are equal, so the sentinels below can be compared
// against wrapped instances that carry extra detail.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// With returns a copy of the sentinel carrying a formatted detail message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: fmt.Sprintf(format, args...), cause: e.cause}
}

// Wrap returns a copy of the sentinel with cause attached.
func (e *Error) Wrap(cause error) *Error {
	msg := e.Msg
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: e.Kind, Code: e.Code, Msg: msg, cause: cause}
}

func newErr(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// KindOf extracts the Kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the reason code of err, or "internal" when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Validation
var (
	ErrUnsupportedAsset   = newErr(KindValidation, "unsupported_asset")
	ErrInvalidProof       = newErr(KindValidation, "invalid_proof")
	ErrZeroAmount         = newErr(KindValidation, "zero_amount")
	ErrInvalidAmount      = newErr(KindValidation, "invalid_amount")
	ErrExpirationTooSoon  = newErr(KindValidation, "expiration_too_soon")
	ErrInsufficientCollat = newErr(KindValidation, "insufficient_collateral")
	ErrBadStrategyShape   = newErr(KindValidation, "bad_strategy_shape")
	ErrUnsupportedChain   = newErr(KindValidation, "unsupported_chain")
	ErrInvalidTimelock    = newErr(KindValidation, "invalid_timelock")
	ErrZeroSecretHash     = newErr(KindValidation, "zero_secret_hash")
	ErrBondTooSmall       = newErr(KindValidation, "bond_too_small")
	ErrSecretMismatch     = newErr(KindValidation, "secret_mismatch")
	ErrSecretUsed         = newErr(KindValidation, "secret_already_used")
	ErrOverfill           = newErr(KindValidation, "fill_exceeds_remaining")
	ErrStalePrice         = newErr(KindValidation, "stale_price")
	ErrInvalidPrice       = newErr(KindValidation, "invalid_price")
	ErrUnknownCommand     = newErr(KindValidation, "unknown_command")
	ErrNotFound           = newErr(KindValidation, "not_found")
	ErrInsufficientFunds  = newErr(KindValidation, "insufficient_balance")
	ErrInvalidType        = newErr(KindValidation, "invalid_position_type")
	ErrInvalidDeadline    = newErr(KindValidation, "invalid_deadline")
	ErrInvalidEstimate    = newErr(KindValidation, "invalid_estimate")
	ErrMissingKey         = newErr(KindValidation, "missing_idempotency_key")
	ErrUnknownCapability  = newErr(KindValidation, "unknown_capability")
)

// Authorization
var (
	ErrUnauthorized  = newErr(KindAuthorization, "unauthorized")
	ErrNotAllowed    = newErr(KindAuthorization, "handle_not_allowed")
	ErrNotOwner      = newErr(KindAuthorization, "not_owner")
	ErrNotResolver   = newErr(KindAuthorization, "not_locking_resolver")
	ErrResolverState = newErr(KindAuthorization, "resolver_inactive")
)

// State
var (
	ErrWrongStatus       = newErr(KindState, "wrong_status")
	ErrAlreadyRegistered = newErr(KindState, "already_registered")
	ErrDisputeOpen       = newErr(KindState, "dispute_state")
	ErrReentrant         = newErr(KindState, "reentrant_call")
	ErrPendingRequest    = newErr(KindState, "request_pending")
	ErrOutstandingLocks  = newErr(KindState, "outstanding_locks")
	ErrEscrowSettled     = newErr(KindState, "escrow_settled")
)

// Timing
var (
	ErrExpired         = newErr(KindTiming, "expired")
	ErrDeadlinePassed  = newErr(KindTiming, "deadline_passed")
	ErrNotYetExpired   = newErr(KindTiming, "not_yet_expired")
	ErrDelayNotElapsed = newErr(KindTiming, "delay_not_elapsed")
	ErrClockRegression = newErr(KindTiming, "clock_regression")
)

// Capacity
var (
	ErrCircuitBreaker = newErr(KindCapacity, "circuit_breaker")
)

// Decryption finalization
var (
	ErrUnknownRequest  = newErr(KindDecryptionFinalization, "unknown_request")
	ErrReplayedRequest = newErr(KindDecryptionFinalization, "replayed_request")
	ErrBadSignatures   = newErr(KindDecryptionFinalization, "bad_signatures")
	ErrBadPlaintexts   = newErr(KindDecryptionFinalization, "bad_plaintexts")
)
