// Package apperrors defines the failure taxonomy shared by the release/refund engine.
//
// Every rejection carries a machine-readable Reason so support tooling can tell
// "frozen by dispute" apart from "insufficient balance" without parsing messages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	KindValidation          Kind = "validation"           // wrong state for the requested op, no retry
	KindNotFound            Kind = "not_found"            // unknown transaction or record
	KindInsufficientBalance Kind = "insufficient_balance" // fail-closed, needs a balance top-up
	KindLockConflict        Kind = "lock_conflict"        // another release in flight
	KindGatewayTransient    Kind = "gateway_transient"    // network/5xx/timeout, retry with same key
	KindGatewaySignature    Kind = "gateway_signature"    // invalid webhook signature
	KindInvariant           Kind = "invariant_violation"  // fatal, aborts before money moves
)

// Reason codes surfaced to callers.
const (
	ReasonFrozenByDispute     = "frozen_by_dispute"
	ReasonAccountRestricted   = "account_restricted"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonAlreadyReleased     = "already_released"
	ReasonPolicyBlocked       = "policy_blocked"
	ReasonReleaseInFlight     = "release_in_flight"
	ReasonRefundInFlight      = "refund_in_flight"
	ReasonRefundAmountFixed   = "refund_amount_fixed"
	ReasonFreezeUnverified    = "freeze_unverified"
	ReasonInvalidState        = "invalid_state"
	ReasonAmountExceedsMax    = "amount_exceeds_max"
	ReasonInvalidAmount       = "invalid_amount"
	ReasonInvalidRequest      = "invalid_request"
	ReasonMilestoneSum        = "milestone_sum_mismatch"
	ReasonMilestoneRequired   = "milestone_release_required"
	ReasonUnknownOutcome      = "unknown_outcome"
	ReasonGatewayUnavailable  = "gateway_unavailable"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonNotFound            = "not_found"
	ReasonVersionConflict     = "version_conflict"
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, reason, message string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: err}
}

// Validation reports a wrong-state or bad-input rejection.
func Validation(reason, format string, args ...any) *Error {
	return New(KindValidation, reason, fmt.Sprintf(format, args...))
}

// NotFound reports a missing record.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, ReasonNotFound, fmt.Sprintf(format, args...))
}

// InsufficientBalance reports that the platform balance cannot cover a transfer.
func InsufficientBalance(format string, args ...any) *Error {
	return New(KindInsufficientBalance, ReasonInsufficientBalance, fmt.Sprintf(format, args...))
}

// LockConflict reports that another release for the same target is in flight.
func LockConflict(format string, args ...any) *Error {
	return New(KindLockConflict, ReasonReleaseInFlight, fmt.Sprintf(format, args...))
}

// GatewayTransient reports a retryable gateway failure. The outcome of the
// remote call is unknown; retries must reuse the same idempotency key.
func GatewayTransient(message string, err error) *Error {
	return Wrap(KindGatewayTransient, ReasonUnknownOutcome, message, err)
}

// GatewaySignature reports an invalid webhook signature.
func GatewaySignature(err error) *Error {
	return Wrap(KindGatewaySignature, ReasonInvalidSignature, "webhook signature verification failed", err)
}

// Invariant reports a broken data invariant.
func Invariant(reason, format string, args ...any) *Error {
	return New(KindInvariant, reason, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason of the first classified error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps err onto a response status. Unclassified errors are 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		switch e.Reason {
		case ReasonInvalidAmount, ReasonInvalidRequest:
			return http.StatusBadRequest
		case ReasonFreezeUnverified:
			return http.StatusServiceUnavailable
		}
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindLockConflict:
		return http.StatusConflict
	case KindGatewayTransient:
		return http.StatusServiceUnavailable
	case KindGatewaySignature:
		return http.StatusBadRequest
	case KindInvariant:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Body renders err as a JSON-ready map carrying the machine-readable reason.
func Body(err error) map[string]any {
	var e *Error
	if !errors.As(err, &e) {
		return map[string]any{"error": "internal_error", "message": "internal error"}
	}
	return map[string]any{"error": string(e.Kind), "reason": e.Reason, "message": e.Message}
}
