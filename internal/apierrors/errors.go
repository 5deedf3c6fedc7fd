// Package apierrors provides the unified error taxonomy for the intent engine.
package apierrors

import (
	"errors"
	"fmt"
)

// Code identifies one of the error kinds from spec §7. Kinds, not names: two
// different failures of the same kind carry the same Code but different
// Message/Details.
type Code string

const (
	CodeValidation             Code = "VALIDATION"
	CodeTrustInsufficient      Code = "TRUST_INSUFFICIENT"
	CodeConsentRequired        Code = "CONSENT_REQUIRED"
	CodeIntentRateLimit        Code = "INTENT_RATE_LIMIT"
	CodeIntentLocked           Code = "INTENT_LOCKED"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeStatementTimeout       Code = "STATEMENT_TIMEOUT"
	// CodeCircuitOpen is an internal marker. It must never be surfaced raw to
	// a caller — callers that can degrade translate it away (rules-only,
	// cached trust); callers that cannot (execute stage) wrap it as internal.
	CodeCircuitOpen   Code = "CIRCUIT_OPEN"
	CodeEnqueueFailed Code = "ENQUEUE_FAILED"
	CodeInternal      Code = "INTERNAL"
)

// Error is a structured engine error: a stable Code, a human message, and an
// optional bag of details consumed by the synchronous caller (e.g.
// rate-limit's retry-after, trust-insufficient's required/actual levels).
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the same error for
// chaining at the construction site.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a bare Error of the given kind.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error of the given kind wrapping a lower-level cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation reports a VALIDATION error with a field-level reason.
func Validation(field, reason string) *Error {
	return New(CodeValidation, "validation failed").
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// TrustInsufficient reports a TRUST_INSUFFICIENT error carrying the required
// and actual trust levels the caller must surface (spec §7).
func TrustInsufficient(required, actual int) *Error {
	return New(CodeTrustInsufficient, "entity trust level below required threshold").
		WithDetail("required", required).
		WithDetail("actual", actual)
}

// ConsentRequired reports a CONSENT_REQUIRED error naming the missing
// consent type.
func ConsentRequired(consentType, reason string) *Error {
	return New(CodeConsentRequired, "required consent missing or revoked").
		WithDetail("consent_type", consentType).
		WithDetail("reason", reason)
}

// RateLimited reports an INTENT_RATE_LIMIT error carrying retry-after
// seconds (spec §7, bounded to the rate limiter's window).
func RateLimited(retryAfterSeconds int) *Error {
	return New(CodeIntentRateLimit, "tenant concurrency or rate limit exceeded").
		WithDetail("retry_after_s", retryAfterSeconds)
}

// Locked reports an INTENT_LOCKED error: dedupe reservation timed out
// without resolving.
func Locked(key string) *Error {
	return New(CodeIntentLocked, "could not acquire dedupe reservation lock").
		WithDetail("key", key)
}

// InvalidTransition reports an INVALID_STATE_TRANSITION error.
func InvalidTransition(from, to string) *Error {
	return New(CodeInvalidStateTransition, "illegal status transition").
		WithDetail("from", from).
		WithDetail("to", to)
}

// NotFound reports a NOT_FOUND error for a resource/id pair.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "resource not found").
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// Conflict reports a CONFLICT error (e.g. the unique tenant+fingerprint
// constraint firing as the ultimate dedupe guard).
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Timeout reports a STATEMENT_TIMEOUT error for a slow store operation.
func Timeout(operation string, err error) *Error {
	return Wrap(CodeStatementTimeout, "operation timed out", err).
		WithDetail("operation", operation)
}

// CircuitOpen reports the internal CIRCUIT_OPEN marker that a circuit
// breaker returns when it rejects a call (see CodeCircuitOpen).
func CircuitOpen(dependency string) *Error {
	return New(CodeCircuitOpen, "circuit breaker open").
		WithDetail("dependency", dependency)
}

// EnqueueFailed reports an ENQUEUE_FAILED error — the intent row is kept;
// see spec §4.6 step 8.
func EnqueueFailed(queue string, err error) *Error {
	return Wrap(CodeEnqueueFailed, "failed to enqueue stage job", err).
		WithDetail("queue", queue)
}

// Internal reports an INTERNAL error. Message must never leak a stack trace
// to the caller (spec §7); Err is for logging only.
func Internal(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the Code of err if it is (or wraps) an *Error, else "".
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
