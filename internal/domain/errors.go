package domain

import (
	"errors"
	"fmt"
)

// Error codes. Handlers map each one to an HTTP status.
const (
	EINVALID      = "invalid"
	EUNAUTHORIZED = "unauthorized"
	EFORBIDDEN    = "forbidden"
	ENOTFOUND     = "not_found"
	ECONFLICT     = "conflict"
	ETOOLARGE     = "too_large"
	ERATELIMIT    = "rate_limit"
	EPAYMENT      = "payment"     // no usable entitlement or purchase
	EUNAVAILABLE  = "unavailable" // payment processor, AI provider or blob store failed
	EINTERNAL     = "internal"
)

// internalMessage replaces the message of internal errors and of any
// error that is not an *Error before it reaches a client.
const internalMessage = "An internal error occurred. Please try again later."

// Error is the structured error returned across service boundaries.
// Op names the failing operation, e.g. "checkout.create"; Err carries the
// cause for logs and is never shown to clients.
type Error struct {
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func asError(err error) (*Error, bool) {
	var e *Error
	if err == nil || !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// ErrorCode returns the code of the first *Error in err's chain, EINVALID
// for a *ValidationError, "" for nil and EINTERNAL for anything else.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok {
		return e.Code
	}
	if _, ok := AsValidationError(err); ok {
		return EINVALID
	}
	return EINTERNAL
}

// ErrorMessage returns the message that is safe to show a client.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok && e.Code != EINTERNAL {
		return e.Message
	}
	if ve, ok := AsValidationError(err); ok {
		return ve.summary
	}
	return internalMessage
}

// ErrorOp returns the operation recorded on err, if any.
func ErrorOp(err error) string {
	if e, ok := asError(err); ok {
		return e.Op
	}
	if ve, ok := AsValidationError(err); ok {
		return ve.Op
	}
	return ""
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code, op and a client message to cause.
func Wrap(cause error, code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: cause}
}

func NotFound(op, resource, id string) *Error {
	return Errorf(ENOTFOUND, op, "%s %q not found", resource, id)
}

func Invalid(op, message string) *Error {
	return &Error{Code: EINVALID, Op: op, Message: message}
}

func Unauthorized(op, message string) *Error {
	return &Error{Code: EUNAUTHORIZED, Op: op, Message: message}
}

func Forbidden(op, message string) *Error {
	return &Error{Code: EFORBIDDEN, Op: op, Message: message}
}

func Conflict(op, message string) *Error {
	return &Error{Code: ECONFLICT, Op: op, Message: message}
}

// PaymentRequired reports a caller without a usable entitlement: no
// active subscription or no usage left.
func PaymentRequired(op, message string) *Error {
	return &Error{Code: EPAYMENT, Op: op, Message: message}
}

func RateLimit(op string) *Error {
	return &Error{Code: ERATELIMIT, Op: op, Message: "Too many requests. Please try again later."}
}

// Internal wraps a store or programming failure. Its message is logged
// but replaced by a generic one in responses.
func Internal(cause error, op, message string) *Error {
	return Wrap(cause, EINTERNAL, op, message)
}

// Unavailable wraps a failure of an external collaborator.
func Unavailable(cause error, op, message string) *Error {
	return Wrap(cause, EUNAVAILABLE, op, message)
}

// ValidationError carries per-field messages keyed by field name. Its
// client message is the first field message added.
type ValidationError struct {
	Op     string
	Fields map[string]string

	summary string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %d invalid field(s)", e.Op, len(e.Fields))
}

// NewValidationError starts a ValidationError with one field message.
func NewValidationError(op, field, message string) *ValidationError {
	return (&ValidationError{Op: op}).Add(field, message)
}

// Add records another field message and returns e for chaining.
func (e *ValidationError) Add(field, message string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if e.summary == "" {
		e.summary = message
	}
	e.Fields[field] = message
	return e
}

// AsValidationError finds a *ValidationError in err's chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if err == nil || !errors.As(err, &ve) {
		return nil, false
	}
	return ve, true
}
