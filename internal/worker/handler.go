package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JobHandler executes one job type.
type JobHandler interface {
	// Type must match the job type the job was enqueued with.
	Type() string

	// Handle runs the job. payload is the JSON stored at enqueue time.
	// Returning a PermanentError fails the job without further attempts;
	// any other error is retried with backoff until MaxAttempts.
	Handle(ctx context.Context, payload []byte) error
}

// PermanentError marks a failure that retrying cannot fix, such as an
// unreadable payload or a reference to data that no longer exists.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so the worker will not retry it.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// Permanentf is NewPermanentError(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return NewPermanentError(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// DecodePayload unmarshals a job payload. A payload that does not decode
// will never decode, so the error is permanent.
func DecodePayload[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, Permanentf("invalid payload: %w", err)
	}
	return v, nil
}
