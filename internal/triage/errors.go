package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownTransaction is returned for IDs that were never ingested.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrClassifierTimeout marks a behavioral classifier call that exceeded
	// its deadline. Investigations degrade instead of failing.
	ErrClassifierTimeout = errors.New("behavioral classifier timeout")

	// ErrCapacityExceeded marks a pending item dropped under backpressure.
	ErrCapacityExceeded = errors.New("ingest capacity exceeded")

	// ErrConfirmRequired is returned by Clear when the caller did not confirm.
	ErrConfirmRequired = errors.New("confirmation required")

	// ErrStopped is returned by Submit after the service has been stopped.
	ErrStopped = errors.New("service stopped")
)

// ValidationError describes a malformed submission rejected at the
// ingestion boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
