package models

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded signals that the sender's hourly cap is used up.
	// It causes a reschedule and is never reported as a failure.
	ErrQuotaExceeded = errors.New("hourly send quota exceeded")
	// ErrJobNotFound is returned when no ledger row exists for an id.
	ErrJobNotFound = errors.New("email job not found")
	// ErrJobFinalized is returned when a transition targets a job that is
	// already sent or failed.
	ErrJobFinalized = errors.New("email job already finalized")
	// ErrJobInFlight is returned by Enqueue while a worker holds the job's lease.
	ErrJobInFlight = errors.New("email job is being dispatched")
	// ErrLeaseLost is returned when a claim token no longer owns its entry.
	ErrLeaseLost = errors.New("schedule lease lost")
)

// ValidationError reports bad planning input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed ledger or rate store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// BatchError reports a batch that was aborted after Created jobs had
// already been written durably.
type BatchError struct {
	Created int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted after %d jobs created: %v", e.Created, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
