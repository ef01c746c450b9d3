package callmanager

import (
	"errors"
	"fmt"

	"github.com/sebas/linemux/internal/phone"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidState indicates the operation is not legal in the current
	// aggregate call state.
	ErrInvalidState = errors.New("invalid call state for operation")

	// ErrWaitPending indicates another hold-then-act sequence is in flight.
	ErrWaitPending = errors.New("hold operation already pending")

	// ErrNoLine indicates the line is not registered.
	ErrNoLine = errors.New("no such line")

	// ErrSuppServiceFailed indicates a hold or switch request failed.
	ErrSuppServiceFailed = errors.New("supplementary service failed")

	// ErrRemoteFailure indicates the line driver became unavailable.
	ErrRemoteFailure = errors.New("line unavailable")

	// ErrHoldTimeout indicates a hold request never completed.
	ErrHoldTimeout = errors.New("hold request timed out")

	// ErrManagerStopped indicates the worker is no longer running.
	ErrManagerStopped = errors.New("call manager stopped")
)

// StateError reports an operation rejected by the current call state.
type StateError struct {
	Op     string
	Reason string
	// Err is an optional more specific cause.
	Err error
}

// Error returns the error message.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Unwrap returns ErrInvalidState and the specific cause, if any.
func (e *StateError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidState, e.Err}
	}
	return []error{ErrInvalidState}
}

func invalidState(op, reason string) error {
	return &StateError{Op: op, Reason: reason}
}

// SuppServiceError reports a failed hold or switch request on a line.
type SuppServiceError struct {
	Line    string
	Service phone.SuppService
}

// Error returns the error message.
func (e *SuppServiceError) Error() string {
	return fmt.Sprintf("line %s: %s failed", e.Line, e.Service)
}

// Unwrap returns ErrSuppServiceFailed.
func (e *SuppServiceError) Unwrap() error {
	return ErrSuppServiceFailed
}

// RemoteError reports that a line's driver channel went away.
type RemoteError struct {
	Line string
}

// Error returns the error message.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("line %s: unavailable", e.Line)
}

// Unwrap returns ErrRemoteFailure.
func (e *RemoteError) Unwrap() error {
	return ErrRemoteFailure
}
