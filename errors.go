// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrReactorStopped is returned by operations on a reactor that has shut down.
	ErrReactorStopped = errors.New("reactor: stopped")
	// ErrAlreadyStarted is returned by Start when called more than once.
	ErrAlreadyStarted = errors.New("reactor: already started")
	// ErrShuttingDown is returned when registrations race with shutdown.
	ErrShuttingDown = errors.New("reactor: shutting down")
	// ErrCancelled is returned by registration when a cancel won the race.
	ErrCancelled = errors.New("reactor: handler cancelled")
	// ErrStaleHandle is returned when a [Handle] refers to a previous lease.
	ErrStaleHandle = errors.New("reactor: stale handle")
	// ErrInvalidState is returned when a handler is not in a state that
	// permits the requested transition.
	ErrInvalidState = errors.New("reactor: invalid handler state")
	// ErrPoolStopped is returned when a task is offered to a stopped pool.
	ErrPoolStopped = errors.New("reactor: worker pool stopped")
	// ErrSelectorClosed is returned by selector operations after Close.
	ErrSelectorClosed = errors.New("reactor: selector closed")
	// ErrNotSupported is returned on platforms without a readiness primitive.
	ErrNotSupported = errors.New("reactor: not supported on this platform")
	// ErrWaitTimeout is returned by [Future.GetTimeout] when the wait elapses
	// before the future settles.
	ErrWaitTimeout = errors.New("reactor: wait timed out")
	// ErrFutureTimeout is returned by [Future.Get] for futures settled by timeout.
	ErrFutureTimeout = errors.New("reactor: future timed out")
	// ErrFutureCancelled is returned by [Future.Get] for cancelled futures.
	ErrFutureCancelled = errors.New("reactor: future cancelled")
	// ErrNilFactory is returned when a registration has no handler factory.
	ErrNilFactory = errors.New("reactor: nil handler factory")
	// ErrInvalidOption wraps every option validation failure.
	ErrInvalidOption = errors.New("reactor: invalid option")
)

// HandlerError attaches handler context to a failure cause. Every cause
// given to [Handler.Fail] reaches the hooks wrapped in one of these.
type HandlerError struct {
	Cause error
	ID    uint64
	Role  Role
	State HandlerState
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("reactor: handler %d (%s, %s): %v", e.ID, e.Role, e.State, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking hook or task.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: recovered panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, otherwise nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FutureError is returned by [Future.Get] for futures that failed.
type FutureError struct {
	Cause  error
	Status FutureStatus
}

// Error implements the error interface.
func (e *FutureError) Error() string {
	if e.Cause == nil {
		return "reactor: future " + e.Status.String()
	}
	return "reactor: future " + e.Status.String() + ": " + e.Cause.Error()
}

// Unwrap returns the original failure cause.
func (e *FutureError) Unwrap() error {
	return e.Cause
}

func invalidOption(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOption}, args...)...)
}
