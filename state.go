package reactor

import (
	"sync/atomic"
)

// HandlerState is the discrete state of a [Handler].
//
// State Machine:
//
//	Inactive → Pending                  [RegisterChannel off the poller]
//	Inactive|Pending → Idle|Processing  [registerTo]
//	Idle → Selected                     [toSelectedState]
//	Idle → Timeout                      [checkTimeout]
//	Selected|Timeout|Idle → Processing  [acquireProcess]
//	Processing → Idle                   [releaseProcess]
//	Pending → CancelledPending          [cancel]
//	Selected|Processing|Timeout → Invalid   [cancel]
//	Idle|Inactive|CancelledPending → Closed [cancel / register drain]
//	Invalid → Closed                    [releaseProcess]
//	Cancelled → Closed                  [close runnable]
//	Closed → Inactive                   [handler pool reuse only]
type HandlerState uint32

const (
	// StateInactive is the initial state of a handler that is not registered.
	StateInactive HandlerState = iota
	// StatePending indicates registration has been requested but the key is
	// not yet installed.
	StatePending
	// StateIdle indicates the handler is registered and waiting for
	// readiness or a timeout.
	StateIdle
	// StateSelected indicates readiness was observed but not yet claimed.
	StateSelected
	// StateProcessing indicates a callback is running.
	StateProcessing
	// StateTimeout indicates the idle deadline fired and the timeout is
	// waiting to be processed.
	StateTimeout
	// StateCancelledPending indicates a cancel raced a pending registration.
	// The register drain closes the handler without installing it.
	StateCancelledPending
	// StateCancelled indicates the handler was cancelled during shutdown.
	// Its channel remains open until the queued close runs.
	StateCancelled
	// StateInvalid indicates a cancel raced in-flight processing. The
	// processing goroutine closes the handler when it releases.
	StateInvalid
	// StateClosed is terminal for the current lease.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s HandlerState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StatePending:
		return "Pending"
	case StateIdle:
		return "Idle"
	case StateSelected:
		return "Selected"
	case StateProcessing:
		return "Processing"
	case StateTimeout:
		return "Timeout"
	case StateCancelledPending:
		return "CancelledPending"
	case StateCancelled:
		return "Cancelled"
	case StateInvalid:
		return "Invalid"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CancelResult is the outcome of cancelling a handler.
type CancelResult uint8

const (
	// CancelNoop indicates the handler was already closed or cancelled.
	CancelNoop CancelResult = iota
	// CancelClosed indicates the handler was closed synchronously.
	CancelClosed
	// CancelDeferred indicates the close will be performed later, by the
	// goroutine that owns the handler, and the poller must be woken.
	CancelDeferred
)

// String returns a human-readable representation of the result.
func (c CancelResult) String() string {
	switch c {
	case CancelNoop:
		return "Noop"
	case CancelClosed:
		return "Closed"
	case CancelDeferred:
		return "Deferred"
	default:
		return "Unknown"
	}
}

// RunStatus is the continuation status of a unit of handler work.
type RunStatus uint8

const (
	// RunSkipped indicates the handler could not be claimed, e.g. because
	// another goroutine is already processing it.
	RunSkipped RunStatus = iota
	// RunRearmed indicates processing finished and interest was re-applied.
	RunRearmed
	// RunIdle indicates processing finished with no interest remaining.
	RunIdle
	// RunClosed indicates the handler was closed.
	RunClosed
)

// String returns a human-readable representation of the status.
func (s RunStatus) String() string {
	switch s {
	case RunSkipped:
		return "Skipped"
	case RunRearmed:
		return "Rearmed"
	case RunIdle:
		return "Idle"
	case RunClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ReactorState is the lifecycle state of a [Reactor].
//
// State Machine:
//
//	ReactorInactive → ReactorStarting            [Start()]
//	ReactorStarting → ReactorActive              [start complete]
//	ReactorStarting|ReactorActive → ReactorShutdownRequested [Stop()]
//	ReactorShutdownRequested → ReactorShuttingDown [leader loop exit]
//	ReactorShuttingDown → ReactorShutdown        [drain complete]
//	ReactorInactive → ReactorShutdown            [Stop() before Start()]
type ReactorState uint32

const (
	// ReactorInactive indicates the reactor has been created but not started.
	ReactorInactive ReactorState = iota
	// ReactorStarting indicates Start is in progress.
	ReactorStarting
	// ReactorActive indicates the leader loop is running.
	ReactorActive
	// ReactorShutdownRequested indicates Stop was called.
	ReactorShutdownRequested
	// ReactorShuttingDown indicates the reactor is draining.
	ReactorShuttingDown
	// ReactorShutdown is terminal.
	ReactorShutdown
)

// String returns a human-readable representation of the state.
func (s ReactorState) String() string {
	switch s {
	case ReactorInactive:
		return "Inactive"
	case ReactorStarting:
		return "Starting"
	case ReactorActive:
		return "Active"
	case ReactorShutdownRequested:
		return "ShutdownRequested"
	case ReactorShuttingDown:
		return "ShuttingDown"
	case ReactorShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// reactorState is a lock-free lifecycle word.
type reactorState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *reactorState) Load() ReactorState {
	return ReactorState(s.v.Load())
}

// Store atomically stores a new state. No transition validation.
func (s *reactorState) Store(state ReactorState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *reactorState) TryTransition(from, to ReactorState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
