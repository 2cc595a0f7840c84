// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"context"
	"sync"
	"time"
)

// FutureStatus is the settlement status of a [Future].
type FutureStatus uint32

const (
	// FutureUnknown indicates the future has not settled.
	FutureUnknown FutureStatus = iota
	// FutureAccomplished indicates the operation produced a result.
	FutureAccomplished
	// FutureTimeout indicates the operation timed out.
	FutureTimeout
	// FutureFailed indicates the operation failed with a cause.
	FutureFailed
	// FutureUserCancelled indicates the caller cancelled the operation.
	FutureUserCancelled
	// FutureCancelled indicates the reactor cancelled the operation, e.g. on
	// shutdown.
	FutureCancelled
)

// String returns a human-readable representation of the status.
func (s FutureStatus) String() string {
	switch s {
	case FutureUnknown:
		return "unknown"
	case FutureAccomplished:
		return "accomplished"
	case FutureTimeout:
		return "timeout"
	case FutureFailed:
		return "failed"
	case FutureUserCancelled:
		return "user-cancelled"
	case FutureCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// IsCancelled reports whether the status is either cancel outcome.
func (s FutureStatus) IsCancelled() bool {
	return s == FutureUserCancelled || s == FutureCancelled
}

// FutureCallback receives the outcome of a [Future]. Exactly one of the
// outcome methods is called, at most once per lease, outside any lock held
// by the future.
type FutureCallback[T any] interface {
	OnInitiate(f *Future[T])
	OnAccomplished(f *Future[T], result T)
	OnTimeout(f *Future[T])
	OnFailed(f *Future[T], cause error)
	// OnCancelled is called for both cancel outcomes, see [Future.Status].
	OnCancelled(f *Future[T])
}

// FutureFuncs adapts optional funcs to [FutureCallback]. Nil fields are
// skipped.
type FutureFuncs[T any] struct {
	Initiate     func(f *Future[T])
	Accomplished func(f *Future[T], result T)
	Timeout      func(f *Future[T])
	Failed       func(f *Future[T], cause error)
	Cancelled    func(f *Future[T])
}

var _ FutureCallback[struct{}] = FutureFuncs[struct{}]{}

func (x FutureFuncs[T]) OnInitiate(f *Future[T]) {
	if x.Initiate != nil {
		x.Initiate(f)
	}
}

func (x FutureFuncs[T]) OnAccomplished(f *Future[T], result T) {
	if x.Accomplished != nil {
		x.Accomplished(f, result)
	}
}

func (x FutureFuncs[T]) OnTimeout(f *Future[T]) {
	if x.Timeout != nil {
		x.Timeout(f)
	}
}

func (x FutureFuncs[T]) OnFailed(f *Future[T], cause error) {
	if x.Failed != nil {
		x.Failed(f, cause)
	}
}

func (x FutureFuncs[T]) OnCancelled(f *Future[T]) {
	if x.Cancelled != nil {
		x.Cancelled(f)
	}
}

// Future is a single-settlement, cancellable result container.
//
// The first of Accomplish, Timeout, Fail, UserCancel and Cancel wins, and
// all later attempts return false. A settled future may be reset for reuse
// with Release, once every blocked Get has observed the outcome.
type Future[T any] struct {
	cb         FutureCallback[T]
	result     T
	cause      error
	attachment any
	canceller  func()
	releaser   func()
	done       chan struct{}
	drained    chan struct{}
	mu         sync.Mutex
	waiters    int
	status     FutureStatus
	initiating bool
	initiated  bool
	deferred   bool
}

// NewFuture returns an unsettled future. The callback may be nil.
func NewFuture[T any](cb FutureCallback[T]) *Future[T] {
	return &Future[T]{
		cb:   cb,
		done: make(chan struct{}),
	}
}

// SetCallback replaces the callback, and is only permitted before the future
// has been initiated or settled.
func (f *Future[T]) SetCallback(cb FutureCallback[T]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != FutureUnknown || f.initiated {
		return false
	}
	f.cb = cb
	return true
}

// SetCanceller registers a func run when the future is cancelled (either
// outcome), before the callback is notified.
func (f *Future[T]) SetCanceller(fn func()) {
	f.mu.Lock()
	f.canceller = fn
	f.mu.Unlock()
}

// SetReleaser registers a func run by a successful Release.
func (f *Future[T]) SetReleaser(fn func()) {
	f.mu.Lock()
	f.releaser = fn
	f.mu.Unlock()
}

// Initiate runs the callback's OnInitiate hook, once per lease. It returns
// false if the future was already settled, including by the hook itself, in
// which case the caller must not start the operation.
//
// Settlement that races with the hook takes effect immediately, but its
// callback is delivered only after OnInitiate returns.
func (f *Future[T]) Initiate() bool {
	f.mu.Lock()
	if f.status != FutureUnknown || f.initiated {
		f.mu.Unlock()
		return false
	}
	f.initiated = true
	f.initiating = true
	cb := f.cb
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.initiating = false
		deferred := f.deferred
		f.deferred = false
		status, result, cause, canceller, cb := f.status, f.result, f.cause, f.canceller, f.cb
		f.mu.Unlock()
		if deferred {
			f.deliver(cb, canceller, status, result, cause)
		}
	}()

	if cb != nil {
		cb.OnInitiate(f)
	}

	f.mu.Lock()
	ok := f.status == FutureUnknown
	f.mu.Unlock()
	return ok
}

// Accomplish settles the future with a result.
func (f *Future[T]) Accomplish(result T) bool {
	return f.settle(FutureAccomplished, result, nil)
}

// Timeout settles the future as timed out.
func (f *Future[T]) Timeout() bool {
	var zero T
	return f.settle(FutureTimeout, zero, nil)
}

// Fail settles the future with a failure cause.
func (f *Future[T]) Fail(cause error) bool {
	var zero T
	return f.settle(FutureFailed, zero, cause)
}

// UserCancel settles the future as cancelled by the caller.
func (f *Future[T]) UserCancel() bool {
	var zero T
	return f.settle(FutureUserCancelled, zero, nil)
}

// Cancel settles the future as cancelled by the system.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.settle(FutureCancelled, zero, nil)
}

func (f *Future[T]) settle(status FutureStatus, result T, cause error) bool {
	f.mu.Lock()
	if f.status != FutureUnknown {
		f.mu.Unlock()
		return false
	}
	f.status = status
	f.result = result
	f.cause = cause
	close(f.done)
	if f.initiating {
		f.deferred = true
		f.mu.Unlock()
		return true
	}
	cb, canceller := f.cb, f.canceller
	f.mu.Unlock()
	f.deliver(cb, canceller, status, result, cause)
	return true
}

func (f *Future[T]) deliver(cb FutureCallback[T], canceller func(), status FutureStatus, result T, cause error) {
	if status.IsCancelled() && canceller != nil {
		canceller()
	}
	if cb == nil {
		return
	}
	switch status {
	case FutureAccomplished:
		cb.OnAccomplished(f, result)
	case FutureTimeout:
		cb.OnTimeout(f)
	case FutureFailed:
		cb.OnFailed(f, cause)
	case FutureUserCancelled, FutureCancelled:
		cb.OnCancelled(f)
	}
}

// Status returns the current settlement status.
func (f *Future[T]) Status() FutureStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// IsDone reports whether the future has settled.
func (f *Future[T]) IsDone() bool {
	return f.Status() != FutureUnknown
}

// Done returns a channel closed on settlement. The channel is replaced by
// Release.
func (f *Future[T]) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Result returns the result, which is the zero value unless accomplished.
func (f *Future[T]) Result() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Cause returns the failure cause, if any.
func (f *Future[T]) Cause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

// Attach stores an arbitrary value on the future, until Release.
func (f *Future[T]) Attach(v any) {
	f.mu.Lock()
	f.attachment = v
	f.mu.Unlock()
}

// Attachment returns the value stored by Attach.
func (f *Future[T]) Attachment() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachment
}

// Get blocks until the future settles.
func (f *Future[T]) Get() (T, error) {
	return f.wait(context.Background(), nil)
}

// GetTimeout blocks until the future settles or d elapses, in which case it
// returns [ErrWaitTimeout]. A non-positive d polls.
func (f *Future[T]) GetTimeout(d time.Duration) (T, error) {
	if d <= 0 {
		return f.wait(context.Background(), closedTimeC)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	return f.wait(context.Background(), timer.C)
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	return f.wait(ctx, nil)
}

var closedTimeC = func() <-chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

func (f *Future[T]) wait(ctx context.Context, timeout <-chan time.Time) (T, error) {
	f.mu.Lock()
	done := f.done
	f.waiters++
	f.mu.Unlock()
	defer f.leave()

	select {
	case <-done:
	default:
		select {
		case <-done:
		case <-timeout:
			var zero T
			return zero, ErrWaitTimeout
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.status {
	case FutureAccomplished:
		return f.result, nil
	case FutureTimeout:
		var zero T
		return zero, ErrFutureTimeout
	case FutureFailed:
		var zero T
		return zero, &FutureError{Status: f.status, Cause: f.cause}
	default:
		var zero T
		return zero, ErrFutureCancelled
	}
}

func (f *Future[T]) leave() {
	f.mu.Lock()
	f.waiters--
	if f.waiters == 0 && f.drained != nil {
		close(f.drained)
		f.drained = nil
	}
	f.mu.Unlock()
}

// Release resets a settled future for reuse, blocking until every in-flight
// Get has returned. On an unsettled future it performs Cancel instead, and
// returns false.
func (f *Future[T]) Release() bool {
	f.mu.Lock()
	if f.status == FutureUnknown {
		f.mu.Unlock()
		f.Cancel()
		return false
	}
	for f.waiters > 0 {
		if f.drained == nil {
			f.drained = make(chan struct{})
		}
		drained := f.drained
		f.mu.Unlock()
		<-drained
		f.mu.Lock()
	}
	var zero T
	f.status = FutureUnknown
	f.result = zero
	f.cause = nil
	f.attachment = nil
	f.initiated = false
	f.done = make(chan struct{})
	releaser := f.releaser
	f.mu.Unlock()
	if releaser != nil {
		releaser()
	}
	return true
}
