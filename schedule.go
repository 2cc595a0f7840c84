// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"runtime/debug"
	"sync/atomic"
	"time"
)

// scheduledTask is a timer owner that is not a handler.
type scheduledTask[T any] struct {
	fn     func() (T, error)
	future *Future[T]
	timers *TimerSet
	entry  *TimerEntry
	epoch  atomic.Uint64
}

var (
	_ TimerOwner     = (*scheduledTask[struct{}])(nil)
	_ TimerCanceller = (*scheduledTask[struct{}])(nil)
)

// Schedule runs fn on a follower once delay elapses, settling the returned
// future with its outcome. Cancelling the future first removes the timer,
// and shutdown cancels it. A panic in fn fails the future with a
// [PanicError].
//
// A non-positive delay is rejected with [ErrInvalidOption] unless zero
// timeouts are enabled, see [WithZeroTimeout].
func Schedule[T any](r *Reactor, delay time.Duration, fn func() (T, error)) (*Future[T], error) {
	if fn == nil {
		return nil, invalidOption("nil scheduled func")
	}
	if err := r.acceptingWork(); err != nil {
		return nil, err
	}
	t := &scheduledTask[T]{
		fn:     fn,
		future: NewFuture[T](nil),
		timers: r.timers,
	}
	t.entry = NewTimerEntry(t)
	t.future.SetCanceller(t.cancel)
	if !r.timers.Schedule(t.entry, delay) {
		if delay <= 0 {
			return nil, invalidOption("schedule delay %s", delay)
		}
		return nil, ErrShuttingDown
	}
	// the leader may be waiting on a later deadline
	r.demux.Wakeup()
	return t.future, nil
}

func (t *scheduledTask[T]) Epoch() uint64 {
	return t.epoch.Load()
}

func (t *scheduledTask[T]) RunTimeout(epoch uint64) {
	if epoch != t.epoch.Load() || !t.future.Initiate() {
		return
	}
	result, err := t.call()
	if err != nil {
		t.future.Fail(err)
		return
	}
	t.future.Accomplish(result)
}

func (t *scheduledTask[T]) call() (result T, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return t.fn()
}

func (t *scheduledTask[T]) TimerShutdown() {
	t.future.Cancel()
}

func (t *scheduledTask[T]) cancel() {
	t.epoch.Add(1)
	t.timers.Cancel(t.entry)
}
