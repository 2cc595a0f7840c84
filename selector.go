// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// Selector errors.
var (
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrKeyCancelled        = errors.New("reactor: selection key cancelled")
)

// Key binds a [Channel] to a [Selector], carrying its interest set and the
// attached handler. Keys are armed one-shot: a reported event disarms the
// key until its interest is applied again.
type Key struct {
	sel      *Selector
	ch       Channel
	att      atomic.Pointer[Handler]
	applies  atomic.Uint64
	fd       int
	interest atomic.Uint32
	ready    atomic.Uint32
	valid    atomic.Bool
}

// Channel returns the registered channel.
func (k *Key) Channel() Channel { return k.ch }

// InterestOps returns the interest set last applied.
func (k *Key) InterestOps() Ops { return Ops(k.interest.Load()) }

// ReadyOps returns the ready set reported by the last Select.
func (k *Key) ReadyOps() Ops { return Ops(k.ready.Load()) }

// Attachment returns the attached handler, or nil for an orphaned key.
func (k *Key) Attachment() *Handler { return k.att.Load() }

// Attach replaces the attached handler.
func (k *Key) Attach(h *Handler) { k.att.Store(h) }

// Valid reports whether the key has not been cancelled.
func (k *Key) Valid() bool { return k.valid.Load() }

// SetInterestOps applies ops to the readiness primitive, re-arming the key.
func (k *Key) SetInterestOps(ops Ops) error {
	if !k.valid.Load() {
		return ErrKeyCancelled
	}
	if err := k.sel.modify(k, ops); err != nil {
		return err
	}
	k.interest.Store(uint32(ops))
	k.applies.Add(1)
	return nil
}

// Cancel invalidates the key. Deregistration from the primitive is deferred
// to the next Select or Register call.
func (k *Key) Cancel() {
	if k.valid.CompareAndSwap(true, false) {
		k.sel.cancelKey(k)
	}
}

// waitMillis converts a wait timeout to epoll semantics, rounding partial
// milliseconds up so a deadline is never missed by an early return.
func waitMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	if timeout == 0 {
		return 0
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
