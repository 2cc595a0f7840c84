// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Handler is the per-channel state machine. It owns one selection key slot,
// one timer entry and one queue node, and delegates channel semantics to
// its [Hooks].
//
// At most one goroutine processes a handler at a time: readiness, timeouts
// and executed objects are all claimed through the same processing flag.
// Handlers are pooled. A *Handler is only valid for the lease it was handed
// out for (i.e. until OnReleased), use a [Handle] to refer to it from
// elsewhere.
type Handler struct {
	hooks       Hooks
	channel     Channel
	demux       *Demultiplexer
	key         *Key
	entry       *TimerEntry
	successor   *Handler
	attachment  any
	cause       error
	deadline    time.Time
	execs       []any
	node        queueNode
	trace       traceBuffer
	timeout     time.Duration
	id          uint64
	lease       uint64
	timerEpoch  atomic.Uint64
	mu          sync.Mutex
	state       HandlerState
	role        Role
	interest    Ops
	ready       Ops
	pending     Ops
	processing  bool
	cancelled   bool
	transferred bool
}

// processClaim is the work captured by acquireProcess.
type processClaim struct {
	hooks Hooks
	execs []any
	prev  HandlerState
	ready Ops
}

type acquireResult uint8

const (
	acquireSkipped acquireResult = iota
	acquireClosed
	acquireClaimed
)

// closeInfo is the state captured when a handler enters StateClosed.
type closeInfo struct {
	hooks       Hooks
	key         *Key
	cause       error
	cancelled   bool
	transferred bool
}

func newHandler(d *Demultiplexer) *Handler {
	h := &Handler{demux: d}
	h.node.value = h
	h.entry = NewTimerEntry(h)
	return h
}

// reset prepares the handler for a new lease.
func (h *Handler) reset(id uint64, role Role, ch Channel, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = nil
	h.channel = ch
	h.key = nil
	h.successor = nil
	h.attachment = nil
	h.cause = nil
	h.deadline = time.Time{}
	h.execs = nil
	h.trace.reset()
	h.timeout = timeout
	h.id = id
	h.lease++
	h.timerEpoch.Add(1)
	h.state = StateInactive
	h.role = role
	h.interest = OpNone
	h.ready = OpNone
	h.pending = OpNone
	h.processing = false
	h.cancelled = false
	h.transferred = false
	h.trace.record(TraceCode(StateInactive))
}

func (h *Handler) setStateLocked(state HandlerState) {
	h.state = state
	h.trace.record(TraceCode(state))
}

// ID returns the handler's identifier, unique per lease.
func (h *Handler) ID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Role returns the handler's role.
func (h *Handler) Role() Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.role
}

// State returns the current state.
func (h *Handler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Epoch returns the timer epoch, which advances whenever a scheduled
// timeout must no longer be delivered.
func (h *Handler) Epoch() uint64 {
	return h.timerEpoch.Load()
}

// Channel returns the handler's channel, nil for virtual handlers.
func (h *Handler) Channel() Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channel
}

// Key returns the selection key, nil if not registered.
func (h *Handler) Key() *Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

// InterestOps returns the desired interest set, which may not be applied yet.
func (h *Handler) InterestOps() Ops {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interest
}

// ReadyOps returns the ready set captured when the handler was selected.
func (h *Handler) ReadyOps() Ops {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Cause returns the failure cause recorded by Fail.
func (h *Handler) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// SetTimeout sets the idle timeout, applied the next time the handler is
// armed. Zero disables it.
func (h *Handler) SetTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// Timeout returns the idle timeout.
func (h *Handler) Timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeout
}

// Attach stores an arbitrary value for the current lease.
func (h *Handler) Attach(v any) {
	h.mu.Lock()
	h.attachment = v
	h.mu.Unlock()
}

// Attachment returns the value stored by Attach.
func (h *Handler) Attachment() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attachment
}

// Trace returns the recorded state transitions, oldest first. It is always
// empty unless built with the reactor_trace tag.
func (h *Handler) Trace() []TraceCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trace.snapshot()
}

// Handle returns a generation-tagged reference to the current lease. The
// handle of a closed handler is never valid.
func (h *Handler) Handle() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return Handle{}
	}
	return Handle{h: h, lease: h.lease}
}

// SetInterestOps adds ops to the interest set. An idle handler has the
// change applied by the poller (or directly, in [QueueModeDirect]),
// otherwise it is applied when processing releases.
func (h *Handler) SetInterestOps(ops Ops) error {
	return h.updateInterest(0, ops, OpNone)
}

// ClearInterestOps removes ops from the interest set, see SetInterestOps.
func (h *Handler) ClearInterestOps(ops Ops) error {
	return h.updateInterest(0, OpNone, ops)
}

func (h *Handler) updateInterest(lease uint64, set, clear Ops) error {
	h.mu.Lock()
	if lease != 0 && lease != h.lease {
		h.mu.Unlock()
		return ErrStaleHandle
	}
	switch h.state {
	case StateClosed, StateInvalid, StateCancelled, StateCancelledPending:
		h.mu.Unlock()
		return ErrInvalidState
	}
	next := (h.interest | set) &^ clear
	if next == h.interest {
		h.mu.Unlock()
		return nil
	}
	h.interest = next
	idle := h.state == StateIdle && h.key != nil
	h.mu.Unlock()
	if idle {
		h.demux.requestInterest(h)
	}
	return nil
}

// arm applies the interest set of an idle handler to its key, and
// reschedules its idle timeout. Readiness or executed objects that arrived
// while the handler was busy are queued instead. It must run on the poller,
// or under the demultiplexer's guard.
func (h *Handler) arm() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle || h.key == nil {
		return nil
	}
	if h.pending != OpNone {
		h.ready = h.pending
		h.pending = OpNone
		h.setStateLocked(StateSelected)
		h.timerEpoch.Add(1)
		h.demux.timers.Cancel(h.entry)
		h.node.moveTo(&h.demux.queues[QueueSelected])
		return nil
	}
	if len(h.execs) != 0 {
		h.node.moveTo(&h.demux.queues[QueueRunnable])
		return nil
	}
	if err := h.key.SetInterestOps(h.interest); err != nil {
		return err
	}
	h.scheduleTimeoutLocked()
	return nil
}

func (h *Handler) scheduleTimeoutLocked() {
	timers := h.demux.timers
	if h.interest == OpNone || h.timeout <= 0 {
		timers.Cancel(h.entry)
		h.deadline = time.Time{}
		return
	}
	if timers.Schedule(h.entry, h.timeout) {
		h.deadline, _ = timers.Deadline(h.entry)
	}
}

// registerTo installs key, moving the handler from Inactive or Pending to
// Idle, or straight to Processing, in which case the caller must call
// releaseProcess. It returns ErrCancelled if a cancel won the race.
func (h *Handler) registerTo(key *Key, process bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateInactive, StatePending:
	case StateCancelledPending:
		return ErrCancelled
	default:
		return ErrInvalidState
	}
	h.key = key
	if process {
		h.processing = true
		h.setStateLocked(StateProcessing)
	} else {
		h.setStateLocked(StateIdle)
	}
	return nil
}

// toSelectedState records readiness observed by the poller. Only an Idle
// handler is selected. The one-shot key is disarmed by the primitive, and
// any scheduled timeout is invalidated. Readiness observed in other live
// states is kept, and delivered when the handler next becomes idle.
func (h *Handler) toSelectedState(ready Ops) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateIdle:
		h.ready = ready
		h.setStateLocked(StateSelected)
		h.timerEpoch.Add(1)
		h.demux.timers.Cancel(h.entry)
		if h.key != nil {
			h.key.interest.Store(uint32(OpNone))
		}
		return true
	case StateInactive, StatePending, StateSelected, StateProcessing, StateTimeout:
		h.pending |= ready
	}
	return false
}

// checkTimeoutLocked moves an idle handler whose deadline has passed to
// StateTimeout, disarming readiness. Otherwise it returns the remaining
// delay, if any.
func (h *Handler) checkTimeoutLocked(now time.Time) (time.Duration, bool) {
	if h.state != StateIdle || h.timeout <= 0 || h.interest == OpNone || h.deadline.IsZero() {
		return 0, false
	}
	if remaining := h.deadline.Sub(now); remaining > 0 {
		return remaining, false
	}
	h.deadline = time.Time{}
	h.setStateLocked(StateTimeout)
	if h.key != nil {
		// readiness is not reported until the key is re-armed
		h.key.interest.Store(uint32(OpNone))
	}
	return 0, true
}

// RunTimeout implements [TimerOwner]. A timeout scheduled under an older
// epoch is ignored.
func (h *Handler) RunTimeout(epoch uint64) {
	h.mu.Lock()
	if epoch != h.timerEpoch.Load() {
		h.mu.Unlock()
		return
	}
	remaining, due := h.checkTimeoutLocked(h.demux.timers.Now())
	if !due {
		if remaining > 0 && h.demux.timers.Schedule(h.entry, remaining) {
			h.deadline, _ = h.demux.timers.Deadline(h.entry)
		}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.run()
}

// acquireProcess claims exclusive processing. A handler that was cancelled
// while nobody was processing it is closed instead.
func (h *Handler) acquireProcess() (processClaim, acquireResult) {
	h.mu.Lock()
	if h.processing {
		h.mu.Unlock()
		return processClaim{}, acquireSkipped
	}
	switch h.state {
	case StateCancelled, StateInvalid:
		info := h.beginCloseLocked()
		h.mu.Unlock()
		h.finishClose(info)
		return processClaim{}, acquireClosed
	case StateIdle:
		if len(h.execs) == 0 && h.pending == OpNone {
			h.mu.Unlock()
			return processClaim{}, acquireSkipped
		}
	case StateSelected, StateTimeout:
	default:
		h.mu.Unlock()
		return processClaim{}, acquireSkipped
	}
	claim := processClaim{
		hooks: h.hooks,
		execs: h.execs,
		prev:  h.state,
		ready: h.ready | h.pending,
	}
	h.execs = nil
	h.ready = OpNone
	h.pending = OpNone
	h.processing = true
	h.setStateLocked(StateProcessing)
	h.mu.Unlock()
	return claim, acquireClaimed
}

// releaseProcess ends processing. A handler cancelled or failed during
// processing is closed here, synchronously. Otherwise deferred readiness
// or executed objects are queued, or the interest set is re-armed, once.
func (h *Handler) releaseProcess() RunStatus {
	d := h.demux
	h.mu.Lock()
	h.processing = false
	if h.state != StateProcessing {
		succ := h.successor
		h.successor = nil
		info := h.beginCloseLocked()
		h.mu.Unlock()
		h.finishClose(info)
		if succ != nil {
			succ.releaseProcess()
		}
		return RunClosed
	}
	if h.pending != OpNone {
		h.ready = h.pending
		h.pending = OpNone
		h.setStateLocked(StateSelected)
		h.node.moveTo(&d.queues[QueueSelected])
		h.mu.Unlock()
		d.Wakeup()
		return RunRearmed
	}
	h.setStateLocked(StateIdle)
	if len(h.execs) != 0 {
		h.node.moveTo(&d.queues[QueueRunnable])
		h.mu.Unlock()
		d.Wakeup()
		return RunRearmed
	}
	idle := h.interest == OpNone
	registered := h.key != nil
	h.mu.Unlock()
	if registered {
		d.requestInterest(h)
	}
	if idle {
		return RunIdle
	}
	return RunRearmed
}

// run processes one unit of work for the handler: readiness, a timeout,
// executed objects, or a queued close.
func (h *Handler) run() RunStatus {
	claim, result := h.acquireProcess()
	switch result {
	case acquireClosed:
		return RunClosed
	case acquireSkipped:
		return RunSkipped
	}
	h.dispatch(claim)
	return h.releaseProcess()
}

func (h *Handler) dispatch(c processClaim) {
	if c.hooks == nil {
		return
	}
	var err error
	if c.ready != OpNone {
		err = h.invoke(func() error {
			c.hooks.OnSelected(h)
			return c.hooks.Process(h, c.ready)
		})
	}
	if err == nil && c.prev == StateTimeout {
		err = h.invoke(func() error { return c.hooks.OnTimeout(h) })
	}
	for _, obj := range c.execs {
		if err != nil {
			break
		}
		err = h.invoke(func() error { return c.hooks.DoExecute(h, obj) })
	}
	if err != nil {
		h.Fail(err)
	}
}

// invoke runs a hook, converting a panic to an error.
func (h *Handler) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// safeHook runs a close-path hook. Panics are logged, the close continues.
func (h *Handler) safeHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.demux.logPanic(name, h, PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	fn()
}

// Execute queues obj for [Hooks.DoExecute], which runs under the same
// exclusive processing as readiness.
func (h *Handler) Execute(obj any) error {
	return h.execute(0, obj)
}

func (h *Handler) execute(lease uint64, obj any) error {
	d := h.demux
	h.mu.Lock()
	if lease != 0 && lease != h.lease {
		h.mu.Unlock()
		return ErrStaleHandle
	}
	switch h.state {
	case StateClosed, StateCancelled, StateCancelledPending, StateInvalid:
		h.mu.Unlock()
		return ErrInvalidState
	}
	h.execs = append(h.execs, obj)
	queued := h.state == StateIdle && !h.processing
	if queued {
		h.node.moveTo(&d.queues[QueueRunnable])
	}
	h.mu.Unlock()
	if queued {
		d.Wakeup()
	}
	return nil
}

// Cancel cancels the handler. Idle handlers are closed synchronously,
// otherwise the close is deferred to whoever owns the handler next, and the
// poller is woken.
func (h *Handler) Cancel() CancelResult {
	result := h.cancel(0)
	if result == CancelDeferred {
		h.demux.Wakeup()
	}
	return result
}

func (h *Handler) cancel(lease uint64) CancelResult {
	h.mu.Lock()
	if lease != 0 && lease != h.lease {
		h.mu.Unlock()
		return CancelNoop
	}
	switch h.state {
	case StateInactive, StateIdle:
		h.markCancelledLocked()
		info := h.beginCloseLocked()
		h.mu.Unlock()
		h.finishClose(info)
		return CancelClosed
	case StatePending:
		h.markCancelledLocked()
		h.setStateLocked(StateCancelledPending)
		h.mu.Unlock()
		return CancelDeferred
	case StateSelected, StateProcessing, StateTimeout:
		h.markCancelledLocked()
		h.setStateLocked(StateInvalid)
		h.mu.Unlock()
		return CancelDeferred
	}
	h.mu.Unlock()
	return CancelNoop
}

func (h *Handler) markCancelledLocked() {
	if h.cause == nil {
		h.cancelled = true
	}
}

// Fail records cause, wrapped in a [HandlerError], and cancels the handler.
// The cause is delivered to OnFailed and OnClosed. Only the first cause is
// kept.
func (h *Handler) Fail(cause error) CancelResult {
	if cause != nil {
		h.mu.Lock()
		h.setCauseLocked(cause)
		h.mu.Unlock()
	}
	return h.Cancel()
}

func (h *Handler) setCauseLocked(cause error) {
	if h.cause != nil || h.state == StateClosed {
		return
	}
	var he *HandlerError
	if errors.As(cause, &he) && he.ID == h.id {
		h.cause = cause
		return
	}
	h.cause = &HandlerError{Cause: cause, ID: h.id, Role: h.role, State: h.state}
}

// abortRegistration closes a handler whose key installation failed or was
// cancelled. cause is nil for a cancellation.
func (h *Handler) abortRegistration(cause error) {
	h.mu.Lock()
	if cause != nil && !errors.Is(cause, ErrCancelled) {
		h.setCauseLocked(cause)
	}
	switch h.state {
	case StateInactive, StatePending, StateCancelledPending, StateIdle:
		info := h.beginCloseLocked()
		h.mu.Unlock()
		h.finishClose(info)
		return
	}
	h.mu.Unlock()
	h.Cancel()
}

// shutdownCancel cancels the handler without closing its channel. It
// returns true if the handler was queued to be closed by a runnable.
// Handlers owned by a processing goroutine are left to close on release.
func (h *Handler) shutdownCancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateInactive, StatePending, StateIdle, StateCancelledPending:
		h.markCancelledLocked()
		if h.key != nil {
			h.key.Cancel()
		}
		h.timerEpoch.Add(1)
		h.demux.timers.Cancel(h.entry)
		h.setStateLocked(StateCancelled)
		h.node.moveTo(&h.demux.queues[QueueRunnable])
		return true
	case StateSelected, StateProcessing, StateTimeout:
		h.markCancelledLocked()
		h.setStateLocked(StateInvalid)
	}
	return false
}

// forceClose closes the handler regardless of state. It is used by the
// final sweep, once no goroutine can be processing.
func (h *Handler) forceClose() bool {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return false
	}
	h.markCancelledLocked()
	h.processing = false
	info := h.beginCloseLocked()
	h.mu.Unlock()
	h.finishClose(info)
	return true
}

func (h *Handler) beginCloseLocked() closeInfo {
	info := closeInfo{
		hooks:       h.hooks,
		key:         h.key,
		cause:       h.cause,
		cancelled:   h.cancelled,
		transferred: h.transferred,
	}
	h.setStateLocked(StateClosed)
	h.key = nil
	h.execs = nil
	h.lease++
	h.timerEpoch.Add(1)
	h.demux.timers.Cancel(h.entry)
	return info
}

// finishClose runs the close sequence, exactly once per lease, then
// returns the handler to the pool.
func (h *Handler) finishClose(info closeInfo) {
	d := h.demux
	h.node.dequeue()
	if info.key != nil {
		// cancelled first, so the poller never mistakes it for an orphan
		info.key.Cancel()
		info.key.Attach(nil)
	}
	if hooks := info.hooks; hooks != nil {
		if info.cancelled {
			h.safeHook("OnCancelled", func() { hooks.OnCancelled(h) })
		}
		if info.key != nil {
			h.safeHook("OnClearSelectionKey", func() { hooks.OnClearSelectionKey(h) })
		}
		if !info.transferred {
			h.safeHook("OnCloseChannel", func() {
				if err := hooks.OnCloseChannel(h); err != nil {
					d.logger.Debug().
						Uint64("handler", h.id).
						Err(err).
						Log("close channel failed")
				}
			})
		}
		if info.cause != nil {
			h.safeHook("OnFailed", func() { hooks.OnFailed(h, info.cause) })
		}
		h.safeHook("OnClosed", func() { hooks.OnClosed(h, info.cause) })
	}
	d.untrack(h, info)
	if hooks := info.hooks; hooks != nil {
		h.safeHook("OnReleased", func() { hooks.OnReleased(h) })
	}
	d.handlers.release(h)
}
