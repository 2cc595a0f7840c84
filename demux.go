// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// QueueMode selects how registrations and interest changes requested off
// the poller reach the readiness primitive.
type QueueMode uint8

const (
	// QueueModeAlways queues every change for the poller to apply at the
	// start of its next Select.
	QueueModeAlways QueueMode = iota
	// QueueModeDirect applies changes from the calling goroutine, holding
	// the demultiplexer's guard lock, which the poller only releases while
	// blocked in the wait.
	QueueModeDirect
)

// String returns a human-readable representation of the mode.
func (m QueueMode) String() string {
	switch m {
	case QueueModeAlways:
		return "always"
	case QueueModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// SelectInterceptor observes the poll cycle.
type SelectInterceptor interface {
	// BeforeSelect returns false to poll without blocking.
	BeforeSelect() bool
	// AfterSelect receives the number of ready keys.
	AfterSelect(n int)
}

// DemuxConfig configures a [Demultiplexer].
type DemuxConfig struct {
	// Logger defaults to a disabled logger.
	Logger *logiface.Logger[logiface.Event]
	// LogRates limits repetitive error logs, nil for no limit.
	LogRates map[time.Duration]int
	// IdleTimeout is the initial timeout of every new handler.
	IdleTimeout time.Duration
	// HandlerPoolSize caps the handler free-list, zero disables reuse.
	HandlerPoolSize int
	// Mode selects how changes reach the selector.
	Mode QueueMode
}

// Demultiplexer owns the [Selector] and its four work queues. Select must
// only be called by one goroutine, the poller.
type Demultiplexer struct {
	selector *Selector
	timers   *TimerSet
	logger   *logiface.Logger[logiface.Event]
	limiter  *logLimiter
	handlers *handlerPool
	live     map[*Handler]struct{}
	queues   [queueKinds]nodeQueue
	// guard serializes selector manipulation between the poller and
	// QueueModeDirect callers. It is not held during the wait.
	guard       sync.Mutex
	liveMu      sync.Mutex
	idleTimeout time.Duration
	nextID      atomic.Uint64
	registered  atomic.Uint64
	selects     atomic.Uint64
	active      atomic.Int64
	largest     atomic.Int64
	mode        QueueMode
	shutting    atomic.Bool
}

// registrationFailure is a handler to close once the guard is released.
type registrationFailure struct {
	h   *Handler
	err error
}

// NewDemultiplexer wraps sel, scheduling handler timeouts in timers.
func NewDemultiplexer(sel *Selector, timers *TimerSet, cfg DemuxConfig) (*Demultiplexer, error) {
	limiter, err := newLogLimiter(cfg.LogRates)
	if err != nil {
		return nil, err
	}
	d := &Demultiplexer{
		selector:    sel,
		timers:      timers,
		logger:      cfg.Logger,
		limiter:     limiter,
		handlers:    newHandlerPool(cfg.HandlerPoolSize),
		live:        make(map[*Handler]struct{}),
		idleTimeout: cfg.IdleTimeout,
		mode:        cfg.Mode,
	}
	for i := range d.queues {
		d.queues[i].kind = QueueKind(i)
	}
	return d, nil
}

// Selector returns the wrapped selector.
func (d *Demultiplexer) Selector() *Selector { return d.selector }

// Timers returns the timer set.
func (d *Demultiplexer) Timers() *TimerSet { return d.timers }

// Wakeup interrupts a blocked Select.
func (d *Demultiplexer) Wakeup() { d.selector.Wakeup() }

// Select runs one poll cycle: apply pending interest changes and
// registrations, wait for readiness (not at all if a timer is due or work is
// queued), move ready handlers to the selected queue, then install
// registrations that arrived meanwhile. It returns the number of ready keys,
// which may be zero.
func (d *Demultiplexer) Select(interceptor SelectInterceptor) (int, error) {
	block := interceptor == nil || interceptor.BeforeSelect()

	var failed []registrationFailure
	d.guard.Lock()
	failed = d.handleInterestOpsPendings(failed)
	failed = d.drainRegisterPending(failed)
	timeout := d.timers.AdjustScheduleTimeout()
	if !block || d.queues[QueueSelected].len() != 0 || d.queues[QueueRunnable].len() != 0 {
		timeout = 0
	}
	d.guard.Unlock()
	d.abortRegistrations(failed)
	failed = failed[:0]

	keys, err := d.selector.Select(timeout)
	if err != nil {
		return 0, err
	}
	d.selects.Add(1)

	var orphans []*Key
	d.guard.Lock()
	for _, k := range keys {
		h := k.Attachment()
		if h == nil {
			if orphaned(k) {
				k.Cancel()
				orphans = append(orphans, k)
			}
			continue
		}
		if h.toSelectedState(k.ReadyOps()) {
			h.node.moveTo(&d.queues[QueueSelected])
		}
	}
	n := len(keys)
	failed = d.drainRegisterPending(failed)
	d.guard.Unlock()

	for _, k := range orphans {
		if d.limiter.allow(logCategoryOrphan) {
			d.logger.Warning().
				Int("fd", k.fd).
				Log("closing orphaned selection key")
		}
		_ = k.Channel().Close()
	}
	d.abortRegistrations(failed)

	if interceptor != nil {
		interceptor.AfterSelect(n)
	}
	return n, nil
}

// orphaned reports whether k, observed with no attachment, belongs to no
// handler. Handlers cancel their key before detaching it, so a detached key
// that is no longer valid is being closed by its handler.
func orphaned(k *Key) bool {
	return k.Attachment() == nil && k.Valid()
}

// handleInterestOpsPendings applies queued interest changes. It runs on
// the poller, with the guard held.
func (d *Demultiplexer) handleInterestOpsPendings(failed []registrationFailure) []registrationFailure {
	for {
		node := d.queues[QueueInterestPending].pop()
		if node == nil {
			return failed
		}
		h := node.value.(*Handler)
		if err := h.arm(); err != nil {
			failed = append(failed, registrationFailure{h: h, err: err})
		}
	}
}

// drainRegisterPending installs queued registrations. It runs on the
// poller, with the guard held.
func (d *Demultiplexer) drainRegisterPending(failed []registrationFailure) []registrationFailure {
	for {
		node := d.queues[QueueRegisterPending].pop()
		if node == nil {
			return failed
		}
		h := node.value.(*Handler)
		if err := d.install(h); err != nil {
			failed = append(failed, registrationFailure{h: h, err: err})
		}
	}
}

// install registers the handler's channel and arms it. Failures are
// returned, as closing runs hooks, which may not run under the guard.
func (d *Demultiplexer) install(h *Handler) error {
	h.mu.Lock()
	state, ch := h.state, h.channel
	h.mu.Unlock()
	switch state {
	case StatePending, StateInactive:
	case StateCancelledPending:
		return ErrCancelled
	default:
		// stale node
		return nil
	}
	key, err := d.selector.Register(ch, OpNone, h)
	if err != nil {
		return err
	}
	if err := h.registerTo(key, false); err != nil {
		key.Cancel()
		key.Attach(nil)
		return err
	}
	return h.arm()
}

func (d *Demultiplexer) abortRegistrations(failed []registrationFailure) {
	for _, f := range failed {
		if !errors.Is(f.err, ErrCancelled) {
			d.logger.Debug().
				Uint64("handler", f.h.ID()).
				Err(f.err).
				Log("handler registration failed")
		}
		f.h.abortRegistration(f.err)
	}
}

// requestInterest routes an interest change for an idle handler.
func (d *Demultiplexer) requestInterest(h *Handler) {
	if d.mode == QueueModeDirect {
		d.guard.Lock()
		err := h.arm()
		d.guard.Unlock()
		// the deadline may now precede the poller's wait
		d.Wakeup()
		if err != nil {
			h.abortRegistration(err)
		}
		return
	}
	if d.queues[QueueInterestPending].push(&h.node) {
		d.Wakeup()
	}
}

// RegisterChannel creates a handler for ch through factory, and registers
// it with ops as its interest set. Virtual handlers (nil channel) are idle
// immediately, and only process executed objects.
//
// The returned handler may already have closed, and been reused, by the
// time the caller sees it. Use [Reactor.RegisterChannel] for a [Handle]
// bound to this registration.
func (d *Demultiplexer) RegisterChannel(ch Channel, role Role, ops Ops, factory HandlerFactory) (*Handler, error) {
	h, _, err := d.register(ch, role, ops, factory)
	return h, err
}

// register is RegisterChannel, also returning the handle of the lease it
// created, captured before the handler is reachable by any other goroutine.
func (d *Demultiplexer) register(ch Channel, role Role, ops Ops, factory HandlerFactory) (*Handler, Handle, error) {
	if factory == nil {
		return nil, Handle{}, ErrNilFactory
	}
	if d.shutting.Load() {
		return nil, Handle{}, ErrShuttingDown
	}
	h := d.handlers.acquire(d)
	h.reset(d.nextID.Add(1), role, ch, d.idleTimeout)
	hooks, err := factory(h)
	if err != nil {
		h.forceClose()
		return nil, Handle{}, err
	}
	if hooks == nil {
		h.forceClose()
		return nil, Handle{}, ErrNilFactory
	}

	h.mu.Lock()
	if h.state != StateInactive {
		h.mu.Unlock()
		return nil, Handle{}, ErrCancelled
	}
	h.hooks = hooks
	h.interest = ops
	handle := Handle{h: h, lease: h.lease}
	virtual := ch == nil
	if virtual {
		h.setStateLocked(StateIdle)
	} else {
		h.setStateLocked(StatePending)
	}
	h.mu.Unlock()
	d.track(h)

	if virtual {
		h.mu.Lock()
		queued := len(h.execs) != 0
		if queued {
			h.node.moveTo(&d.queues[QueueRunnable])
		}
		h.mu.Unlock()
		if queued {
			d.Wakeup()
		}
		return h, handle, nil
	}

	if d.mode == QueueModeDirect {
		d.guard.Lock()
		err := d.install(h)
		d.guard.Unlock()
		if err != nil {
			h.abortRegistration(err)
			return nil, Handle{}, err
		}
		d.Wakeup()
		return h, handle, nil
	}
	d.queues[QueueRegisterPending].push(&h.node)
	d.Wakeup()
	return h, handle, nil
}

// TransferHandler moves from's key to a new handler created by factory,
// without reopening the channel. from is closed (without closing the
// channel), immediately if idle, otherwise when its processing releases,
// in which case the new handler stays claimed until then.
func (d *Demultiplexer) TransferHandler(from *Handler, factory HandlerFactory) (*Handler, error) {
	h, _, err := d.transfer(from, 0, factory)
	return h, err
}

// transfer is TransferHandler, also returning the new lease's handle. A
// non-zero lease must match from's current lease.
func (d *Demultiplexer) transfer(from *Handler, lease uint64, factory HandlerFactory) (*Handler, Handle, error) {
	if factory == nil {
		return nil, Handle{}, ErrNilFactory
	}
	if d.shutting.Load() {
		return nil, Handle{}, ErrShuttingDown
	}
	from.mu.Lock()
	if lease != 0 && lease != from.lease {
		from.mu.Unlock()
		return nil, Handle{}, ErrStaleHandle
	}
	role, ch, ops, timeout := from.role, from.channel, from.interest, from.timeout
	from.mu.Unlock()

	h := d.handlers.acquire(d)
	h.reset(d.nextID.Add(1), role, ch, timeout)
	h.mu.Lock()
	h.interest = ops
	h.mu.Unlock()
	hooks, err := factory(h)
	if err != nil {
		h.forceClose()
		return nil, Handle{}, err
	}
	if hooks == nil {
		h.forceClose()
		return nil, Handle{}, ErrNilFactory
	}

	from.mu.Lock()
	if lease != 0 && lease != from.lease {
		from.mu.Unlock()
		h.forceClose()
		return nil, Handle{}, ErrStaleHandle
	}
	prev, key := from.state, from.key
	switch prev {
	case StateIdle, StateSelected, StateProcessing, StateTimeout:
	default:
		key = nil
	}
	if key == nil {
		from.mu.Unlock()
		h.forceClose()
		return nil, Handle{}, ErrInvalidState
	}
	claimed := from.processing
	from.key = nil
	from.transferred = true
	h.mu.Lock()
	h.hooks = hooks
	handle := Handle{h: h, lease: h.lease}
	h.pending = from.ready | from.pending
	h.trace.moveFrom(&from.trace)
	h.trace.record(TraceTransferred)
	h.mu.Unlock()
	from.ready = OpNone
	from.pending = OpNone
	// h is not reachable yet, it can only be Inactive
	_ = h.registerTo(key, claimed)
	key.Attach(h)
	var info closeInfo
	closeNow := false
	switch {
	case claimed:
		from.setStateLocked(StateInvalid)
		from.successor = h
	case prev == StateIdle:
		info = from.beginCloseLocked()
		closeNow = true
	default:
		// queued for a run, which will close it
		from.setStateLocked(StateInvalid)
	}
	from.timerEpoch.Add(1)
	d.timers.Cancel(from.entry)
	from.mu.Unlock()

	d.track(h)
	if closeNow {
		from.finishClose(info)
	}
	if !claimed {
		d.requestInterest(h)
	}
	return h, handle, nil
}

// Submit queues fn on the runnable queue.
func (d *Demultiplexer) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	if d.shutting.Load() {
		return ErrShuttingDown
	}
	d.queues[QueueRunnable].push(&queueNode{value: fn})
	d.Wakeup()
	return nil
}

// InQueue reports which queue, if any, currently holds h.
func (d *Demultiplexer) InQueue(h *Handler) (QueueKind, bool) {
	return h.node.queued()
}

// QueueLen returns the length of one of the queues.
func (d *Demultiplexer) QueueLen(kind QueueKind) int {
	return d.queues[kind].len()
}

// pollSelected removes the next selected handler.
func (d *Demultiplexer) pollSelected() *Handler {
	if node := d.queues[QueueSelected].pop(); node != nil {
		return node.value.(*Handler)
	}
	return nil
}

// pollRunnable removes the next runnable: a func() or a *Handler.
func (d *Demultiplexer) pollRunnable() any {
	if node := d.queues[QueueRunnable].pop(); node != nil {
		return node.value
	}
	return nil
}

// hasWork reports whether a unit of work is queued or due.
func (d *Demultiplexer) hasWork() bool {
	return d.queues[QueueSelected].len() != 0 ||
		d.queues[QueueRunnable].len() != 0 ||
		d.timers.HasTimeoutEntry()
}

// ShuttingDown rejects new registrations, and cancels every live handler
// without closing its channel. Handlers nobody is processing are queued on
// the runnable queue, to be closed when run. It returns the number queued.
func (d *Demultiplexer) ShuttingDown() int {
	d.shutting.Store(true)
	var n int
	for _, h := range d.Handlers() {
		if h.shutdownCancel() {
			n++
		}
	}
	d.Wakeup()
	return n
}

// IsShuttingDown reports whether ShuttingDown or Clear has been called.
func (d *Demultiplexer) IsShuttingDown() bool {
	return d.shutting.Load()
}

// Clear closes every remaining handler and orphaned key, and empties every
// queue. It must only be called once no goroutine is processing handlers.
func (d *Demultiplexer) Clear() {
	d.shutting.Store(true)
	for i := range d.queues {
		d.queues[i].drain()
	}
	for _, h := range d.Handlers() {
		h.forceClose()
	}
	for _, k := range d.selector.Keys() {
		if k.Valid() && k.Attachment() == nil {
			k.Cancel()
			_ = k.Channel().Close()
		}
	}
}

// Handlers returns a snapshot of the live handlers.
func (d *Demultiplexer) Handlers() []*Handler {
	d.liveMu.Lock()
	defer d.liveMu.Unlock()
	handlers := make([]*Handler, 0, len(d.live))
	for h := range d.live {
		handlers = append(handlers, h)
	}
	return handlers
}

// ActiveCount returns the number of live handlers.
func (d *Demultiplexer) ActiveCount() int64 { return d.active.Load() }

// LargestCount returns the largest number of live handlers observed.
func (d *Demultiplexer) LargestCount() int64 { return d.largest.Load() }

func (d *Demultiplexer) track(h *Handler) {
	d.liveMu.Lock()
	d.live[h] = struct{}{}
	d.liveMu.Unlock()
	d.registered.Add(1)
	n := d.active.Add(1)
	for {
		largest := d.largest.Load()
		if n <= largest || d.largest.CompareAndSwap(largest, n) {
			break
		}
	}
}

func (d *Demultiplexer) untrack(h *Handler, info closeInfo) {
	d.liveMu.Lock()
	_, ok := d.live[h]
	delete(d.live, h)
	d.liveMu.Unlock()
	if !ok {
		return
	}
	d.active.Add(-1)
	if info.cause != nil {
		d.logger.Debug().
			Uint64("handler", h.id).
			Stringer("role", h.role).
			Err(info.cause).
			Log("handler failed")
	}
}

func (d *Demultiplexer) logPanic(hook string, h *Handler, err PanicError) {
	if !d.limiter.allow(logCategoryPanic) {
		return
	}
	d.logger.Err().
		Str("hook", hook).
		Uint64("handler", h.id).
		Str("panic", panicValue(err)).
		Log("recovered panic in handler hook")
}
