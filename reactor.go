// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Observer is notified of reactor lifecycle transitions. Methods are called
// from reactor goroutines, and must not block.
type Observer interface {
	// OnStarted is called once the leader loop is running.
	OnStarted()
	// OnAccepting is called once an acceptor is registered.
	OnAccepting(h *Handler)
	// OnStopped is called once shutdown completes. cause is nil unless
	// the reactor stopped abnormally, e.g. because polling failed.
	OnStopped(cause error)
}

// ObserverFuncs implements [Observer] using optional funcs.
type ObserverFuncs struct {
	Started   func()
	Accepting func(h *Handler)
	Stopped   func(cause error)
}

var _ Observer = ObserverFuncs{}

// OnStarted implements [Observer].
func (x ObserverFuncs) OnStarted() {
	if x.Started != nil {
		x.Started()
	}
}

// OnAccepting implements [Observer].
func (x ObserverFuncs) OnAccepting(h *Handler) {
	if x.Accepting != nil {
		x.Accepting(h)
	}
}

// OnStopped implements [Observer].
func (x ObserverFuncs) OnStopped(cause error) {
	if x.Stopped != nil {
		x.Stopped(cause)
	}
}

// Reactor runs the leader/follower loop: a single leader goroutine polls
// the [Demultiplexer], and hands each unit of work it finds (one selected
// handler, one due timer, or one runnable) to a worker from a bounded
// [WorkerPool], running it inline only if no worker is available. The
// leader never waits for a unit it handed off.
type Reactor struct {
	opts     *reactorOptions
	logger   *logiface.Logger[logiface.Event]
	selector *Selector
	timers   *TimerSet
	demux    *Demultiplexer
	pool     *WorkerPool
	observer Observer
	done     chan struct{}
	cause    error
	mu       sync.Mutex
	state    reactorState
	// stopPending is set by a Stop that raced with Start.
	stopPending bool
	// rr rotates the unit sources, only accessed by the leader.
	rr         uint8
	dispatched atomic.Uint64
	inline     atomic.Uint64
	testHooks  *reactorTestHooks
}

// reactorTestHooks are set by tests, to act at fixed points of the lifecycle.
type reactorTestHooks struct {
	// Starting runs in Start once the core workers are up, while the state
	// is still [ReactorStarting].
	Starting func()
}

// New creates a reactor. It owns a new [Selector], which on platforms
// without one fails with [ErrNotSupported].
func New(opts ...Option) (*Reactor, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	sel, err := NewSelector(cfg.maxEvents)
	if err != nil {
		return nil, err
	}
	timers := NewTimerSet(cfg.clock, cfg.zeroTimeout)
	demux, err := NewDemultiplexer(sel, timers, DemuxConfig{
		Logger:          cfg.logger,
		LogRates:        cfg.logRates,
		IdleTimeout:     cfg.idleTimeout,
		HandlerPoolSize: cfg.handlerPoolSize,
		Mode:            cfg.mode,
	})
	if err != nil {
		_ = sel.Close()
		return nil, err
	}
	r := &Reactor{
		opts:     cfg,
		logger:   cfg.logger,
		selector: sel,
		timers:   timers,
		demux:    demux,
		observer: cfg.observer,
		done:     make(chan struct{}),
	}
	r.pool = NewWorkerPool(cfg.corePoolSize, cfg.maxPoolSize, cfg.keepAlive, r.uncaughtValue)
	return r, nil
}

// Demultiplexer returns the reactor's demultiplexer.
func (r *Reactor) Demultiplexer() *Demultiplexer { return r.demux }

// Timers returns the reactor's timer set.
func (r *Reactor) Timers() *TimerSet { return r.timers }

// State returns the lifecycle state.
func (r *Reactor) State() ReactorState { return r.state.Load() }

// Done is closed once the reactor has shut down.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Err returns the abnormal stop cause, if any, once Done is closed.
func (r *Reactor) Err() error {
	select {
	case <-r.done:
		return r.cause
	default:
		return nil
	}
}

// Start spawns the core workers and the leader goroutine. A reactor may
// only be started once.
func (r *Reactor) Start() error {
	r.mu.Lock()
	if !r.state.TryTransition(ReactorInactive, ReactorStarting) {
		state := r.state.Load()
		r.mu.Unlock()
		if state >= ReactorShutdownRequested {
			return ErrReactorStopped
		}
		return ErrAlreadyStarted
	}
	r.mu.Unlock()

	r.pool.Start()
	if r.testHooks != nil && r.testHooks.Starting != nil {
		r.testHooks.Starting()
	}

	r.mu.Lock()
	if r.stopPending {
		r.state.Store(ReactorShutdownRequested)
	} else {
		r.state.Store(ReactorActive)
	}
	r.mu.Unlock()

	r.logger.Info().
		Int("core_pool_size", r.opts.corePoolSize).
		Int("max_pool_size", r.opts.maxPoolSize).
		Stringer("queue_mode", r.opts.mode).
		Log("reactor started")
	r.notify(func(o Observer) { o.OnStarted() })
	go r.lead()
	return nil
}

// Stop requests shutdown. A reactor that was never started is shut down
// synchronously. If wait is true, Stop blocks until shutdown completes,
// and must not be called from a hook or a submitted func.
func (r *Reactor) Stop(wait bool) error {
	r.mu.Lock()
	switch r.state.Load() {
	case ReactorInactive:
		r.state.Store(ReactorShuttingDown)
		r.mu.Unlock()
		r.shutdown()
		return nil
	case ReactorStarting:
		r.stopPending = true
	case ReactorActive:
		r.state.Store(ReactorShutdownRequested)
	}
	r.mu.Unlock()
	r.demux.Wakeup()
	if wait {
		<-r.done
	}
	return nil
}

func (r *Reactor) acceptingWork() error {
	switch r.state.Load() {
	case ReactorInactive, ReactorStarting, ReactorActive:
		return nil
	case ReactorShutdown:
		return ErrReactorStopped
	default:
		return ErrShuttingDown
	}
}

// RegisterChannel registers ch with the given interest set, creating its
// handler through factory. The returned [Handle] is valid until the
// handler closes.
func (r *Reactor) RegisterChannel(ch Channel, role Role, ops Ops, factory HandlerFactory) (Handle, error) {
	if err := r.acceptingWork(); err != nil {
		return Handle{}, err
	}
	_, handle, err := r.demux.register(ch, role, ops, factory)
	if err != nil {
		return Handle{}, err
	}
	if role == RoleAcceptor {
		if h, err := handle.Handler(); err == nil {
			r.notify(func(o Observer) { o.OnAccepting(h) })
		}
	}
	return handle, nil
}

// TransferHandler moves the channel of the handler identified by from to a
// new handler created by factory. See [Demultiplexer.TransferHandler].
func (r *Reactor) TransferHandler(from Handle, factory HandlerFactory) (Handle, error) {
	if err := r.acceptingWork(); err != nil {
		return Handle{}, err
	}
	if from.h == nil {
		return Handle{}, ErrStaleHandle
	}
	_, handle, err := r.demux.transfer(from.h, from.lease, factory)
	if err != nil {
		return Handle{}, err
	}
	return handle, nil
}

// Execute queues obj for the handler's [Hooks.DoExecute].
func (r *Reactor) Execute(handle Handle, obj any) error {
	if err := r.acceptingWork(); err != nil {
		return err
	}
	return handle.Execute(obj)
}

// Submit queues fn to be run by a follower. Panics are recovered, and
// passed to the uncaught handler.
func (r *Reactor) Submit(fn func()) error {
	if err := r.acceptingWork(); err != nil {
		return err
	}
	return r.demux.Submit(fn)
}

type leaderInterceptor struct {
	r *Reactor
}

func (x leaderInterceptor) BeforeSelect() bool {
	return x.r.state.Load() == ReactorActive
}

func (x leaderInterceptor) AfterSelect(int) {}

// lead is the leader loop, it owns the poller role until shutdown.
func (r *Reactor) lead() {
	interceptor := leaderInterceptor{r}
	for r.state.Load() == ReactorActive {
		if _, err := r.demux.Select(interceptor); err != nil {
			r.logger.Crit().
				Err(err).
				Log("reactor poll failed")
			r.cause = err
			break
		}
		r.promote()
	}
	r.shutdown()
}

// promote hands every available unit to a follower. If none is available
// the leader runs one unit itself, then goes back to polling.
func (r *Reactor) promote() {
	for {
		unit := r.nextUnit()
		if unit == nil {
			return
		}
		if r.pool.TryExecute(func() { r.follow(unit) }) {
			r.dispatched.Add(1)
			continue
		}
		r.inline.Add(1)
		unit()
		return
	}
}

func (r *Reactor) follow(unit func()) {
	unit()
	if r.demux.hasWork() {
		r.demux.Wakeup()
	}
}

// nextUnit removes one unit of work, rotating between selected handlers,
// due timers and runnables.
func (r *Reactor) nextUnit() func() {
	for range 3 {
		source := r.rr
		r.rr = (r.rr + 1) % 3
		switch source {
		case 0:
			if h := r.demux.pollSelected(); h != nil {
				return func() { h.run() }
			}
		case 1:
			if expired, _, ok := r.timers.CheckTimeoutEntry(); ok {
				return expired.Run
			}
		case 2:
			switch v := r.demux.pollRunnable().(type) {
			case *Handler:
				return func() { v.run() }
			case func():
				return func() { r.runGuarded(v) }
			}
		}
	}
	return nil
}

func (r *Reactor) runGuarded(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.uncaughtValue(PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	fn()
}

func (r *Reactor) uncaughtValue(v any) {
	err, ok := v.(error)
	if !ok {
		err = PanicError{Value: v}
	}
	if fn := r.opts.uncaught; fn != nil {
		fn(err)
		return
	}
	if r.demux.limiter.allow(logCategoryUncaught) {
		r.logger.Err().
			Str("panic", panicValue(v)).
			Log("uncaught panic in submitted func")
	}
}

func (r *Reactor) notify(fn func(o Observer)) {
	if r.observer == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.uncaughtValue(PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	fn(r.observer)
}

// shutdown cancels acceptors, then every other handler and timer without
// closing channels, lets followers finish, drains what they left, and
// finally closes everything.
func (r *Reactor) shutdown() {
	r.state.Store(ReactorShuttingDown)

	for _, h := range r.demux.Handlers() {
		if h.Role() == RoleAcceptor {
			h.Cancel()
		}
	}
	cancelled := r.demux.ShuttingDown()
	timers := r.timers.ShuttingDown()
	r.logger.Debug().
		Int("handlers", cancelled).
		Int("timers", timers).
		Log("reactor shutting down")

	r.pool.Wait()
	for unit := r.nextUnit(); unit != nil; unit = r.nextUnit() {
		unit()
	}

	r.demux.Clear()
	r.timers.Clear()
	r.pool.Stop()
	if err := r.selector.Close(); err != nil {
		r.logger.Warning().
			Err(err).
			Log("failed to close selector")
	}

	r.state.Store(ReactorShutdown)
	r.logger.Info().
		Uint64("units_dispatched", r.dispatched.Load()).
		Uint64("units_inline", r.inline.Load()).
		Log("reactor stopped")
	r.notify(func(o Observer) { o.OnStopped(r.cause) })
	close(r.done)
}
