// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultMaxEvents       = 256
	defaultHandlerPoolSize = 1024
	defaultKeepAlive       = 60 * time.Second
)

// reactorOptions holds configuration options for Reactor creation.
type reactorOptions struct {
	logger          *logiface.Logger[logiface.Event]
	logRates        map[time.Duration]int
	observer        Observer
	uncaught        func(err error)
	clock           func() time.Time
	corePoolSize    int
	maxPoolSize     int
	keepAlive       time.Duration
	idleTimeout     time.Duration
	maxEvents       int
	handlerPoolSize int
	mode            QueueMode
	zeroTimeout     bool
}

// Option configures a Reactor instance.
type Option interface {
	applyReactor(*reactorOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyReactorFunc func(*reactorOptions) error
}

func (o *optionImpl) applyReactor(opts *reactorOptions) error {
	return o.applyReactorFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging entirely.
// Defaults to [DefaultLogger].
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimits limits repetitive error logs (poll failures, orphaned
// keys, recovered panics) per category, as a map of window to count. An
// empty map disables limiting.
func WithLogRateLimits(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.logRates = rates
		return nil
	}}
}

// WithCorePoolSize sets the number of workers kept alive while idle.
// Defaults to 1.
func WithCorePoolSize(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n < 0 {
			return invalidOption("core pool size %d", n)
		}
		opts.corePoolSize = n
		return nil
	}}
}

// WithMaxPoolSize sets the maximum number of workers, which must be at
// least 1. Defaults to GOMAXPROCS.
func WithMaxPoolSize(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n < 1 {
			return invalidOption("max pool size %d", n)
		}
		opts.maxPoolSize = n
		return nil
	}}
}

// WithKeepAlive sets how long workers beyond the core size idle before
// exiting. Zero retires them as soon as they are idle.
func WithKeepAlive(d time.Duration) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if d < 0 {
			return invalidOption("keep alive %s", d)
		}
		opts.keepAlive = d
		return nil
	}}
}

// WithQueueMode selects how changes made off the poller are applied.
// Defaults to [QueueModeAlways].
func WithQueueMode(mode QueueMode) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		switch mode {
		case QueueModeAlways, QueueModeDirect:
		default:
			return invalidOption("queue mode %d", mode)
		}
		opts.mode = mode
		return nil
	}}
}

// WithZeroTimeout allows timers with a non-positive delay, which fire on
// the next poll cycle.
func WithZeroTimeout(enabled bool) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.zeroTimeout = enabled
		return nil
	}}
}

// WithIdleTimeout sets the initial timeout of every new handler, zero for
// none.
func WithIdleTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if d < 0 {
			return invalidOption("idle timeout %s", d)
		}
		opts.idleTimeout = d
		return nil
	}}
}

// WithMaxEvents sets how many readiness events one poll may return.
func WithMaxEvents(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n < 1 {
			return invalidOption("max events %d", n)
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithHandlerPoolSize caps the number of closed handlers kept for reuse.
// Zero disables reuse.
func WithHandlerPoolSize(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n < 0 {
			return invalidOption("handler pool size %d", n)
		}
		opts.handlerPoolSize = n
		return nil
	}}
}

// WithObserver receives lifecycle notifications.
func WithObserver(observer Observer) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.observer = observer
		return nil
	}}
}

// WithUncaughtHandler receives panics recovered from submitted funcs, as
// [PanicError] values. By default they are logged.
func WithUncaughtHandler(fn func(err error)) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.uncaught = fn
		return nil
	}}
}

// WithClock replaces time.Now for the timer set. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.clock = clock
		return nil
	}}
}

// resolveOptions applies Option instances to reactorOptions.
func resolveOptions(opts []Option) (*reactorOptions, error) {
	cfg := &reactorOptions{
		logger:          DefaultLogger(),
		logRates:        defaultLogRates,
		corePoolSize:    1,
		maxPoolSize:     runtime.GOMAXPROCS(0),
		keepAlive:       defaultKeepAlive,
		maxEvents:       defaultMaxEvents,
		handlerPoolSize: defaultHandlerPoolSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.corePoolSize > cfg.maxPoolSize {
		return nil, invalidOption("core pool size %d exceeds max pool size %d", cfg.corePoolSize, cfg.maxPoolSize)
	}
	return cfg, nil
}
