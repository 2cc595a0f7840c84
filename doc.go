// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package reactor implements a non-blocking I/O reactor: channels are
// multiplexed over a single readiness wait, and their events are processed
// by a small, bounded pool of goroutines.
//
// A [Reactor] runs a leader/follower loop. One goroutine, the leader, polls
// the [Demultiplexer], which wraps the OS readiness primitive (epoll, on
// Linux) and owns four queues: selected handlers, pending registrations,
// pending interest changes, and generic runnables. Each unit of work the
// leader finds is handed to a follower from the [WorkerPool], so a slow
// callback never delays the next poll.
//
// Every registered channel is driven by a [Handler], a state machine that
// guarantees at most one goroutine processes it at a time. Channel
// semantics are supplied through [Hooks]. Idle timeouts, and standalone
// callables (see [Schedule]), are kept in a [TimerSet], with stale fires
// from a previous lease of a pooled handler ignored via an epoch token.
// Asynchronous outcomes are delivered through a [Future].
//
// Handlers are pooled, refer to them from outside their hooks through a
// [Handle], which is invalidated when the handler closes.
//
// Build with the reactor_trace tag to record every handler state
// transition, see [Handler.Trace].
package reactor
