// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

// Stats is a point-in-time snapshot of reactor counters. Fields are read
// independently, and may not be mutually consistent.
type Stats struct {
	// ActiveHandlers is the number of live handlers.
	ActiveHandlers int64
	// LargestHandlers is the largest number of live handlers observed.
	LargestHandlers int64
	// RegisteredTotal counts every handler registered or transferred.
	RegisteredTotal uint64
	PoolSize        int
	LargestPoolSize int
	ActiveWorkers   int
	IdleWorkers     int
	// Selects counts completed poll cycles.
	Selects uint64
	// UnitsDispatched counts units handed to a worker.
	UnitsDispatched uint64
	// UnitsInline counts units the leader ran itself.
	UnitsInline uint64
	// Timers is the number of scheduled timer entries.
	Timers int
}

// Stats returns a snapshot of the reactor's counters.
func (r *Reactor) Stats() Stats {
	return Stats{
		ActiveHandlers:  r.demux.ActiveCount(),
		LargestHandlers: r.demux.LargestCount(),
		RegisteredTotal: r.demux.registered.Load(),
		PoolSize:        r.pool.Size(),
		LargestPoolSize: r.pool.Largest(),
		ActiveWorkers:   r.pool.Active(),
		IdleWorkers:     r.pool.Idle(),
		Selects:         r.demux.selects.Load(),
		UnitsDispatched: r.dispatched.Load(),
		UnitsInline:     r.inline.Load(),
		Timers:          r.timers.Len(),
	}
}
