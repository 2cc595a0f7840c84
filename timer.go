// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// NoDeadline is returned by [TimerSet.AdjustScheduleTimeout] when no entry
// is scheduled.
const NoDeadline time.Duration = -1

// TimerOwner owns one or more [TimerEntry] values. Epoch must be safe to
// call while the timer set's lock is held, and must not call back into the
// set.
type TimerOwner interface {
	// Epoch returns the owner's current timer epoch. An entry only fires if
	// the epoch is unchanged since it was scheduled.
	Epoch() uint64
	// RunTimeout is invoked by [Expired.Run] with the epoch the entry was
	// scheduled under.
	RunTimeout(epoch uint64)
}

// TimerCanceller may be implemented by a [TimerOwner] to be notified when
// its entry is dropped by [TimerSet.ShuttingDown] or [TimerSet.Clear].
type TimerCanceller interface {
	TimerShutdown()
}

type timerKey struct {
	deadline int64
	seq      uint64
}

func compareTimerKeys(a, b any) int {
	x, y := a.(timerKey), b.(timerKey)
	switch {
	case x.deadline < y.deadline:
		return -1
	case x.deadline > y.deadline:
		return 1
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	default:
		return 0
	}
}

// TimerEntry is a schedulable deadline, owned by exactly one [TimerOwner].
// All fields are guarded by the [TimerSet] it is scheduled in.
type TimerEntry struct {
	owner     TimerOwner
	key       timerKey
	expected  uint64
	scheduled bool
}

// NewTimerEntry returns an unscheduled entry for owner.
func NewTimerEntry(owner TimerOwner) *TimerEntry {
	return &TimerEntry{owner: owner}
}

// Owner returns the entry's owner.
func (e *TimerEntry) Owner() TimerOwner { return e.owner }

// Expired is a due entry removed from a [TimerSet].
type Expired struct {
	owner TimerOwner
	epoch uint64
}

// Run delivers the timeout to the owner, which ignores it if its epoch has
// since advanced.
func (x Expired) Run() {
	if x.owner != nil {
		x.owner.RunTimeout(x.epoch)
	}
}

// Owner returns the owner of the expired entry.
func (x Expired) Owner() TimerOwner { return x.owner }

// Epoch returns the epoch the entry was scheduled under.
func (x Expired) Epoch() uint64 { return x.epoch }

// TimerSet is a deadline-ordered set of [TimerEntry] values, backed by a
// red-black tree keyed by (deadline, insertion sequence).
type TimerSet struct {
	tree        *redblacktree.Tree
	clock       func() time.Time
	mu          sync.Mutex
	seq         uint64
	zeroTimeout bool
	shutting    bool
}

// NewTimerSet returns an empty set. A nil clock uses time.Now. If
// zeroTimeout is false, Schedule rejects non-positive delays.
func NewTimerSet(clock func() time.Time, zeroTimeout bool) *TimerSet {
	if clock == nil {
		clock = time.Now
	}
	return &TimerSet{
		tree:        redblacktree.NewWith(compareTimerKeys),
		clock:       clock,
		zeroTimeout: zeroTimeout,
	}
}

func (s *TimerSet) now() int64 {
	return s.clock().UnixNano()
}

// Now returns the current time according to the set's clock.
func (s *TimerSet) Now() time.Time {
	return s.clock()
}

// Schedule (re)schedules e to fire after delay. It returns false, leaving
// the set unchanged, if delay is not positive and zero timeouts are
// disabled, or if the set is shutting down.
func (s *TimerSet) Schedule(e *TimerEntry, delay time.Duration) bool {
	if delay <= 0 {
		if !s.zeroTimeout {
			return false
		}
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting {
		return false
	}
	if e.scheduled {
		s.tree.Remove(e.key)
	}
	s.seq++
	e.key = timerKey{deadline: s.now() + int64(delay), seq: s.seq}
	e.expected = e.owner.Epoch()
	e.scheduled = true
	s.tree.Put(e.key, e)
	return true
}

// Cancel removes e, returning false if it was not scheduled.
func (s *TimerSet) Cancel(e *TimerEntry) bool {
	if e == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.scheduled {
		return false
	}
	s.tree.Remove(e.key)
	e.scheduled = false
	return true
}

// Scheduled reports whether e is currently in the set.
func (s *TimerSet) Scheduled(e *TimerEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.scheduled
}

// Deadline returns the deadline of e, if scheduled.
func (s *TimerSet) Deadline(e *TimerEntry) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.scheduled {
		return time.Time{}, false
	}
	return time.Unix(0, e.key.deadline), true
}

// Len returns the number of scheduled entries, including stale ones.
func (s *TimerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Size()
}

// AdjustScheduleTimeout returns how long the poller may wait before the
// earliest deadline: [NoDeadline] if the set is empty, 0 if an entry is
// already due.
func (s *TimerSet) AdjustScheduleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.tree.Left()
	if node == nil {
		return NoDeadline
	}
	remaining := node.Key.(timerKey).deadline - s.now()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining)
}

// HasTimeoutEntry reports whether the earliest entry is due.
func (s *TimerSet) HasTimeoutEntry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.tree.Left()
	return node != nil && node.Key.(timerKey).deadline <= s.now()
}

// CheckTimeoutEntry removes and returns the earliest due entry whose
// expected epoch still matches its owner's epoch. Stale entries found on
// the way are dropped. hasNext reports whether any entry remains scheduled.
func (s *TimerSet) CheckTimeoutEntry() (expired Expired, hasNext bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for {
		node := s.tree.Left()
		if node == nil || node.Key.(timerKey).deadline > now {
			return Expired{}, node != nil, false
		}
		e := node.Value.(*TimerEntry)
		s.tree.Remove(node.Key)
		e.scheduled = false
		if e.expected != e.owner.Epoch() {
			continue
		}
		return Expired{owner: e.owner, epoch: e.expected}, !s.tree.Empty(), true
	}
}

// ShuttingDown rejects further scheduling, and removes every entry,
// notifying each owner that implements [TimerCanceller] exactly once.
func (s *TimerSet) ShuttingDown() int {
	s.mu.Lock()
	s.shutting = true
	entries := s.drainLocked()
	s.mu.Unlock()
	notifyTimerShutdown(entries)
	return len(entries)
}

// Clear removes every entry, notifying owners as per ShuttingDown.
func (s *TimerSet) Clear() int {
	s.mu.Lock()
	entries := s.drainLocked()
	s.mu.Unlock()
	notifyTimerShutdown(entries)
	return len(entries)
}

// IsShuttingDown reports whether ShuttingDown has been called.
func (s *TimerSet) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

func (s *TimerSet) drainLocked() []*TimerEntry {
	if s.tree.Empty() {
		return nil
	}
	entries := make([]*TimerEntry, 0, s.tree.Size())
	it := s.tree.Iterator()
	for it.Next() {
		e := it.Value().(*TimerEntry)
		e.scheduled = false
		entries = append(entries, e)
	}
	s.tree.Clear()
	return entries
}

func notifyTimerShutdown(entries []*TimerEntry) {
	for _, e := range entries {
		if c, ok := e.owner.(TimerCanceller); ok {
			c.TimerShutdown()
		}
	}
}
