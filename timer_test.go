package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testTimerOwner struct {
	epoch    atomic.Uint64
	runs     atomic.Int32
	shutdown atomic.Int32
	fired    []uint64
	mu       sync.Mutex
}

func (o *testTimerOwner) Epoch() uint64 { return o.epoch.Load() }

func (o *testTimerOwner) RunTimeout(epoch uint64) {
	if epoch != o.epoch.Load() {
		return
	}
	o.runs.Add(1)
	o.mu.Lock()
	o.fired = append(o.fired, epoch)
	o.mu.Unlock()
}

func (o *testTimerOwner) TimerShutdown() { o.shutdown.Add(1) }

func TestTimerSet_Ordering(t *testing.T) {
	clock := newFakeClock()
	s := NewTimerSet(clock.Now, false)

	late, early := &testTimerOwner{}, &testTimerOwner{}
	lateEntry, earlyEntry := NewTimerEntry(late), NewTimerEntry(early)
	require.True(t, s.Schedule(lateEntry, 1000*time.Millisecond))
	require.True(t, s.Schedule(earlyEntry, 800*time.Millisecond))

	assert.LessOrEqual(t, s.AdjustScheduleTimeout(), 800*time.Millisecond)
	assert.False(t, s.HasTimeoutEntry())
	_, _, ok := s.CheckTimeoutEntry()
	assert.False(t, ok)

	clock.Advance(801 * time.Millisecond)
	assert.Equal(t, time.Duration(0), s.AdjustScheduleTimeout())
	expired, hasNext, ok := s.CheckTimeoutEntry()
	require.True(t, ok)
	assert.True(t, hasNext)
	assert.Same(t, early, expired.Owner())

	clock.Advance(200 * time.Millisecond)
	expired, hasNext, ok = s.CheckTimeoutEntry()
	require.True(t, ok)
	assert.False(t, hasNext)
	assert.Same(t, late, expired.Owner())

	assert.Equal(t, NoDeadline, s.AdjustScheduleTimeout())
	assert.Equal(t, 0, s.Len())
}

func TestTimerSet_TiesByInsertion(t *testing.T) {
	clock := newFakeClock()
	s := NewTimerSet(clock.Now, false)
	owners := make([]*testTimerOwner, 5)
	for i := range owners {
		owners[i] = &testTimerOwner{}
		require.True(t, s.Schedule(NewTimerEntry(owners[i]), time.Second))
	}
	clock.Advance(time.Second)
	for i := range owners {
		expired, _, ok := s.CheckTimeoutEntry()
		require.True(t, ok)
		assert.Same(t, owners[i], expired.Owner(), "index %d", i)
	}
}

func TestTimerSet_ZeroTimeout(t *testing.T) {
	clock := newFakeClock()

	disabled := NewTimerSet(clock.Now, false)
	e := NewTimerEntry(&testTimerOwner{})
	assert.False(t, disabled.Schedule(e, 0))
	assert.False(t, disabled.Scheduled(e))
	assert.Equal(t, 0, disabled.Len())
	assert.False(t, disabled.HasTimeoutEntry())

	enabled := NewTimerSet(clock.Now, true)
	assert.True(t, enabled.Schedule(e, 0))
	assert.True(t, enabled.Scheduled(e))
	assert.True(t, enabled.HasTimeoutEntry())
	assert.Equal(t, time.Duration(0), enabled.AdjustScheduleTimeout())
}

func TestTimerSet_EpochGuard(t *testing.T) {
	clock := newFakeClock()
	s := NewTimerSet(clock.Now, false)
	owner := &testTimerOwner{}
	e := NewTimerEntry(owner)

	require.True(t, s.Schedule(e, time.Second))
	// e.g. the owner was reused for a new lease
	owner.epoch.Add(1)
	clock.Advance(time.Second)

	_, hasNext, ok := s.CheckTimeoutEntry()
	assert.False(t, ok)
	assert.False(t, hasNext)
	assert.False(t, s.Scheduled(e))
	assert.Equal(t, int32(0), owner.runs.Load())
}

func TestTimerSet_StaleExpiredRun(t *testing.T) {
	clock := newFakeClock()
	s := NewTimerSet(clock.Now, false)
	owner := &testTimerOwner{}
	require.True(t, s.Schedule(NewTimerEntry(owner), time.Millisecond))
	clock.Advance(time.Millisecond)
	expired, _, ok := s.CheckTimeoutEntry()
	require.True(t, ok)

	owner.epoch.Add(1)
	expired.Run()
	assert.Equal(t, int32(0), owner.runs.Load())
}

func TestTimerSet_RescheduleAndCancel(t *testing.T) {
	clock := newFakeClock()
	s := NewTimerSet(clock.Now, false)
	owner := &testTimerOwner{}
	e := NewTimerEntry(owner)

	require.True(t, s.Schedule(e, time.Second))
	require.True(t, s.Schedule(e, 2*time.Second))
	assert.Equal(t, 1, s.Len())
	deadline, ok := s.Deadline(e)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(2*time.Second), deadline)

	assert.True(t, s.Cancel(e))
	assert.False(t, s.Cancel(e))
	assert.False(t, s.Cancel(nil))
	_, ok = s.Deadline(e)
	assert.False(t, ok)
	assert.Equal(t, NoDeadline, s.AdjustScheduleTimeout())
}

func TestTimerSet_ShuttingDown(t *testing.T) {
	clock := newFakeClock()
	s := NewTimerSet(clock.Now, false)
	owners := []*testTimerOwner{{}, {}, {}}
	for i, o := range owners {
		require.True(t, s.Schedule(NewTimerEntry(o), time.Duration(i+1)*time.Second))
	}

	assert.Equal(t, 3, s.ShuttingDown())
	assert.True(t, s.IsShuttingDown())
	assert.Equal(t, 0, s.Len())
	for _, o := range owners {
		assert.Equal(t, int32(1), o.shutdown.Load())
		assert.Equal(t, int32(0), o.runs.Load())
	}

	assert.False(t, s.Schedule(NewTimerEntry(owners[0]), time.Second))
	assert.Equal(t, 0, s.Clear())
	for _, o := range owners {
		assert.Equal(t, int32(1), o.shutdown.Load())
	}
}
