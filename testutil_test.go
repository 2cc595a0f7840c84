//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// nonBlocking polls without waiting.
type nonBlocking struct{}

func (nonBlocking) BeforeSelect() bool { return false }
func (nonBlocking) AfterSelect(int)    {}

func newTestDemux(t *testing.T, clock *fakeClock, mode QueueMode, options ...func(cfg *DemuxConfig)) *Demultiplexer {
	t.Helper()
	sel := newTestSelector(t)
	cfg := DemuxConfig{Mode: mode, HandlerPoolSize: 8}
	for _, o := range options {
		o(&cfg)
	}
	d, err := NewDemultiplexer(sel, NewTimerSet(clock.Now, false), cfg)
	require.NoError(t, err)
	t.Cleanup(d.Clear)
	return d
}

// selectUntil polls d until cond holds.
func selectUntil(t *testing.T, d *Demultiplexer, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out polling")
		}
		_, err := d.Select(nonBlocking{})
		require.NoError(t, err)
	}
}

// recordingHooks counts every hook invocation.
type recordingHooks struct {
	BaseHooks
	process      func(h *Handler, ready Ops) error
	timeout      func(h *Handler) error
	execute      func(h *Handler, obj any) error
	mu           sync.Mutex
	causes       []error
	failures     []error
	executed     []any
	readies      []Ops
	selected     atomic.Int32
	timeouts     atomic.Int32
	cancelled    atomic.Int32
	closed       atomic.Int32
	released     atomic.Int32
	clearedKeys  atomic.Int32
	closeChannel atomic.Int32
}

func (x *recordingHooks) factory(*Handler) (Hooks, error) { return x, nil }

func (x *recordingHooks) Process(h *Handler, ready Ops) error {
	x.mu.Lock()
	x.readies = append(x.readies, ready)
	x.mu.Unlock()
	if x.process != nil {
		return x.process(h, ready)
	}
	return nil
}

func (x *recordingHooks) OnSelected(*Handler) { x.selected.Add(1) }

func (x *recordingHooks) OnTimeout(h *Handler) error {
	x.timeouts.Add(1)
	if x.timeout != nil {
		return x.timeout(h)
	}
	return nil
}

func (x *recordingHooks) OnCancelled(*Handler) { x.cancelled.Add(1) }

func (x *recordingHooks) OnFailed(_ *Handler, cause error) {
	x.mu.Lock()
	x.failures = append(x.failures, cause)
	x.mu.Unlock()
}

func (x *recordingHooks) OnClosed(_ *Handler, cause error) {
	x.mu.Lock()
	x.causes = append(x.causes, cause)
	x.mu.Unlock()
	x.closed.Add(1)
}

func (x *recordingHooks) OnReleased(*Handler) { x.released.Add(1) }

func (x *recordingHooks) OnClearSelectionKey(*Handler) { x.clearedKeys.Add(1) }

func (x *recordingHooks) OnCloseChannel(h *Handler) error {
	x.closeChannel.Add(1)
	return x.BaseHooks.OnCloseChannel(h)
}

func (x *recordingHooks) DoExecute(h *Handler, obj any) error {
	x.mu.Lock()
	x.executed = append(x.executed, obj)
	x.mu.Unlock()
	if x.execute != nil {
		return x.execute(h, obj)
	}
	return x.BaseHooks.DoExecute(h, obj)
}

func (x *recordingHooks) closeCauses() []error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]error(nil), x.causes...)
}

func (x *recordingHooks) executedObjects() []any {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]any(nil), x.executed...)
}

// registerInstalled registers ch and polls until the handler is idle.
func registerInstalled(t *testing.T, d *Demultiplexer, ch Channel, ops Ops, hooks *recordingHooks) *Handler {
	t.Helper()
	h, err := d.RegisterChannel(ch, RoleSession, ops, hooks.factory)
	require.NoError(t, err)
	selectUntil(t, d, func() bool {
		state := h.State()
		return state != StatePending && state != StateInactive
	})
	return h
}
