//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := New(append([]Option{WithLogger(nil), WithMaxPoolSize(4)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop(true) })
	return r
}

func startTestReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r := newTestReactor(t, opts...)
	require.NoError(t, r.Start())
	return r
}

func waitDone(t *testing.T, r *Reactor) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop")
	}
}

// readerHooks reads everything available, delivering it to out.
type readerHooks struct {
	recordingHooks
	out     chan []byte
	active  atomic.Int32
	overlap atomic.Bool
}

func newReaderHooks() *readerHooks {
	return &readerHooks{out: make(chan []byte, 1024)}
}

func (x *readerHooks) factory(*Handler) (Hooks, error) { return x, nil }

func (x *readerHooks) Process(h *Handler, ready Ops) error {
	if x.active.Add(1) != 1 {
		x.overlap.Store(true)
	}
	defer x.active.Add(-1)
	ch := h.Channel().(*FDChannel)
	var buf [512]byte
	for {
		n, err := ch.Read(buf[:])
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			h.Cancel()
			return nil
		}
		x.out <- append([]byte(nil), buf[:n]...)
	}
}

func TestReactor_Lifecycle(t *testing.T) {
	var started, stopped atomic.Int32
	r := newTestReactor(t, WithObserver(ObserverFuncs{
		Started: func() { started.Add(1) },
		Stopped: func(cause error) {
			assert.NoError(t, cause)
			stopped.Add(1)
		},
	}))
	assert.Equal(t, ReactorInactive, r.State())

	require.NoError(t, r.Start())
	assert.Equal(t, ReactorActive, r.State())
	assert.ErrorIs(t, r.Start(), ErrAlreadyStarted)

	require.NoError(t, r.Stop(true))
	assert.Equal(t, ReactorShutdown, r.State())
	waitDone(t, r)
	assert.NoError(t, r.Err())
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), stopped.Load())

	assert.ErrorIs(t, r.Start(), ErrReactorStopped)
	assert.ErrorIs(t, r.Submit(func() {}), ErrReactorStopped)
	_, err := r.RegisterChannel(nil, RoleVirtual, OpNone, (&recordingHooks{}).factory)
	assert.ErrorIs(t, err, ErrReactorStopped)
	require.NoError(t, r.Stop(true))
	assert.Equal(t, int32(1), stopped.Load())
}

func TestReactor_StopWhileStarting(t *testing.T) {
	var started, stopped atomic.Int32
	var startedState atomic.Uint32
	var r *Reactor
	r = newTestReactor(t, WithObserver(ObserverFuncs{
		Started: func() {
			startedState.Store(uint32(r.State()))
			started.Add(1)
		},
		Stopped: func(cause error) {
			assert.NoError(t, cause)
			stopped.Add(1)
		},
	}))
	var during, afterStop ReactorState
	r.testHooks = &reactorTestHooks{Starting: func() {
		during = r.State()
		assert.NoError(t, r.Stop(false))
		afterStop = r.State()
	}}

	require.NoError(t, r.Start())
	assert.Equal(t, ReactorStarting, during)
	assert.Equal(t, ReactorStarting, afterStop)
	assert.Equal(t, ReactorShutdownRequested, ReactorState(startedState.Load()))

	waitDone(t, r)
	assert.Equal(t, ReactorShutdown, r.State())
	assert.NoError(t, r.Err())
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), stopped.Load())

	assert.ErrorIs(t, r.Start(), ErrReactorStopped)
	require.NoError(t, r.Stop(true))
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), stopped.Load())
}

func TestReactor_StopBeforeStart(t *testing.T) {
	r := newTestReactor(t)
	rd, _ := newTestPipe(t)
	hooks := &recordingHooks{}
	_, err := r.RegisterChannel(rd, RoleSession, OpRead, hooks.factory)
	require.NoError(t, err)

	require.NoError(t, r.Stop(false))
	assert.Equal(t, ReactorShutdown, r.State())
	waitDone(t, r)
	assert.True(t, rd.Closed())
	assert.Equal(t, int32(1), hooks.closed.Load())
}

func TestReactor_ReadReadiness(t *testing.T) {
	for _, mode := range []QueueMode{QueueModeAlways, QueueModeDirect} {
		t.Run(mode.String(), func(t *testing.T) {
			r := startTestReactor(t, WithQueueMode(mode))
			rd, w := newTestPipe(t)
			hooks := newReaderHooks()
			handle, err := r.RegisterChannel(rd, RoleSession, OpRead, hooks.factory)
			require.NoError(t, err)
			assert.True(t, handle.Valid())

			for i := range 5 {
				msg := fmt.Sprintf("msg-%d", i)
				_, err := w.Write([]byte(msg))
				require.NoError(t, err)
				select {
				case got := <-hooks.out:
					assert.Equal(t, msg, string(got))
				case <-time.After(5 * time.Second):
					t.Fatal("no readiness delivered")
				}
			}

			// EOF cancels
			require.NoError(t, w.Close())
			require.Eventually(t, func() bool { return hooks.closed.Load() == 1 }, 5*time.Second, time.Millisecond)
			assert.True(t, rd.Closed())
			assert.False(t, handle.Valid())
			assert.False(t, hooks.overlap.Load())
		})
	}
}

func TestReactor_Execute(t *testing.T) {
	r := startTestReactor(t)
	rd, _ := newTestPipe(t)
	hooks := &recordingHooks{}
	handle, err := r.RegisterChannel(rd, RoleSession, OpRead, hooks.factory)
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, r.Execute(handle, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executed object not run")
	}

	assert.Contains(t, []CancelResult{CancelClosed, CancelDeferred}, handle.Cancel())
	require.Eventually(t, func() bool { return hooks.closed.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, CancelNoop, handle.Cancel())
	assert.ErrorIs(t, r.Execute(handle, func() {}), ErrStaleHandle)
}

func TestReactor_SubmitAndUncaught(t *testing.T) {
	uncaught := make(chan error, 1)
	r := startTestReactor(t, WithUncaughtHandler(func(err error) { uncaught <- err }))

	ran := make(chan struct{})
	require.NoError(t, r.Submit(func() { close(ran) }))
	<-ran

	require.NoError(t, r.Submit(func() { panic("submitted") }))
	select {
	case err := <-uncaught:
		var pe PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "submitted", pe.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("panic not delivered")
	}

	// still polling
	ran = make(chan struct{})
	require.NoError(t, r.Submit(func() { close(ran) }))
	<-ran
}

func TestReactor_IdleTimeout(t *testing.T) {
	r := startTestReactor(t, WithIdleTimeout(20*time.Millisecond))
	rd, _ := newTestPipe(t)
	hooks := &recordingHooks{}
	hooks.timeout = func(h *Handler) error {
		h.Cancel()
		return nil
	}
	_, err := r.RegisterChannel(rd, RoleSession, OpRead, hooks.factory)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hooks.closed.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), hooks.timeouts.Load())
	assert.True(t, rd.Closed())
}

func TestReactor_Schedule(t *testing.T) {
	r := startTestReactor(t)

	f, err := Schedule(r, 10*time.Millisecond, func() (string, error) { return "done", nil })
	require.NoError(t, err)
	v, err := f.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	cause := errors.New("scheduled failure")
	f2, err := Schedule(r, time.Millisecond, func() (int, error) { return 0, cause })
	require.NoError(t, err)
	_, err = f2.GetTimeout(5 * time.Second)
	assert.ErrorIs(t, err, cause)

	var ran atomic.Bool
	f3, err := Schedule(r, time.Hour, func() (int, error) {
		ran.Store(true)
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Timers().Len())
	assert.True(t, f3.UserCancel())
	assert.Equal(t, 0, r.Timers().Len())
	assert.False(t, ran.Load())

	_, err = Schedule(r, 0, func() (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = Schedule[int](r, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestReactor_ScheduleZeroTimeout(t *testing.T) {
	r := startTestReactor(t, WithZeroTimeout(true))
	f, err := Schedule(r, 0, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	v, err := f.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestReactor_StopCancelsScheduled(t *testing.T) {
	r := startTestReactor(t)
	f, err := Schedule(r, time.Hour, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	require.NoError(t, r.Stop(true))
	assert.Equal(t, FutureCancelled, f.Status())
	_, err = Schedule(r, time.Hour, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrReactorStopped)
}

func TestReactor_ShutdownClosesHandlers(t *testing.T) {
	var accepting atomic.Int32
	r := startTestReactor(t, WithObserver(ObserverFuncs{
		Accepting: func(h *Handler) {
			assert.Equal(t, RoleAcceptor, h.Role())
			accepting.Add(1)
		},
	}))

	acceptorRd, _ := newTestPipe(t)
	acceptor := &recordingHooks{}
	_, err := r.RegisterChannel(acceptorRd, RoleAcceptor, OpAccept, acceptor.factory)
	require.NoError(t, err)
	assert.Equal(t, int32(1), accepting.Load())

	const sessions = 4
	hooks := make([]*recordingHooks, sessions)
	channels := make([]*FDChannel, sessions)
	for i := range hooks {
		hooks[i] = &recordingHooks{}
		channels[i], _ = newTestPipe(t)
		_, err := r.RegisterChannel(channels[i], RoleSession, OpRead, hooks[i].factory)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return r.Stats().ActiveHandlers == sessions+1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, r.Stop(true))
	assert.True(t, acceptorRd.Closed())
	assert.Equal(t, int32(1), acceptor.closed.Load())
	for i := range hooks {
		assert.True(t, channels[i].Closed())
		assert.Equal(t, int32(1), hooks[i].closed.Load())
		assert.Equal(t, int32(1), hooks[i].cancelled.Load())
	}
	assert.Equal(t, int64(0), r.Stats().ActiveHandlers)
	assert.Equal(t, 0, r.Stats().PoolSize)
}

func TestReactor_TransferHandler(t *testing.T) {
	r := startTestReactor(t)
	rd, w := newTestPipe(t)

	first := &recordingHooks{}
	handle, err := r.RegisterChannel(rd, RoleSession, OpRead, first.factory)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h, err := handle.Handler()
		return err == nil && h.State() == StateIdle
	}, 5*time.Second, time.Millisecond)

	second := newReaderHooks()
	next, err := r.TransferHandler(handle, second.factory)
	require.NoError(t, err)
	assert.False(t, handle.Valid())
	assert.True(t, next.Valid())
	assert.Equal(t, int32(1), first.closed.Load())
	assert.False(t, rd.Closed())

	_, err = w.Write([]byte("after"))
	require.NoError(t, err)
	select {
	case got := <-second.out:
		assert.Equal(t, "after", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("transferred handler not selected")
	}

	_, err = r.TransferHandler(handle, second.factory)
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestReactor_Stress(t *testing.T) {
	for _, mode := range []QueueMode{QueueModeAlways, QueueModeDirect} {
		t.Run(mode.String(), func(t *testing.T) {
			r := startTestReactor(t, WithQueueMode(mode), WithCorePoolSize(2), WithMaxPoolSize(4), WithKeepAlive(time.Millisecond))

			// a slow unit must not stall the others
			slow, slowStarted := make(chan struct{}), make(chan struct{})
			require.NoError(t, r.Submit(func() {
				close(slowStarted)
				<-slow
			}))
			<-slowStarted

			const channels = 16
			const messages = 50
			hooks := make([]*readerHooks, channels)
			writers := make([]*FDChannel, channels)
			for i := range hooks {
				hooks[i] = newReaderHooks()
				var rd *FDChannel
				rd, writers[i] = newTestPipe(t)
				_, err := r.RegisterChannel(rd, RoleSession, OpRead, hooks[i].factory)
				require.NoError(t, err)
			}

			var wg sync.WaitGroup
			for i := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range messages {
						for {
							_, err := writers[i].Write([]byte{'x'})
							if errors.Is(err, unix.EAGAIN) {
								time.Sleep(time.Millisecond)
								continue
							}
							assert.NoError(t, err)
							break
						}
					}
				}()
			}

			wg.Wait()
			for i, h := range hooks {
				var total int
				deadline := time.After(10 * time.Second)
				for total < messages {
					select {
					case b := <-h.out:
						total += len(b)
					case <-deadline:
						t.Fatalf("channel %d: received %d of %d bytes", i, total, messages)
					}
				}
				assert.False(t, h.overlap.Load(), "channel %d processed concurrently", i)
			}
			close(slow)

			stats := r.Stats()
			assert.NotZero(t, stats.Selects)
			assert.NotZero(t, stats.UnitsDispatched+stats.UnitsInline)
			assert.LessOrEqual(t, stats.LargestPoolSize, 4)
			assert.Equal(t, uint64(channels), stats.RegisteredTotal)
		})
	}
}
