package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_SingleSettlement(t *testing.T) {
	var (
		accomplished atomic.Int32
		failed       atomic.Int32
		cancelled    atomic.Int32
		timedOut     atomic.Int32
	)
	f := NewFuture[int](FutureFuncs[int]{
		Accomplished: func(*Future[int], int) { accomplished.Add(1) },
		Failed:       func(*Future[int], error) { failed.Add(1) },
		Cancelled:    func(*Future[int]) { cancelled.Add(1) },
		Timeout:      func(*Future[int]) { timedOut.Add(1) },
	})

	const n = 64
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			var ok bool
			switch i % 4 {
			case 0:
				ok = f.Accomplish(i)
			case 1:
				ok = f.Fail(errors.New("boom"))
			case 2:
				ok = f.Cancel()
			case 3:
				ok = f.Timeout()
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), accomplished.Load()+failed.Load()+cancelled.Load()+timedOut.Load())
	assert.True(t, f.IsDone())
}

func TestFuture_Get(t *testing.T) {
	cause := errors.New("some cause")
	for _, tc := range []struct {
		name   string
		settle func(f *Future[string])
		want   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "accomplished",
			settle: func(f *Future[string]) { f.Accomplish("ok") },
			want:   "ok",
			check:  func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name:   "failed",
			settle: func(f *Future[string]) { f.Fail(cause) },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, cause)
				var fe *FutureError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, FutureFailed, fe.Status)
			},
		},
		{
			name:   "timeout",
			settle: func(f *Future[string]) { f.Timeout() },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrFutureTimeout) },
		},
		{
			name:   "user cancelled",
			settle: func(f *Future[string]) { f.UserCancel() },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrFutureCancelled) },
		},
		{
			name:   "cancelled",
			settle: func(f *Future[string]) { f.Cancel() },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrFutureCancelled) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFuture[string](nil)
			go tc.settle(f)
			v, err := f.Get()
			assert.Equal(t, tc.want, v)
			tc.check(t, err)
		})
	}
}

func TestFuture_GetTimeout(t *testing.T) {
	f := NewFuture[int](nil)

	_, err := f.GetTimeout(0)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	_, err = f.GetTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Accomplish(7)
	}()
	v, err := f.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFuture_Wait_context(t *testing.T) {
	f := NewFuture[int](nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.IsDone())
}

func TestFuture_Initiate(t *testing.T) {
	t.Run("once", func(t *testing.T) {
		var calls int
		f := NewFuture[int](FutureFuncs[int]{Initiate: func(*Future[int]) { calls++ }})
		assert.True(t, f.Initiate())
		assert.False(t, f.Initiate())
		assert.Equal(t, 1, calls)
		assert.False(t, f.SetCallback(nil))
	})

	t.Run("settled by hook", func(t *testing.T) {
		var events []string
		f := NewFuture[int](nil)
		f.SetCallback(FutureFuncs[int]{
			Initiate: func(f *Future[int]) {
				events = append(events, "initiate")
				assert.True(t, f.UserCancel())
				events = append(events, "initiate done")
			},
			Cancelled: func(*Future[int]) {
				events = append(events, "cancelled")
			},
		})
		assert.False(t, f.Initiate())
		assert.Equal(t, FutureUserCancelled, f.Status())
		if diff := cmp.Diff([]string{"initiate", "initiate done", "cancelled"}, events); diff != "" {
			t.Errorf("unexpected callback order (-want +got):\n%s", diff)
		}
		assert.False(t, f.Accomplish(1))
	})

	t.Run("already settled", func(t *testing.T) {
		f := NewFuture[int](nil)
		f.Accomplish(1)
		assert.False(t, f.Initiate())
	})
}

func TestFuture_Canceller(t *testing.T) {
	var cancels int
	f := NewFuture[int](nil)
	f.SetCanceller(func() { cancels++ })
	f.Accomplish(1)
	assert.Equal(t, 0, cancels)

	f = NewFuture[int](nil)
	f.SetCanceller(func() { cancels++ })
	f.UserCancel()
	f.Cancel()
	assert.Equal(t, 1, cancels)
}

func TestFuture_Release(t *testing.T) {
	t.Run("unsettled cancels", func(t *testing.T) {
		f := NewFuture[int](nil)
		assert.False(t, f.Release())
		assert.Equal(t, FutureCancelled, f.Status())
	})

	t.Run("resets for reuse", func(t *testing.T) {
		var released int
		f := NewFuture[int](nil)
		f.SetReleaser(func() { released++ })
		f.Attach("a")
		f.Fail(errors.New("x"))
		assert.True(t, f.Release())
		assert.Equal(t, 1, released)
		assert.Equal(t, FutureUnknown, f.Status())
		assert.Nil(t, f.Attachment())
		assert.NoError(t, f.Cause())
		assert.Zero(t, f.Result())
		assert.True(t, f.Initiate())
		assert.True(t, f.Accomplish(3))
		v, err := f.Get()
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("waits for getters", func(t *testing.T) {
		f := NewFuture[int](nil)
		const n = 8
		var (
			started sync.WaitGroup
			got     atomic.Int32
		)
		proceed := make(chan struct{})
		for range n {
			started.Add(1)
			go func() {
				// a getter that has not yet observed the result
				f.mu.Lock()
				f.waiters++
				f.mu.Unlock()
				started.Done()
				<-proceed
				if f.Result() == 5 {
					got.Add(1)
				}
				f.leave()
			}()
		}
		started.Wait()
		f.Accomplish(5)
		released := make(chan bool, 1)
		go func() { released <- f.Release() }()
		time.Sleep(10 * time.Millisecond)
		select {
		case <-released:
			t.Fatal("release returned before getters left")
		default:
		}
		close(proceed)
		assert.True(t, <-released)
		assert.Equal(t, int32(n), got.Load())
	})
}

func TestFutureStatus_String(t *testing.T) {
	assert.Equal(t, "accomplished", FutureAccomplished.String())
	assert.True(t, FutureUserCancelled.IsCancelled())
	assert.True(t, FutureCancelled.IsCancelled())
	assert.False(t, FutureFailed.IsCancelled())
}
