//go:build linux

package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Selector wraps an epoll instance, with an eventfd for wake-ups.
type Selector struct {
	keys        map[int]*Key
	events      []unix.EpollEvent
	ready       []*Key
	cancelled   []*Key
	mu          sync.Mutex
	epfd        int
	wakefd      int
	closed      atomic.Bool
	wakePending atomic.Bool
}

// NewSelector creates an epoll instance that reports at most maxEvents
// events per Select.
func NewSelector(maxEvents int) (*Selector, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &Selector{
		keys:   make(map[int]*Key),
		events: make([]unix.EpollEvent, maxEvents),
		epfd:   epfd,
		wakefd: wakefd,
	}, nil
}

// Register adds ch to the selector, armed for ops.
func (s *Selector) Register(ch Channel, ops Ops, att *Handler) (*Key, error) {
	if s.closed.Load() {
		return nil, ErrSelectorClosed
	}
	fd := ch.Fd()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processCancelledLocked()
	if _, ok := s.keys[fd]; ok {
		return nil, ErrFDAlreadyRegistered
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: opsToEpoll(ops),
		Fd:     int32(fd),
	}); err != nil {
		return nil, err
	}
	k := &Key{sel: s, ch: ch, fd: fd}
	k.att.Store(att)
	k.interest.Store(uint32(ops))
	k.valid.Store(true)
	s.keys[fd] = k
	return k, nil
}

func (s *Selector) modify(k *Key, ops Ops) error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, k.fd, &unix.EpollEvent{
		Events: opsToEpoll(ops),
		Fd:     int32(k.fd),
	})
}

func (s *Selector) cancelKey(k *Key) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, k)
	s.mu.Unlock()
}

func (s *Selector) processCancelledLocked() {
	for i, k := range s.cancelled {
		if s.keys[k.fd] == k {
			delete(s.keys, k.fd)
			// the descriptor may already be closed, which removes it from
			// the epoll set
			_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, k.fd, nil)
		}
		s.cancelled[i] = nil
	}
	s.cancelled = s.cancelled[:0]
}

// Select waits up to timeout (-1 blocks, 0 polls) and returns the valid
// keys with a non-empty ready set. The returned slice is reused by the next
// call. Wake-ups are consumed, and not reported.
func (s *Selector) Select(timeout time.Duration) ([]*Key, error) {
	if s.closed.Load() {
		return nil, ErrSelectorClosed
	}
	s.mu.Lock()
	s.processCancelledLocked()
	s.mu.Unlock()

	n, err := unix.EpollWait(s.epfd, s.events, waitMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return s.ready[:0], nil
		}
		return nil, err
	}

	s.ready = s.ready[:0]
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		fd := int(s.events[i].Fd)
		if fd == s.wakefd {
			s.drainWakeup()
			continue
		}
		k := s.keys[fd]
		if k == nil || !k.valid.Load() {
			continue
		}
		ready := epollToOps(s.events[i].Events, Ops(k.interest.Load()))
		if ready == OpNone {
			continue
		}
		k.ready.Store(uint32(ready))
		s.ready = append(s.ready, k)
	}
	return s.ready, nil
}

// Wakeup interrupts a blocked Select. Calls are coalesced until the
// wake-up is consumed.
func (s *Selector) Wakeup() {
	if s.closed.Load() || !s.wakePending.CompareAndSwap(false, true) {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(s.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		s.wakePending.Store(false)
	}
}

// drainWakeup re-enables wake-ups before consuming the counter. Work
// published before a concurrent Wakeup is observed by the caller's next
// queue check.
func (s *Selector) drainWakeup() {
	s.wakePending.Store(false)
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakefd, buf[:]); err != nil {
			break
		}
	}
}

// Keys returns a snapshot of the registered keys, including cancelled keys
// not yet deregistered.
func (s *Selector) Keys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// Close releases the epoll instance and the wake-up descriptor. It must not
// be called while a Select is in progress.
func (s *Selector) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	for fd, k := range s.keys {
		k.valid.Store(false)
		delete(s.keys, fd)
	}
	s.cancelled = nil
	s.mu.Unlock()
	err := unix.Close(s.epfd)
	if err2 := unix.Close(s.wakefd); err == nil {
		err = err2
	}
	return err
}

// opsToEpoll converts an interest set to one-shot epoll flags.
func opsToEpoll(ops Ops) uint32 {
	events := uint32(unix.EPOLLONESHOT)
	if ops&(OpRead|OpAccept) != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ops&(OpWrite|OpConnect) != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// epollToOps converts reported epoll flags to a ready set, restricted to
// the interest set. Errors and hang-ups report every interest bit, so the
// handler observes the failure on its next I/O call.
func epollToOps(events uint32, interest Ops) Ops {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return interest
	}
	var ready Ops
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ready |= interest & (OpRead | OpAccept)
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= interest & (OpWrite | OpConnect)
	}
	return ready
}
