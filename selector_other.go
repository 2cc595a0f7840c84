//go:build !linux

package reactor

import (
	"time"
)

// Selector is unavailable on this platform. NewSelector always fails with
// [ErrNotSupported].
type Selector struct{}

// NewSelector returns [ErrNotSupported].
func NewSelector(int) (*Selector, error) {
	return nil, ErrNotSupported
}

// Register returns [ErrNotSupported].
func (s *Selector) Register(Channel, Ops, *Handler) (*Key, error) {
	return nil, ErrNotSupported
}

func (s *Selector) modify(*Key, Ops) error { return ErrNotSupported }

func (s *Selector) cancelKey(*Key) {}

// Select returns [ErrNotSupported].
func (s *Selector) Select(time.Duration) ([]*Key, error) {
	return nil, ErrNotSupported
}

// Wakeup is a no-op.
func (s *Selector) Wakeup() {}

// Keys returns nil.
func (s *Selector) Keys() []*Key { return nil }

// Close is a no-op.
func (s *Selector) Close() error { return nil }
