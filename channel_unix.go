//go:build unix

package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FDChannel is a [Channel] over a raw, non-blocking file descriptor.
type FDChannel struct {
	err    error
	once   sync.Once
	fd     int
	closed atomic.Bool
}

var _ Channel = (*FDChannel)(nil)

// NewFDChannel wraps fd, which should already be in non-blocking mode.
func NewFDChannel(fd int) *FDChannel {
	return &FDChannel{fd: fd}
}

// Fd returns the wrapped file descriptor.
func (c *FDChannel) Fd() int { return c.fd }

// Read reads from the descriptor.
func (c *FDChannel) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write writes to the descriptor.
func (c *FDChannel) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close closes the descriptor, once.
func (c *FDChannel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.err = unix.Close(c.fd)
	})
	return c.err
}

// Closed reports whether Close has been called.
func (c *FDChannel) Closed() bool { return c.closed.Load() }
