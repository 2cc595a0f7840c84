//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// Pipe returns a non-blocking, close-on-exec pipe as a pair of channels.
func Pipe() (r, w *FDChannel, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return NewFDChannel(fds[0]), NewFDChannel(fds[1]), nil
}
