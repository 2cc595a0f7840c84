package reactor

// Channel is a selectable I/O endpoint, identified by a file descriptor.
type Channel interface {
	// Fd returns the file descriptor registered with the selector.
	Fd() int
	// Close closes the underlying descriptor. It must be idempotent.
	Close() error
}
