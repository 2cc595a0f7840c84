package reactor

// Handle is a generation-tagged reference to one lease of a pooled
// [Handler]. Once that lease ends every method is a no-op, or fails with
// [ErrStaleHandle], even if the handler has been reused.
type Handle struct {
	h     *Handler
	lease uint64
}

// Handler returns the handler, if the lease is still current.
func (x Handle) Handler() (*Handler, error) {
	if !x.Valid() {
		return nil, ErrStaleHandle
	}
	return x.h, nil
}

// Valid reports whether the lease is still current, and not closed.
func (x Handle) Valid() bool {
	if x.h == nil {
		return false
	}
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	return x.h.lease == x.lease && x.h.state != StateClosed
}

// Cancel cancels the handler, see [Handler.Cancel].
func (x Handle) Cancel() CancelResult {
	if x.h == nil {
		return CancelNoop
	}
	result := x.h.cancel(x.lease)
	if result == CancelDeferred {
		x.h.demux.Wakeup()
	}
	return result
}

// SetInterestOps adds to the interest set, see [Handler.SetInterestOps].
func (x Handle) SetInterestOps(ops Ops) error {
	if x.h == nil {
		return ErrStaleHandle
	}
	return x.h.updateInterest(x.lease, ops, OpNone)
}

// ClearInterestOps removes from the interest set, see [Handler.ClearInterestOps].
func (x Handle) ClearInterestOps(ops Ops) error {
	if x.h == nil {
		return ErrStaleHandle
	}
	return x.h.updateInterest(x.lease, OpNone, ops)
}

// Execute queues obj for the handler, see [Handler.Execute].
func (x Handle) Execute(obj any) error {
	if x.h == nil {
		return ErrStaleHandle
	}
	return x.h.execute(x.lease, obj)
}
