package reactor

import (
	"sync"
)

// handlerPool is a capped free-list of closed handlers. A cap of zero
// disables reuse.
type handlerPool struct {
	free []*Handler
	mu   sync.Mutex
	max  int
}

func newHandlerPool(max int) *handlerPool {
	if max < 0 {
		max = 0
	}
	return &handlerPool{max: max}
}

func (p *handlerPool) acquire(d *Demultiplexer) *Handler {
	p.mu.Lock()
	if n := len(p.free); n != 0 {
		h := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return h
	}
	p.mu.Unlock()
	return newHandler(d)
}

func (p *handlerPool) release(h *Handler) {
	p.mu.Lock()
	if len(p.free) < p.max {
		p.free = append(p.free, h)
	}
	p.mu.Unlock()
}

func (p *handlerPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
