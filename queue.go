package reactor

import (
	"sync"
	"sync/atomic"
)

// QueueKind identifies one of the demultiplexer's work queues.
type QueueKind uint8

const (
	// QueueSelected holds handlers whose readiness was observed.
	QueueSelected QueueKind = iota
	// QueueRegisterPending holds handlers awaiting key installation.
	QueueRegisterPending
	// QueueInterestPending holds handlers awaiting an interest change.
	QueueInterestPending
	// QueueRunnable holds tasks and handlers with queued work.
	QueueRunnable

	queueKinds = 4
)

// String returns a human-readable representation of the queue kind.
func (k QueueKind) String() string {
	switch k {
	case QueueSelected:
		return "selected"
	case QueueRegisterPending:
		return "register-pending"
	case QueueInterestPending:
		return "interest-pending"
	case QueueRunnable:
		return "runnable"
	default:
		return "unknown"
	}
}

// queueNode is an intrusive membership token. The owner pointer is only
// changed while holding the owning queue's lock, which makes membership
// exclusive across queues.
type queueNode struct {
	owner atomic.Pointer[nodeQueue]
	prev  *queueNode
	next  *queueNode
	value any
}

// queued returns the kind of the queue currently holding the node.
func (n *queueNode) queued() (QueueKind, bool) {
	if q := n.owner.Load(); q != nil {
		return q.kind, true
	}
	return 0, false
}

// dequeue removes the node from whichever queue holds it.
func (n *queueNode) dequeue() bool {
	for {
		q := n.owner.Load()
		if q == nil {
			return false
		}
		if q.remove(n) {
			return true
		}
	}
}

// moveTo places the node at the tail of q, stealing it from any other queue
// (or from the middle of q).
func (n *queueNode) moveTo(q *nodeQueue) {
	for !q.push(n) {
		n.dequeue()
	}
}

// nodeQueue is a mutex guarded doubly linked FIFO of queueNode values.
type nodeQueue struct {
	head *queueNode
	tail *queueNode
	mu   sync.Mutex
	size int
	kind QueueKind
}

// push appends n, failing if n is a member of any queue.
func (q *nodeQueue) push(n *queueNode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !n.owner.CompareAndSwap(nil, q) {
		return false
	}
	n.prev = q.tail
	n.next = nil
	if q.tail != nil {
		q.tail.next = n
	} else {
		q.head = n
	}
	q.tail = n
	q.size++
	return true
}

// pop removes the head, or returns nil.
func (q *nodeQueue) pop() *queueNode {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.head
	if n == nil {
		return nil
	}
	q.unlinkLocked(n)
	return n
}

// remove unlinks n, failing if another queue (or none) owns it.
func (q *nodeQueue) remove(n *queueNode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.owner.Load() != q {
		return false
	}
	q.unlinkLocked(n)
	return true
}

func (q *nodeQueue) unlinkLocked(n *queueNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	q.size--
	n.owner.Store(nil)
}

// drain removes and returns every node, in order.
func (q *nodeQueue) drain() []*queueNode {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	nodes := make([]*queueNode, 0, q.size)
	for q.head != nil {
		n := q.head
		q.unlinkLocked(n)
		nodes = append(nodes, n)
	}
	return nodes
}

func (q *nodeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
