package session

import (
	"sync"

	"github.com/gammazero/deque"
)

// queue is an unbounded FIFO of loop tasks. Pushing never blocks, so
// transport read goroutines can hand events over without stalling.
type queue struct {
	mu     sync.Mutex
	items  deque.Deque[func()]
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items.PushBack(fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	items := make([]func(), 0, q.items.Len())
	for q.items.Len() > 0 {
		items = append(items, q.items.PopFront())
	}
	return items
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items.Clear()
	q.mu.Unlock()
}
