// Package memory provides the bounded in-process queue that feeds workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue of item stubs with context-aware operations.
type Queue struct {
	ch      chan crawler.ItemStub
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan crawler.ItemStub, capacity)}
}

// Enqueue pushes a stub or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, stub crawler.ItemStub) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- stub:
		return nil
	}
}

// Dequeue pops the next stub. Items enqueued before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.ItemStub, error) {
	select {
	case <-ctx.Done():
		return crawler.ItemStub{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case stub, ok := <-q.ch:
		if !ok {
			return crawler.ItemStub{}, ErrClosed
		}
		return stub, nil
	}
}

// Len reports the number of buffered stubs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops further enqueues. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
