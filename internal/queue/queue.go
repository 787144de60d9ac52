// Package queue provides an unbounded FIFO shared by a producer that must
// never block and consumers that wait for work.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is safe for concurrent use. Push never blocks, Pop blocks until an
// item is available, the queue is closed and drained, or ctx is done.
type Queue[T any] struct {
	mx     sync.Mutex
	items  []T
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v. It returns ErrClosed after Close.
func (q *Queue[T]) Push(v T) error {
	q.mx.Lock()
	if q.closed {
		q.mx.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mx.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the oldest item. The bool is false once the queue is closed
// and empty, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mx.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mx.Unlock()
			return v, true
		}
		closed := q.closed
		q.mx.Unlock()
		if closed {
			return zero, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Drain removes and returns all queued items.
func (q *Queue[T]) Drain() []T {
	q.mx.Lock()
	defer q.mx.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Close stops accepting new items. Queued items can still be popped.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
