// Package promise implements a single settlement completion handle used to
// hand the outcome of a background task back to the caller that queued it.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled is returned by the second Fulfill or Reject call.
var ErrAlreadySettled = errors.New("handle already settled")

// Handle is settled exactly once with a value or an error. It has no timeout
// of its own, callers bound Wait with their context.
type Handle[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

func (h *Handle[T]) Fulfill(v T) error {
	return h.settle(v, nil)
}

// Reject settles the handle with err. A nil err is a defect and is replaced
// by a generic error so Wait never reports success for a rejection.
func (h *Handle[T]) Reject(err error) error {
	if err == nil {
		err = errors.New("rejected without a reason")
	}
	var zero T
	return h.settle(zero, err)
}

func (h *Handle[T]) settle(v T, err error) error {
	settled := false
	h.once.Do(func() {
		h.value = v
		h.err = err
		settled = true
		close(h.done)
	})
	if !settled {
		return ErrAlreadySettled
	}
	return nil
}

// Done is closed once the handle is settled.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

func (h *Handle[T]) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle is settled or ctx is done.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
