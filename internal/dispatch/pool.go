// Package dispatch runs session executions and pipe writes on a fixed size
// worker pool, decoupling the caller that queues work from the goroutine
// that runs it. Every submission returns a promise.Handle settled exactly
// once by the worker.
//
// The queue in front of the workers is unbounded: Submit never blocks and
// never rejects while the pool is open. Callers that need backpressure
// throttle before submitting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/ffbridge/internal/promise"
	"github.com/CZERTAINLY/ffbridge/internal/queue"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 10

var ErrPoolClosed = errors.New("worker pool is shut down")

type task struct {
	name   string
	run    func(ctx context.Context)
	reject func(err error)
}

type Pool struct {
	workers int
	q       *queue.Queue[task]
	running atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		workers: workers,
		q:       queue.New[task](),
		done:    make(chan struct{}),
	}
}

// Start launches the scheduler. Tasks receive a context derived from ctx,
// cancelled when the pool is shut down forcibly.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		g := new(errgroup.Group)
		g.SetLimit(p.workers)
		go func() {
			defer close(p.done)
			for {
				t, ok := p.q.Pop(ctx)
				if !ok {
					break
				}
				g.Go(func() error {
					if ctx.Err() != nil {
						t.reject(fmt.Errorf("%w: %w", ErrPoolClosed, context.Cause(ctx)))
						return nil
					}
					p.exec(ctx, t)
					return nil
				})
			}
			// the scheduler may stop on ctx, later Submit calls must fail
			p.closeOnce.Do(p.q.Close)
			_ = g.Wait() // tasks do not return an error
			p.rejectQueued(fmt.Errorf("%w: %w", ErrPoolClosed, context.Cause(ctx)))
		}()
	})
}

func (p *Pool) exec(ctx context.Context, t task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "task panicked", "task", t.name, "panic", r)
			t.reject(fmt.Errorf("task %s panicked: %v", t.name, r))
		}
	}()
	t.run(ctx)
}

// Pending returns the number of queued tasks not yet picked by a worker.
func (p *Pool) Pending() int {
	return p.q.Len()
}

// Running returns the number of tasks being executed.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Shutdown stops accepting tasks and waits for queued and in flight tasks
// to finish. When ctx expires first, running tasks are cancelled and the
// queued ones rejected. Shutdown is idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(p.q.Close)
	if !p.started.Load() {
		p.rejectQueued(ErrPoolClosed)
		return nil
	}
	select {
	case <-p.done:
		p.rejectQueued(ErrPoolClosed)
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		p.rejectQueued(ErrPoolClosed)
		return ctx.Err()
	}
}

func (p *Pool) rejectQueued(err error) {
	for _, t := range p.q.Drain() {
		t.reject(err)
	}
}

// Submit queues fn and returns the handle settled with its outcome.
func Submit[T any](p *Pool, name string, fn func(ctx context.Context) (T, error)) (*promise.Handle[T], error) {
	h := promise.New[T]()
	settled := func(ctx context.Context, err error) {
		if err != nil {
			slog.ErrorContext(ctx, "settling task handle", "task", name, "error", err)
		}
	}
	t := task{
		name: name,
		run: func(ctx context.Context) {
			v, err := fn(ctx)
			if err != nil {
				settled(ctx, h.Reject(err))
				return
			}
			settled(ctx, h.Fulfill(v))
		},
		reject: func(err error) {
			settled(context.Background(), h.Reject(err))
		},
	}
	if err := p.q.Push(t); err != nil {
		return nil, ErrPoolClosed
	}
	return h, nil
}
