// Package events moves log, statistics and completion notifications from
// the engine to the host sink.
//
// Producers push events onto a single FIFO, so events of one session leave
// in the order they were produced and a completion follows every event
// emitted before it. A single forwarding goroutine applies the gate, which
// was evaluated when the event was produced, and hands admitted events to
// the sink. Dropped events are never delivered later.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/CZERTAINLY/ffbridge/internal/queue"
)

const (
	DefaultDrainTimeout = 5000 * time.Millisecond
	drainPollInterval   = 100 * time.Millisecond
)

var ErrNoSubscriber = errors.New("no event subscriber")

type Kind int

const (
	KindLog Kind = iota + 1
	KindStatistics
	KindComplete
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindStatistics:
		return "statistics"
	case KindComplete:
		return "complete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is the envelope sent to a Sink. Exactly one of Log, Statistics
// and Session is set, according to Kind.
type Event struct {
	Kind       Kind
	SessionID  int64
	Log        *model.Log
	Statistics *model.Statistics
	Session    *model.Snapshot

	admitted bool
}

// Sink receives forwarded events. Errors are logged and never reach the
// producer.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

// Bus is the forwarding stage between the engine and the sink.
type Bus struct {
	gate *Gate
	q    *queue.Queue[Event]

	sinkMx sync.RWMutex
	sink   Sink

	transmitMx sync.Mutex
	transmit   map[int64]int

	forwarded atomic.Int64
	dropped   atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
}

func NewBus(gate *Gate, sink Sink) *Bus {
	return &Bus{
		gate:     gate,
		q:        queue.New[Event](),
		sink:     sink,
		transmit: make(map[int64]int),
		done:     make(chan struct{}),
	}
}

func (b *Bus) Gate() *Gate {
	return b.gate
}

// SetSink replaces the subscriber, nil detaches it.
func (b *Bus) SetSink(sink Sink) {
	b.sinkMx.Lock()
	b.sink = sink
	b.sinkMx.Unlock()
}

// Start runs the forwarding goroutine. Sink calls use a context derived
// from ctx that is not cancelled with it, so Close can still drain.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.started.Store(true)
		ctx = context.WithoutCancel(ctx)
		go func() {
			defer close(b.done)
			for {
				e, ok := b.q.Pop(ctx)
				if !ok {
					return
				}
				b.forward(ctx, e)
				b.release(e.SessionID)
			}
		}()
	})
}

// Close stops accepting events and waits until queued events are forwarded
// or ctx is done. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(b.q.Close)
	if !b.started.Load() {
		for _, e := range b.q.Drain() {
			b.release(e.SessionID)
		}
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Log(ctx context.Context, l model.Log) {
	b.push(ctx, Event{Kind: KindLog, SessionID: l.SessionID, Log: &l})
}

func (b *Bus) Statistics(ctx context.Context, st model.Statistics) {
	b.push(ctx, Event{Kind: KindStatistics, SessionID: st.SessionID, Statistics: &st})
}

// Complete emits the completion event of a terminal session.
func (b *Bus) Complete(ctx context.Context, s model.Snapshot) {
	b.push(ctx, Event{Kind: KindComplete, SessionID: s.ID, Session: &s})
}

func (b *Bus) push(ctx context.Context, e Event) {
	e.admitted = b.gate.Admit(e.Kind)
	b.acquire(e.SessionID)
	if err := b.q.Push(e); err != nil {
		b.release(e.SessionID)
		slog.DebugContext(ctx, "event bus closed: dropping event", "kind", e.Kind.String(), "session_id", e.SessionID)
	}
}

func (b *Bus) forward(ctx context.Context, e Event) {
	if !e.admitted {
		b.dropped.Add(1)
		return
	}
	b.sinkMx.RLock()
	sink := b.sink
	b.sinkMx.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event sink panicked", "kind", e.Kind.String(), "session_id", e.SessionID, "panic", r)
		}
	}()

	err := ErrNoSubscriber
	if sink != nil {
		err = sink.Send(ctx, e)
	}
	if err != nil {
		slog.WarnContext(ctx, "forwarding event failed: ignoring", "kind", e.Kind.String(), "session_id", e.SessionID, "error", err)
		return
	}
	b.forwarded.Add(1)
}

func (b *Bus) acquire(id int64) {
	b.transmitMx.Lock()
	b.transmit[id]++
	b.transmitMx.Unlock()
}

func (b *Bus) release(id int64) {
	b.transmitMx.Lock()
	defer b.transmitMx.Unlock()
	if b.transmit[id] <= 1 {
		delete(b.transmit, id)
		return
	}
	b.transmit[id]--
}

// MessagesInTransmit counts the queued, not yet forwarded events of a session.
func (b *Bus) MessagesInTransmit(id int64) int {
	b.transmitMx.Lock()
	defer b.transmitMx.Unlock()
	return b.transmit[id]
}

// WaitForDrain polls until no event of the session is in transmit. It
// reports false when timeout or ctx expired first.
func (b *Bus) WaitForDrain(ctx context.Context, id int64, timeout time.Duration) bool {
	if b.MessagesInTransmit(id) == 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return b.MessagesInTransmit(id) == 0
		case <-ticker.C:
			if b.MessagesInTransmit(id) == 0 {
				return true
			}
		}
	}
}

// Stats reports how many events were forwarded and dropped by the gate.
func (b *Bus) Stats() (forwarded, dropped int64) {
	return b.forwarded.Load(), b.dropped.Load()
}

// Sinks fans an event out to every sink and joins their errors.
func Sinks(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Event) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Send(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
