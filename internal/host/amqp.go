package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/CZERTAINLY/ffbridge/internal/events"
	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events as json messages to a queue. A circuit breaker
// stops publishing for a while after consecutive failures, so a broker
// outage costs one failed call per event instead of a timeout.
type AMQPSink struct {
	pub     Publisher
	queue   string
	breaker circuitbreaker.CircuitBreaker[struct{}]
	closers []func() error
}

func NewAMQPSink(pub Publisher, queue string) *AMQPSink {
	return &AMQPSink{
		pub:   pub,
		queue: queue,
		breaker: circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: 2,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("amqp circuit breaker state change",
					"queue", queue,
					"from", from.String(),
					"to", to.String())
			},
		}),
	}
}

// DialAMQP connects to the broker and declares the durable event queue.
func DialAMQP(cfg model.AMQP) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.URL.String())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.URL.Redacted(), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", cfg.Queue, err)
	}
	slog.Info("connected to amqp broker", "url", cfg.URL.Redacted(), "queue", cfg.Queue)

	s := NewAMQPSink(ch, cfg.Queue)
	s.closers = []func() error{ch.Close, conn.Close}
	return s, nil
}

func (s *AMQPSink) Send(ctx context.Context, e events.Event) error {
	body, ok := eventMap(e)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", e.Kind, err)
	}
	_, err = s.breaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.pub.PublishWithContext(
			ctx,
			"",      // exchange
			s.queue, // routing key
			false,   // mandatory
			false,   // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Type:         e.Kind.String(),
				Body:         raw,
			},
		)
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", s.queue, err)
	}
	return nil
}

// Close closes the channel and the connection opened by DialAMQP.
func (s *AMQPSink) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
