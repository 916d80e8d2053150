package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Errors returned by Publish when an event cannot be queued.
var (
	ErrQueueFull       = errors.New("event queue full")
	ErrPublisherClosed = errors.New("event publisher closed")
)

const (
	// defaultDialTimeout bounds the TCP connect plus the AMQP handshake.
	defaultDialTimeout = 5 * time.Second

	// defaultBuffer is how many events may wait for the worker.
	defaultBuffer = 256

	// sendTimeout bounds a single broker publish.
	sendTimeout = 5 * time.Second
)

// AMQPPublisher publishes events as persistent JSON messages to a durable
// queue through the default exchange.
//
// Publish only enqueues. A single background worker owns the broker
// connection, dials it lazily and re-dials after the broker drops it. After
// a failed dial the worker drops events until the retry delay has passed,
// so a dead broker costs at most one dial timeout per retry window.
type AMQPPublisher struct {
	url         string
	queue       string
	dialTimeout time.Duration

	mu     sync.RWMutex // guards closed and sends on events
	closed bool
	events chan Event
	done   chan struct{}

	// Owned by the worker goroutine until done is closed.
	conn     *amqp.Connection
	ch       *amqp.Channel
	nextDial time.Time
}

// NewAMQPPublisher creates a publisher for the given broker URL and queue
// and starts its worker. No connection is made until the first event.
func NewAMQPPublisher(url, queue string) *AMQPPublisher {
	return newAMQPPublisher(url, queue, defaultDialTimeout, defaultBuffer)
}

func newAMQPPublisher(url, queue string, dialTimeout time.Duration, buffer int) *AMQPPublisher {
	p := &AMQPPublisher{
		url:         url,
		queue:       queue,
		dialTimeout: dialTimeout,
		events:      make(chan Event, buffer),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues one event for delivery and never blocks on the broker.
// It returns ErrQueueFull when the worker is behind and ErrPublisherClosed
// after Close. Safe for concurrent use.
func (p *AMQPPublisher) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.events <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// run delivers queued events until Close closes the queue.
func (p *AMQPPublisher) run() {
	defer close(p.done)

	for event := range p.events {
		if err := p.send(event); err != nil {
			slog.Warn("dropping auth event",
				slog.String("type", event.Type),
				slog.Int64("user_id", event.UserID),
				slog.Any("error", err),
			)
		}
	}
}

func (p *AMQPPublisher) send(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			Type:         event.Type,
			Body:         body,
		},
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	return nil
}

// channel returns an open channel, dialing and declaring the queue when
// needed. Called only from the worker.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	if wait := time.Until(p.nextDial); wait > 0 {
		return nil, fmt.Errorf("amqp broker unavailable, next dial in %s", wait.Round(time.Millisecond))
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Dial:   amqp.DefaultDial(p.dialTimeout),
		Locale: "en_US",
	})
	if err != nil {
		p.nextDial = time.Now().Add(p.dialTimeout)
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.nextDial = time.Now().Add(p.dialTimeout)
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.nextDial = time.Now().Add(p.dialTimeout)
		return nil, fmt.Errorf("declaring queue %s: %w", p.queue, err)
	}

	slog.Info("amqp publisher connected", slog.String("queue", p.queue))
	p.conn, p.ch = conn, ch
	return ch, nil
}

// reset drops the current connection. Called only from the worker.
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close stops accepting events, waits for the worker to drain the queue
// and shuts the connection down. Calling Close more than once is safe.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.done

	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return err
}

// New returns an AMQP publisher when url is set, otherwise a NopPublisher.
func New(url, queue string) Publisher {
	if url == "" {
		return NopPublisher{}
	}
	return NewAMQPPublisher(url, queue)
}
