// Package notification tells people about ledger changes and delivery
// incidents. Dispatch is fire-and-forget: a full queue drops the message
// rather than block the transition that raised it.
package notification

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nser/internal/events"
)

type Kind string

const (
	KindStateChange Kind = "exclusion_state_changed"
	KindIncident    Kind = "delivery_incident"
)

// Message is one notification. Attributes carry the identifiers a
// recipient needs to follow up; never raw personal identifiers.
type Message struct {
	Kind       Kind
	Subject    string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Sink delivers messages to their recipients.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// LogSink writes messages to the log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	attrs := make([]any, 0, 2*len(msg.Attributes)+2)
	attrs = append(attrs, "kind", msg.Kind)
	for k, v := range msg.Attributes {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "notification: "+msg.Subject, attrs...)
	return nil
}

const (
	defaultQueueSize = 1024
	sendTimeout      = 5 * time.Second
)

// Dispatcher queues messages for a background worker.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	queue   chan Message
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queue == nil {
		d.queue = make(chan Message, defaultQueueSize)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Dispatch queues msg. It never blocks; false means the message was dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) bool {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		d.dropped.Add(1)
		d.logger.WarnContext(ctx, "notification queue full, dropping message", "kind", msg.Kind)
		return false
	}
}

func (d *Dispatcher) NotifyStateChange(ctx context.Context, ev events.ExclusionStateChanged) {
	d.Dispatch(ctx, Message{
		Kind:    KindStateChange,
		Subject: "exclusion " + string(ev.EventType),
		Attributes: map[string]string{
			"exclusion_id":  ev.ExclusionID.String(),
			"status":        ev.Status,
			"state_version": strconv.FormatInt(ev.StateVersion, 10),
		},
		CreatedAt: ev.OccurredAt,
	})
}

func (d *Dispatcher) NotifyIncident(ctx context.Context, inc events.DeliveryIncident) {
	d.Dispatch(ctx, Message{
		Kind:    KindIncident,
		Subject: "propagation to " + inc.OperatorID.String() + " is dead",
		Attributes: map[string]string{
			"mapping_id":    inc.MappingID.String(),
			"exclusion_id":  inc.ExclusionID.String(),
			"operator_id":   inc.OperatorID.String(),
			"state_version": strconv.FormatInt(inc.StateVersion, 10),
			"attempts":      strconv.Itoa(inc.Attempts),
			"last_error":    inc.LastError,
		},
		CreatedAt: inc.DeadAt,
	})
}

// Dropped reports how many messages a full queue has rejected.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting work and waits for queued messages to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := d.sink.Send(ctx, msg); err != nil {
			d.logger.Error("failed to send notification", "kind", msg.Kind, "error", err)
		}
		cancel()
	}
}
