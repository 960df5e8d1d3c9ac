// Package publisher emits best-effort audit events. In async mode events
// are buffered and written by a background goroutine; a full buffer drops
// the event rather than block the caller.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "nser/pkg/domain"
	audit "nser/pkg/platform/audit"
	"nser/pkg/requestcontext"
)

// ErrBufferFull is returned by Emit when the async buffer has no room.
var ErrBufferFull = errors.New("audit buffer full")

const drainBatch = 64

type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	buffer *ringBuffer
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit non-blocking with room for size pending events.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.buffer = newRingBuffer(size)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		p.notify = make(chan struct{}, 1)
		p.done = make(chan struct{})
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit records event, filling in timestamp, category and request metadata
// from ctx when unset.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.ActorID == "" {
		event.ActorID = requestcontext.Actor(ctx)
	}
	if event.ClientIP == "" {
		event.ClientIP = requestcontext.ClientIP(ctx)
	}

	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.buffer.tryEnqueue(event) {
		p.logger.WarnContext(ctx, "audit buffer full, dropping event", "action", event.Action)
		return ErrBufferFull
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// List returns a person's events.
func (p *Publisher) List(ctx context.Context, personID id.PersonID) ([]audit.Event, error) {
	return p.store.ListByPerson(ctx, personID)
}

// Dropped reports how many events a full buffer has rejected.
func (p *Publisher) Dropped() int64 {
	if p.buffer == nil {
		return 0
	}
	return p.buffer.droppedCount()
}

// Close stops the background writer after draining the buffer.
func (p *Publisher) Close() {
	if p.buffer == nil {
		return
	}
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.notify:
			p.drain()
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	ctx := context.Background()
	for {
		batch := p.buffer.dequeueBatch(drainBatch)
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			if err := p.store.Append(ctx, event); err != nil {
				p.logger.Error("failed to persist audit event", "action", event.Action, "error", err)
			}
		}
	}
}
