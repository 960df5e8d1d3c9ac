package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nser/internal/platform/kafka"
	"nser/pkg/platform/tx"
)

// Relay moves committed outbox entries to Kafka. Delivery is at least once:
// a crash between produce and commit republishes the batch.
type Relay struct {
	store     Store
	producer  Producer
	tx        tx.Runner
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
	now       func() time.Time
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func NewRelay(store Store, producer Producer, runner tx.Runner, logger *slog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:     store,
		producer:  producer,
		tx:        runner,
		logger:    logger,
		batchSize: 100,
		interval:  time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Drain publishes one batch and returns how many entries it relayed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	var n int
	err := r.tx.RunInTx(tx.WithShardKey(ctx, "outbox"), func(ctx context.Context) error {
		entries, err := r.store.ClaimBatch(ctx, r.batchSize)
		if err != nil || len(entries) == 0 {
			return err
		}
		msgs := make([]kafka.Message, 0, len(entries))
		ids := make([]uuid.UUID, 0, len(entries))
		for _, e := range entries {
			msgs = append(msgs, kafka.Message{
				Topic:   e.Topic,
				Key:     e.Key,
				Value:   e.Payload,
				Headers: map[string]string{"event_type": e.EventType, "outbox_id": e.ID.String()},
			})
			ids = append(ids, e.ID)
		}
		if err := r.producer.Publish(ctx, msgs...); err != nil {
			return err
		}
		n = len(entries)
		return r.store.MarkPublished(ctx, ids, r.now())
	})
	return n, err
}

// Run drains continuously until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
				break
			}
			if n < r.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
