// Package outbox stores outbound Kafka records in the same transaction as
// the state change that produced them, and relays them to the broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nser/internal/events"
	"nser/internal/platform/kafka"
)

// Entry is one pending outbound record.
type Entry struct {
	ID          uuid.UUID
	Topic       string
	Key         string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Store persists outbox entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// ClaimBatch returns the oldest unpublished entries. Inside a Postgres
	// transaction the rows stay locked until commit.
	ClaimBatch(ctx context.Context, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Producer publishes records to the broker.
type Producer interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Topics names where each event kind goes.
type Topics struct {
	StateChanges string
	Incidents    string
}

// Writer implements events.Publisher by appending to the outbox. It joins
// the caller's transaction when there is one.
type Writer struct {
	store  Store
	topics Topics
	now    func() time.Time
}

func NewWriter(store Store, topics Topics) *Writer {
	return &Writer{store: store, topics: topics, now: time.Now}
}

var _ events.Publisher = (*Writer)(nil)

func (w *Writer) PublishStateChange(ctx context.Context, ev events.ExclusionStateChanged) error {
	// Keyed by exclusion so consumers see one exclusion's versions in order.
	return w.append(ctx, w.topics.StateChanges, ev.ExclusionID.String(), string(ev.EventType), ev)
}

func (w *Writer) PublishIncident(ctx context.Context, inc events.DeliveryIncident) error {
	return w.append(ctx, w.topics.Incidents, inc.OperatorID.String(), "delivery.dead", inc)
}

func (w *Writer) append(ctx context.Context, topic, key, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	return w.store.Append(ctx, Entry{
		ID:        uuid.New(),
		Topic:     topic,
		Key:       key,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: w.now(),
	})
}
