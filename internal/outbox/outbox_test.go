package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nser/internal/events"
	"nser/internal/platform/kafka"
	"nser/internal/platform/logger"
	id "nser/pkg/domain"
	"nser/pkg/platform/tx"
)

type recordingProducer struct {
	msgs []kafka.Message
	err  error
}

func (p *recordingProducer) Publish(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func TestWriterAndRelay(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	w := NewWriter(store, Topics{StateChanges: "state", Incidents: "incidents"})

	ev := events.ExclusionStateChanged{
		EventType:    events.ExclusionRegistered,
		ExclusionID:  id.NewExclusionID(),
		PersonID:     id.NewPersonID(),
		Status:       "active",
		StateVersion: 1,
		OccurredAt:   time.Now(),
	}
	require.NoError(t, w.PublishStateChange(ctx, ev))
	require.NoError(t, w.PublishIncident(ctx, events.DeliveryIncident{OperatorID: "op-a", ExclusionID: ev.ExclusionID}))

	t.Run("failed produce leaves entries unpublished", func(t *testing.T) {
		relay := NewRelay(store, &recordingProducer{err: errors.New("broker down")}, tx.NewShardedRunner(), logger.Discard())
		_, err := relay.Drain(ctx)
		require.Error(t, err)
		pending, _ := store.ClaimBatch(ctx, 10)
		assert.Len(t, pending, 2)
	})

	t.Run("relay publishes and marks entries", func(t *testing.T) {
		producer := &recordingProducer{}
		relay := NewRelay(store, producer, tx.NewShardedRunner(), logger.Discard())

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, producer.msgs, 2)

		assert.Equal(t, "state", producer.msgs[0].Topic)
		assert.Equal(t, ev.ExclusionID.String(), producer.msgs[0].Key)
		assert.Equal(t, "exclusion.registered", producer.msgs[0].Headers["event_type"])
		var decoded events.ExclusionStateChanged
		require.NoError(t, json.Unmarshal(producer.msgs[0].Value, &decoded))
		assert.Equal(t, ev.ExclusionID, decoded.ExclusionID)
		assert.Equal(t, "incidents", producer.msgs[1].Topic)

		n, err = relay.Drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
