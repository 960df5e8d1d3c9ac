package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "nser/pkg/domain"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/audit/store/memory"
	"nser/pkg/requestcontext"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	personID := id.NewPersonID()
	event := audit.Event{
		PersonID: personID,
		Action:   string(audit.EventTokenIssued),
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	events, err := pub.List(context.Background(), personID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventTokenIssued), events[0].Action)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	personID := id.NewPersonID()
	err := pub.Emit(context.Background(), audit.Event{
		PersonID: personID,
		Action:   string(audit.EventTokenCompromised),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := pub.List(context.Background(), personID)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)

	events, err := pub.List(context.Background(), personID)
	require.NoError(t, err)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	personID := id.NewPersonID()
	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			PersonID: personID,
			Action:   string(audit.EventTokenIssued),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByPerson(context.Background(), personID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DropsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	personID := id.NewPersonID()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{
				PersonID: personID,
				Action:   string(audit.EventTokenIssued),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
	pub.Close()

	events, err := store.ListByPerson(context.Background(), personID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), int64(len(events))+pub.Dropped())
}

func TestPublisher_SetsTimestampAndRequestMetadata(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	ctx := requestcontext.WithRequestID(context.Background(), "req-1")
	ctx = requestcontext.WithActor(ctx, "officer-7", "admin")
	ctx = requestcontext.WithClientIP(ctx, "10.0.0.1")

	personID := id.NewPersonID()
	before := time.Now()
	require.NoError(t, pub.Emit(ctx, audit.Event{PersonID: personID, Action: string(audit.EventTokenIssued)}))
	after := time.Now()

	events, err := pub.List(context.Background(), personID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, "officer-7", events[0].ActorID)
	assert.Equal(t, "10.0.0.1", events[0].ClientIP)
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	personID := id.NewPersonID()
	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	err := pub.Emit(context.Background(), audit.Event{
		PersonID:  personID,
		Action:    string(audit.EventTokenIssued),
		Timestamp: customTime,
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), personID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_ContextCancellation(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Emit(ctx, audit.Event{
		PersonID: id.NewPersonID(),
		Action:   string(audit.EventTokenIssued),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_MultipleEvents(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	personID := id.NewPersonID()
	actions := []audit.AuditEvent{
		audit.EventTokenIssued,
		audit.EventTokenRotated,
		audit.EventTokenDeactivated,
	}
	for _, action := range actions {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{PersonID: personID, Action: string(action)}))
	}

	result, err := pub.List(context.Background(), personID)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for i, action := range actions {
		assert.Equal(t, string(action), result[i].Action)
	}
}
