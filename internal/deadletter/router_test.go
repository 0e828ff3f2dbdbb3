package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go-msgbus/internal/observability"
	"go-msgbus/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	MemoryStore
	err error
}

func (s *failingStore) Append(ctx context.Context, entry Entry) error {
	return s.err
}

func TestRouter_RouteRecordsEntry(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	router := NewRouter(NewMemoryStore(0), metrics)
	ctx := context.Background()

	msg := models.NewMessage("orders", []byte(`{"order_id":"ORD-1"}`))
	err := router.Route(ctx, msg, "broker unavailable", Attempts(3), FromSource(SourceProduce))
	require.NoError(t, err)

	entries, err := router.Peek(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, msg.ID, entry.Message.ID)
	assert.Equal(t, "broker unavailable", entry.Reason)
	assert.Equal(t, "orders", entry.OriginalDestination)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, SourceProduce, entry.Source)
	assert.False(t, entry.FailedAt.IsZero())
	assert.Equal(t, int64(1), metrics.GetFailed())
}

func TestRouter_EntryIsDetachedFromCaller(t *testing.T) {
	router := NewRouter(nil, nil)
	ctx := context.Background()

	msg := models.NewMessage("orders", []byte("original"))
	require.NoError(t, router.Route(ctx, msg, "failed"))
	msg.Value[0] = 'X'

	entries, err := router.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), entries[0].Message.Value)
}

func TestRouter_PeekDoesNotMutate(t *testing.T) {
	router := NewRouter(NewMemoryStore(0), nil)
	ctx := context.Background()

	require.NoError(t, router.Route(ctx, models.NewMessage("orders", nil), "failed"))

	for i := 0; i < 3; i++ {
		entries, err := router.Peek(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}

func TestRouter_DrainIsDestructive(t *testing.T) {
	router := NewRouter(NewMemoryStore(0), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := models.NewMessage("orders", nil)
		msg.ID = fmt.Sprintf("msg-%d", i)
		require.NoError(t, router.Route(ctx, msg, "failed"))
	}

	drained, err := router.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 3)
	assert.Equal(t, "msg-0", drained[0].Message.ID)
	assert.Equal(t, "msg-2", drained[2].Message.ID)

	entries, err := router.Peek(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := router.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRouter_StoreFailureIsReported(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	storeErr := errors.New("disk full")
	router := NewRouter(&failingStore{err: storeErr}, metrics)

	err := router.Route(context.Background(), models.NewMessage("orders", nil), "failed")

	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, int64(1), metrics.GetFailed())
}

func TestRouter_RejectsNilMessage(t *testing.T) {
	router := NewRouter(nil, nil)
	assert.Error(t, router.Route(context.Background(), nil, "failed"))
}

func TestRouter_ConcurrentRoutes(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	router := NewRouter(NewMemoryStore(0), metrics)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = router.Route(ctx, models.NewMessage("orders", nil), "failed")
		}()
	}
	wg.Wait()

	n, err := router.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, int64(100), metrics.GetFailed())
}

func TestRouter_ForwardsToDeadLetterQueue(t *testing.T) {
	var forwarded []*models.Message
	router := NewRouter(NewMemoryStore(0), nil, WithForwarder("dead-letter-queue", func(ctx context.Context, destination string, msg *models.Message) error {
		assert.Equal(t, "dead-letter-queue", destination)
		forwarded = append(forwarded, msg)
		return nil
	}))

	msg := models.NewMessage("orders", []byte("payload"))
	require.NoError(t, router.Route(context.Background(), msg, "handler failed"))

	require.Len(t, forwarded, 1)
	assert.Equal(t, "dead-letter-queue", forwarded[0].Destination)
	assert.Equal(t, "orders", forwarded[0].Headers[models.HeaderOriginalDestination])
	assert.Equal(t, "handler failed", forwarded[0].Headers[models.HeaderFailureReason])
	assert.NotEmpty(t, forwarded[0].Headers[models.HeaderFailedAt])
	assert.Equal(t, "orders", msg.Destination)
}

func TestRouter_ForwardFailureDoesNotFailRoute(t *testing.T) {
	router := NewRouter(NewMemoryStore(0), nil, WithForwarder("dead-letter-queue", func(ctx context.Context, destination string, msg *models.Message) error {
		return errors.New("broker down")
	}))

	err := router.Route(context.Background(), models.NewMessage("orders", nil), "failed")
	require.NoError(t, err)

	n, _ := router.Len(context.Background())
	assert.Equal(t, 1, n)
}

func TestRouter_DoesNotForwardDeadLetterQueueMessages(t *testing.T) {
	calls := 0
	router := NewRouter(NewMemoryStore(0), nil, WithForwarder("dead-letter-queue", func(ctx context.Context, destination string, msg *models.Message) error {
		calls++
		return nil
	}))

	require.NoError(t, router.Route(context.Background(), models.NewMessage("dead-letter-queue", nil), "failed"))
	assert.Zero(t, calls)
}

func TestMemoryStore_Capacity(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, Entry{Reason: fmt.Sprintf("r%d", i)}))
	}

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r1", entries[0].Reason)
	assert.Equal(t, "r2", entries[1].Reason)
	assert.Equal(t, int64(1), store.Evicted())
}
