package deadletter

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"go-msgbus/pkg/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) *RedisStore {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Requires a Redis instance (set REDIS_ADDR)")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	key := "msgbus-test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	return NewRedisStore(client, key, opts...)
}

func TestRedisStore_AppendListDrain(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	msg := models.NewMessage("orders", []byte("payload"))
	require.NoError(t, store.Append(ctx, Entry{Message: msg, Reason: "failed", OriginalDestination: "orders", Source: SourceConsume}))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID, entries[0].Message.ID)
	assert.Equal(t, []byte("payload"), entries[0].Message.Value)
	assert.Equal(t, SourceConsume, entries[0].Source)

	drained, err := store.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, drained, 1)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_Capacity(t *testing.T) {
	store := newTestRedisStore(t, WithCapacity(2))
	ctx := context.Background()

	for _, reason := range []string{"r0", "r1", "r2"} {
		require.NoError(t, store.Append(ctx, Entry{Message: models.NewMessage("orders", nil), Reason: reason}))
	}

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r1", entries[0].Reason)
	assert.Equal(t, "r2", entries[1].Reason)
}

func TestDecodeEntries_KeepsEntriesAroundCorruptItem(t *testing.T) {
	good := func(id string) string {
		msg := models.NewMessage("orders", nil)
		msg.ID = id
		data, err := json.Marshal(Entry{Message: msg, Reason: "failed", Source: SourceConsume})
		require.NoError(t, err)
		return string(data)
	}

	raw := []string{good("m-1"), "{not json", good("m-3"), `"also bad"`}
	entries, err := decodeEntries(raw)

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "entry 1")
	assert.Contains(t, err.Error(), "entry 3")

	require.Len(t, entries, 2)
	assert.Equal(t, "m-1", entries[0].Message.ID)
	assert.Equal(t, "m-3", entries[1].Message.ID)
}

func TestRedisStore_DrainReturnsDecodableEntries(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Entry{Message: models.NewMessage("orders", nil), Reason: "first"}))
	require.NoError(t, store.client.RPush(ctx, store.key, "{corrupt").Err())
	require.NoError(t, store.Append(ctx, Entry{Message: models.NewMessage("orders", nil), Reason: "third"}))

	drained, err := store.Drain(ctx)
	require.Error(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Reason)
	assert.Equal(t, "third", drained[1].Reason)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
