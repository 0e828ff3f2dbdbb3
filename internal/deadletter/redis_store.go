package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// RedisStore keeps entries as JSON in a Redis list so they survive restarts
// and can be drained by operational tooling from another process.
type RedisStore struct {
	client   redis.UniversalClient
	key      string
	capacity int64
}

type RedisOption func(*RedisStore)

// WithCapacity trims the list to the newest n entries after every append.
func WithCapacity(n int) RedisOption {
	return func(s *RedisStore) {
		s.capacity = int64(n)
	}
}

func NewRedisStore(client redis.UniversalClient, key string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, key: key}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Append(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key, data)
		if s.capacity > 0 {
			pipe.LTrim(ctx, s.key, -s.capacity, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.key, err)
	}
	return decodeEntries(raw)
}

// Drain removes the list atomically. Items that fail to decode are reported
// in the error; every decodable entry is still returned.
func (s *RedisStore) Drain(ctx context.Context) ([]Entry, error) {
	var lrange *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, s.key, 0, -1)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain %s: %w", s.key, err)
	}
	return decodeEntries(lrange.Val())
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.key, err)
	}
	return int(n), nil
}

func decodeEntries(raw []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	var errs error
	for i, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to decode dead-letter entry %d: %w", i, err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, errs
}
