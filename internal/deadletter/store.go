package deadletter

import (
	"context"
	"sync"
	"time"

	"go-msgbus/pkg/models"
)

type Source string

const (
	SourceProduce Source = "produce"
	SourceConsume Source = "consume"
)

// Entry is an immutable record of a message that could not be delivered or
// processed.
type Entry struct {
	Message             *models.Message `json:"message"`
	Reason              string          `json:"reason"`
	FailedAt            time.Time       `json:"failedAt"`
	OriginalDestination string          `json:"originalDestination"`
	Attempts            int             `json:"attempts"`
	Source              Source          `json:"source"`
}

// Store keeps entries in arrival order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context) ([]Entry, error)
	Drain(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore is an in-process Store. A positive capacity evicts the oldest
// entry when full.
type MemoryStore struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	evicted  int64
}

func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		entries:  make([]Entry, 0),
		capacity: capacity,
	}
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && len(s.entries) >= s.capacity {
		s.entries = s.entries[1:]
		s.evicted++
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) Drain(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.entries
	s.entries = make([]Entry, 0)
	return out, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Evicted reports how many entries were dropped to honour the capacity.
func (s *MemoryStore) Evicted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}
