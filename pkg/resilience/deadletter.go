package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"aihive/pkg/proto"
)

// ErrDeadLetterNotFound is returned when a replay targets an unknown record.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is a message that exhausted its retries or failed a
// non-retryable way, parked for operator inspection and replay.
type DeadLetter struct {
	ID             string          `json:"id"`
	Envelope       *proto.Envelope `json:"envelope"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	FirstSeen      time.Time       `json:"first_seen"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// DeadLetterStore persists parked messages.
type DeadLetterStore interface {
	Save(ctx context.Context, dl *DeadLetter) error
	Get(ctx context.Context, id string) (*DeadLetter, error)
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Delete(ctx context.Context, id string) error
}

// MemoryDeadLetterStore keeps dead letters in memory. Used with the
// in-memory channel variant and in tests.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	records map[string]*DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{records: make(map[string]*DeadLetter)}
}

func (s *MemoryDeadLetterStore) Save(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *dl
	clone.Envelope = dl.Envelope.Clone()
	s.records[dl.ID] = &clone
	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.records[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	clone := *dl
	clone.Envelope = dl.Envelope.Clone()
	return &clone, nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeadLetter, 0, len(s.records))
	for _, dl := range s.records {
		clone := *dl
		clone.Envelope = dl.Envelope.Clone()
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrDeadLetterNotFound
	}
	delete(s.records, id)
	return nil
}
