package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aihive/pkg/proto"
)

// MemoryStore is an in-process Store used by the in-memory channel variant
// and by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	// Stable order for deterministic scans.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status proto.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status == status {
		return nil
	}
	if !t.Status.CanTransitionTo(status) {
		return fmt.Errorf("task %s %s -> %s: %w", id, t.Status, status, ErrInvalidTransition)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Assign(_ context.Context, id, assignee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.Assignee = assignee
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Unassign(_ context.Context, id string) error {
	return s.Assign(context.Background(), id, "")
}

func (s *MemoryStore) AddComment(_ context.Context, id string, c Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.Comments = append(t.Comments, c)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LinkRequirement(_ context.Context, id, requirementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.RequirementID = requirementID
	t.UpdatedAt = time.Now().UTC()
	return nil
}
