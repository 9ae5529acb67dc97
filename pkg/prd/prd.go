// Package prd stores product requirement documents produced by the product
// manager agent.
package prd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("requirement not found")

// RequirementStatus tracks review progress of a document.
type RequirementStatus string

const (
	StatusDraft    RequirementStatus = "draft"
	StatusInReview RequirementStatus = "in_review"
	StatusApproved RequirementStatus = "approved"
	StatusRejected RequirementStatus = "rejected"
)

// Requirement is a versioned PRD linked back to the task that produced it.
// Content is persisted verbatim.
type Requirement struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Version   int               `json:"version"`
	Status    RequirementStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// New creates a draft requirement for a task.
func New(taskID, title, content string) *Requirement {
	now := time.Now().UTC()
	return &Requirement{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Title:     title,
		Content:   content,
		Version:   1,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store persists requirements.
type Store interface {
	Create(ctx context.Context, r *Requirement) error
	Get(ctx context.Context, id string) (*Requirement, error)
	GetByTask(ctx context.Context, taskID string) (*Requirement, error)
	Update(ctx context.Context, id, title, content string) error
	SetStatus(ctx context.Context, id string, status RequirementStatus) error
}

// MemoryStore is an in-process Store for the in-memory channel variant and
// tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Requirement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Requirement)}
}

func (s *MemoryStore) Create(_ context.Context, r *Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *r
	s.byID[r.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *MemoryStore) GetByTask(_ context.Context, taskID string) (*Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.byID {
		if r.TaskID == taskID {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, id, title, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	r.Title = title
	r.Content = content
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status RequirementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}
