// Package task defines the task model and the stores the workflow services
// operate on.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"aihive/pkg/proto"
)

// Store errors shared by all implementations.
var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Comment is an entry in a task's discussion trail.
type Comment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work moving through the product workflow. CorrelationID
// ties the task to every message published on its behalf.
type Task struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Status        proto.TaskStatus   `json:"status"`
	Priority      proto.TaskPriority `json:"priority"`
	Assignee      string             `json:"assignee,omitempty"`
	CorrelationID string             `json:"correlation_id"`
	RequirementID string             `json:"requirement_id,omitempty"`
	Comments      []Comment          `json:"comments,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// New creates a task in the NEW state with its own workflow correlation id.
func New(title, description string, priority proto.TaskPriority) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            uuid.New().String(),
		Title:         title,
		Description:   description,
		Status:        proto.StatusNew,
		Priority:      priority,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a copy safe to hand across goroutines.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Comments != nil {
		clone.Comments = make([]Comment, len(t.Comments))
		copy(clone.Comments, t.Comments)
	}
	return &clone
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Assignee string
	Statuses []proto.TaskStatus
}

// Matches reports whether a task satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the task collaborator the scanning and polling services query.
// UpdateStatus enforces the status transition rules and returns
// ErrInvalidTransition for illegal moves.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Task, error)
	UpdateStatus(ctx context.Context, id string, status proto.TaskStatus) error
	Assign(ctx context.Context, id, assignee string) error
	Unassign(ctx context.Context, id string) error
	AddComment(ctx context.Context, id string, c Comment) error
	LinkRequirement(ctx context.Context, id, requirementID string) error
}
