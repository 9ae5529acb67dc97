package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aihive/pkg/proto"
	"aihive/pkg/task"
)

// TaskStore implements task.Store on SQLite.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store on an open database handle.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const timeLayout = time.RFC3339Nano

func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	comments, err := json.Marshal(t.Comments)
	if err != nil {
		return fmt.Errorf("failed to marshal comments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, assignee,
			correlation_id, requirement_id, comments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.Assignee, t.CorrelationID, t.RequirementID, string(comments),
		t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, assignee,
			correlation_id, requirement_id, comments, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return t, err
}

func (s *TaskStore) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	query := `
		SELECT id, title, description, status, priority, assignee,
			correlation_id, requirement_id, comments, created_at, updated_at
		FROM tasks`
	var conds []string
	var args []any
	if f.Assignee != "" {
		conds = append(conds, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return out, nil
}

// UpdateStatus enforces transition rules inside one transaction so
// concurrent updaters cannot race past the check.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status proto.TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s: %w", id, err)
	}

	currentStatus := proto.TaskStatus(current)
	if currentStatus == status {
		return tx.Commit()
	}
	if !currentStatus.CanTransitionTo(status) {
		return fmt.Errorf("task %s %s -> %s: %w", id, currentStatus, status, task.ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update task %s status: %w", id, err)
	}
	return tx.Commit()
}

func (s *TaskStore) Assign(ctx context.Context, id, assignee string) error {
	return s.setColumn(ctx, id, "assignee", assignee)
}

func (s *TaskStore) Unassign(ctx context.Context, id string) error {
	return s.setColumn(ctx, id, "assignee", "")
}

func (s *TaskStore) LinkRequirement(ctx context.Context, id, requirementID string) error {
	return s.setColumn(ctx, id, "requirement_id", requirementID)
}

func (s *TaskStore) setColumn(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of task %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return nil
}

func (s *TaskStore) AddComment(ctx context.Context, id string, c task.Comment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT comments FROM tasks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s comments: %w", id, err)
	}

	var comments []task.Comment
	if err := json.Unmarshal([]byte(raw), &comments); err != nil {
		return fmt.Errorf("failed to decode task %s comments: %w", id, err)
	}
	comments = append(comments, c)
	encoded, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("failed to encode task %s comments: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET comments = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update task %s comments: %w", id, err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status, priority, comments, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority,
		&t.Assignee, &t.CorrelationID, &t.RequirementID, &comments,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = proto.TaskStatus(status)
	t.Priority = proto.TaskPriority(priority)
	if err := json.Unmarshal([]byte(comments), &t.Comments); err != nil {
		return nil, fmt.Errorf("failed to decode comments for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for task %s: %w", t.ID, err)
	}
	return &t, nil
}
