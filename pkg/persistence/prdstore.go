package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aihive/pkg/prd"
)

// RequirementStore implements prd.Store on SQLite.
type RequirementStore struct {
	db *sql.DB
}

// NewRequirementStore creates a requirement store on an open database handle.
func NewRequirementStore(db *sql.DB) *RequirementStore {
	return &RequirementStore{db: db}
}

func (s *RequirementStore) Create(ctx context.Context, r *prd.Requirement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requirements (id, task_id, title, content, version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Title, r.Content, r.Version, string(r.Status),
		r.CreatedAt.UTC().Format(timeLayout), r.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert requirement %s: %w", r.ID, err)
	}
	return nil
}

func (s *RequirementStore) Get(ctx context.Context, id string) (*prd.Requirement, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *RequirementStore) GetByTask(ctx context.Context, taskID string) (*prd.Requirement, error) {
	return s.getWhere(ctx, "task_id = ? ORDER BY version DESC LIMIT 1", taskID)
}

func (s *RequirementStore) getWhere(ctx context.Context, where string, arg any) (*prd.Requirement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, title, content, version, status, created_at, updated_at
		FROM requirements WHERE `+where, arg)

	var r prd.Requirement
	var status, createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.TaskID, &r.Title, &r.Content, &r.Version, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, prd.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read requirement: %w", err)
	}

	r.Status = prd.RequirementStatus(status)
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for requirement %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for requirement %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *RequirementStore) Update(ctx context.Context, id, title, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requirements
		SET title = ?, content = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		title, content, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update requirement %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (s *RequirementStore) SetStatus(ctx context.Context, id string, status prd.RequirementStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requirements SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update requirement %s status: %w", id, err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of requirement %s: %w", id, err)
	}
	if affected == 0 {
		return prd.ErrNotFound
	}
	return nil
}
