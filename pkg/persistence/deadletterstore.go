package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aihive/pkg/proto"
	"aihive/pkg/resilience"
)

// DeadLetterStore implements resilience.DeadLetterStore on SQLite so parked
// messages survive restarts.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a dead letter store on an open database handle.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Save(ctx context.Context, dl *resilience.DeadLetter) error {
	envelope, err := dl.Envelope.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize dead letter envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, envelope, reason, attempts, first_seen, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ID, string(envelope), dl.Reason, dl.Attempts,
		dl.FirstSeen.UTC().Format(timeLayout), dl.DeadLetteredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", dl.ID, err)
	}
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*resilience.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, envelope, reason, attempts, first_seen, dead_lettered_at
		FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.ErrDeadLetterNotFound
	}
	return dl, err
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*resilience.DeadLetter, error) {
	query := `
		SELECT id, envelope, reason, attempts, first_seen, dead_lettered_at
		FROM dead_letters ORDER BY dead_lettered_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*resilience.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete of dead letter %s: %w", id, err)
	}
	if affected == 0 {
		return resilience.ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*resilience.DeadLetter, error) {
	var dl resilience.DeadLetter
	var envelope, firstSeen, deadLetteredAt string
	err := row.Scan(&dl.ID, &envelope, &dl.Reason, &dl.Attempts, &firstSeen, &deadLetteredAt)
	if err != nil {
		return nil, err
	}

	if dl.Envelope, err = proto.FromJSON([]byte(envelope)); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %s envelope: %w", dl.ID, err)
	}
	if dl.FirstSeen, err = time.Parse(timeLayout, firstSeen); err != nil {
		return nil, fmt.Errorf("failed to parse first_seen for dead letter %s: %w", dl.ID, err)
	}
	if dl.DeadLetteredAt, err = time.Parse(timeLayout, deadLetteredAt); err != nil {
		return nil, fmt.Errorf("failed to parse dead_lettered_at for dead letter %s: %w", dl.ID, err)
	}
	return &dl, nil
}
