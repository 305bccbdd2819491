package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// sqlDB holds the query logic shared by the database/sql backends
// (SQLite and MySQL). Both use "?" placeholders and the same table layout;
// they differ in DDL, pool settings and duplicate-key detection.
type sqlDB[S any] struct {
	db          *sql.DB
	codec       Codec
	isDuplicate func(error) bool

	mu     sync.RWMutex
	closed bool
}

func (s *sqlDB[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqlDB[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	rec, err := encodeRecord(s.codec, cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, step, checkpoint_id, last_node, next_node, completed, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ThreadID, rec.Step, rec.ID, rec.LastNode, rec.NextNode, rec.Completed, rec.State, rec.CreatedAt.UTC(),
	)
	if err != nil {
		if s.isDuplicate(err) {
			return ErrDuplicateStep
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

const selectColumns = `checkpoint_id, thread_id, step, last_node, next_node, completed, state, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record, error) {
	var rec record
	err := row.Scan(&rec.ID, &rec.ThreadID, &rec.Step, &rec.LastNode, &rec.NextNode, &rec.Completed, &rec.State, &rec.CreatedAt)
	return rec, err
}

func (s *sqlDB[S]) Latest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`, threadID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return decodeRecord[S](s.codec, rec)
}

func (s *sqlDB[S]) History(ctx context.Context, threadID string) ([]Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint[S]
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := decodeRecord[S](s.codec, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *sqlDB[S]) Threads(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT thread_id FROM checkpoints ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlDB[S]) Delete(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func (s *sqlDB[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
