package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of Store[S] on a pgx
// connection pool.
type PostgresStore[S any] struct {
	pool  *pgxpool.Pool
	codec Codec
	owned bool

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
// A nil codec selects JSONCodec.
func NewPostgresStore[S any](ctx context.Context, databaseURL string, codec Codec) (*PostgresStore[S], error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	config.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s, err := NewPostgresStoreFromPool[S](ctx, pool, codec)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close does not close a
// pool the store did not create.
func NewPostgresStoreFromPool[S any](ctx context.Context, pool *pgxpool.Pool, codec Codec) (*PostgresStore[S], error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			checkpoint_id TEXT NOT NULL,
			last_node TEXT NOT NULL,
			next_node TEXT NOT NULL,
			completed BOOLEAN NOT NULL,
			state BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, step)
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return &PostgresStore[S]{pool: pool, codec: codec}, nil
}

func (p *PostgresStore[S]) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Put inserts cp. A conflicting (thread_id, step) is reported as
// ErrDuplicateStep rather than overwritten.
func (p *PostgresStore[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	rec, err := encodeRecord(p.codec, cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, step, checkpoint_id, last_node, next_node, completed, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, step) DO NOTHING`,
		rec.ThreadID, rec.Step, rec.ID, rec.LastNode, rec.NextNode, rec.Completed, rec.State, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateStep
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateStep
	}
	return nil
}

func (p *PostgresStore[S]) Latest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	if err := p.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	row := p.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE thread_id = $1 ORDER BY step DESC LIMIT 1`, threadID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return decodeRecord[S](p.codec, rec)
}

func (p *PostgresStore[S]) History(ctx context.Context, threadID string) ([]Checkpoint[S], error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE thread_id = $1 ORDER BY step ASC`, threadID)
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
		cp, err := decodeRecord[S](p.codec, rec)
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

func (p *PostgresStore[S]) Threads(ctx context.Context) ([]string, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT DISTINCT thread_id FROM checkpoints ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (p *PostgresStore[S]) Delete(ctx context.Context, threadID string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func (p *PostgresStore[S]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.owned {
		p.pool.Close()
	}
	return nil
}
