package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S] backed by the pure-Go
// modernc.org/sqlite driver.
//
// It is the default backend for the CLI:
//   - Single file database (e.g. "./essays.db"), created on first use
//   - WAL mode so readers never block the writer
//   - ":memory:" for throwaway databases in tests
//
// Schema:
//
//	checkpoints(thread_id, step, checkpoint_id, last_node, next_node,
//	            completed, state, created_at) UNIQUE(thread_id, step)
type SQLiteStore[S any] struct {
	sqlDB[S]
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
//
// A nil codec selects JSONCodec.
//
// Example:
//
//	st, err := store.NewSQLiteStore[essay.AgentState]("./essays.db", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string, codec Codec) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			checkpoint_id TEXT NOT NULL,
			last_node TEXT NOT NULL,
			next_node TEXT NOT NULL,
			completed BOOLEAN NOT NULL,
			state BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(thread_id, step)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	if codec == nil {
		codec = JSONCodec{}
	}
	return &SQLiteStore[S]{
		sqlDB: sqlDB[S]{
			db:    db,
			codec: codec,
			isDuplicate: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
		path: path,
	}, nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore[S]) Path() string { return s.path }
