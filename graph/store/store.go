// Package store persists thread checkpoints for the graph engine.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("not found")

// ErrDuplicateStep is returned by Put when a checkpoint already exists for
// the same thread and step. Checkpoints are immutable once written.
var ErrDuplicateStep = errors.New("checkpoint step already exists")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Checkpoint is an immutable snapshot of a thread's state taken after a node
// completes (or, at step 0, before the first node runs).
//
// NextNode is the node the run controller will execute when the thread is
// resumed. It is empty exactly when Completed is true.
type Checkpoint[S any] struct {
	// ID is a unique identifier for this checkpoint.
	ID string `json:"id"`

	// ThreadID is the conversation the checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// Step is monotonic per thread. Step 0 holds the input state.
	Step int `json:"step"`

	// State is the full state after LastNode's update was merged.
	State S `json:"state"`

	// LastNode is the node that produced this checkpoint ("" for step 0).
	LastNode string `json:"last_node"`

	// NextNode is the node scheduled to run next ("" when Completed).
	NextNode string `json:"next_node"`

	// Completed marks a thread that reached a terminal transition.
	Completed bool `json:"completed"`

	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoints keyed by thread.
//
// Implementations:
//   - MemStore: in-process, for tests and short-lived programs
//   - SQLiteStore: single-file database, the CLI default
//   - MySQLStore, PostgresStore: shared relational databases
//   - RedisStore: shared key-value store
//
// All implementations must be safe for concurrent use across threads. The
// engine serialises writes within one thread, so implementations need not.
type Store[S any] interface {
	// Put appends a checkpoint to its thread's history.
	// Returns ErrDuplicateStep if (ThreadID, Step) already exists.
	Put(ctx context.Context, cp Checkpoint[S]) error

	// Latest returns the checkpoint with the highest step for threadID.
	// Returns ErrNotFound if the thread has none.
	Latest(ctx context.Context, threadID string) (Checkpoint[S], error)

	// History returns every checkpoint for threadID ordered by step.
	// Returns ErrNotFound if the thread has none.
	History(ctx context.Context, threadID string) ([]Checkpoint[S], error)

	// Threads lists the known thread IDs in lexical order.
	Threads(ctx context.Context) ([]string, error)

	// Delete removes every checkpoint for threadID. Deleting an unknown
	// thread is not an error.
	Delete(ctx context.Context, threadID string) error

	// Close releases resources held by the store.
	Close() error
}

// record is the encoded form of a checkpoint used by the SQL and Redis
// backends. State holds codec output.
type record struct {
	ID        string    `json:"id" msgpack:"id"`
	ThreadID  string    `json:"thread_id" msgpack:"thread_id"`
	Step      int       `json:"step" msgpack:"step"`
	LastNode  string    `json:"last_node" msgpack:"last_node"`
	NextNode  string    `json:"next_node" msgpack:"next_node"`
	Completed bool      `json:"completed" msgpack:"completed"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	State     []byte    `json:"state" msgpack:"state"`
}

func encodeRecord[S any](c Codec, cp Checkpoint[S]) (record, error) {
	data, err := c.Encode(cp.State)
	if err != nil {
		return record{}, err
	}
	return record{
		ID:        cp.ID,
		ThreadID:  cp.ThreadID,
		Step:      cp.Step,
		LastNode:  cp.LastNode,
		NextNode:  cp.NextNode,
		Completed: cp.Completed,
		CreatedAt: cp.CreatedAt,
		State:     data,
	}, nil
}

func decodeRecord[S any](c Codec, r record) (Checkpoint[S], error) {
	var state S
	if err := c.Decode(r.State, &state); err != nil {
		return Checkpoint[S]{}, err
	}
	return Checkpoint[S]{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Step:      r.Step,
		State:     state,
		LastNode:  r.LastNode,
		NextNode:  r.NextNode,
		Completed: r.Completed,
		CreatedAt: r.CreatedAt,
	}, nil
}
