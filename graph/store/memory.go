package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for:
//   - Testing and development
//   - Single-process programs where persistence isn't required
//
// States are stored encoded so that later mutation of a caller's slices or
// maps cannot reach into the history. MemStore is safe for concurrent use.
type MemStore[S any] struct {
	mu      sync.RWMutex
	codec   Codec
	threads map[string][]record // threadID -> checkpoints ordered by step
	closed  bool
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[essay.AgentState]()
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		codec:   JSONCodec{},
		threads: make(map[string][]record),
	}
}

// Put appends cp to its thread's history.
func (m *MemStore[S]) Put(_ context.Context, cp Checkpoint[S]) error {
	rec, err := encodeRecord(m.codec, cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	records := m.threads[cp.ThreadID]
	idx := sort.Search(len(records), func(i int) bool { return records[i].Step >= cp.Step })
	if idx < len(records) && records[idx].Step == cp.Step {
		return ErrDuplicateStep
	}
	records = append(records, record{})
	copy(records[idx+1:], records[idx:])
	records[idx] = rec
	m.threads[cp.ThreadID] = records
	return nil
}

// Latest returns the highest-step checkpoint for threadID.
func (m *MemStore[S]) Latest(_ context.Context, threadID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Checkpoint[S]{}, ErrClosed
	}

	records := m.threads[threadID]
	if len(records) == 0 {
		return Checkpoint[S]{}, ErrNotFound
	}
	return decodeRecord[S](m.codec, records[len(records)-1])
}

// History returns all checkpoints for threadID ordered by step.
func (m *MemStore[S]) History(_ context.Context, threadID string) ([]Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	records := m.threads[threadID]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Checkpoint[S], 0, len(records))
	for _, rec := range records {
		cp, err := decodeRecord[S](m.codec, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Threads lists thread IDs in lexical order.
func (m *MemStore[S]) Threads(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete drops every checkpoint for threadID.
func (m *MemStore[S]) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.threads, threadID)
	return nil
}

// Close marks the store closed. Stored data is released.
func (m *MemStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.threads = nil
	return nil
}
