// Package graph provides a resumable, checkpointed workflow engine over a
// statically typed state record.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrMaxStepsExceeded indicates that a run executed more nodes than its
// step limit allows without reaching a terminal transition.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrNoCheckpoint is returned when a resume is requested for a thread that
// has never run. Use errors.Is to test for it; the concrete error is a
// *NoCheckpointError carrying the thread ID.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// EngineError reports a graph construction or execution problem that is the
// caller's (or a node author's) fault rather than a collaborator failure.
//
// Codes:
//   - DUPLICATE_NODE, NODE_NOT_FOUND, RESERVED_NODE: registration
//   - UNKNOWN_FIELD: a node declared a write the schema doesn't know
//   - UNDECLARED_WRITE: a node returned a field it didn't declare
//   - NO_START_NODE, NO_EDGE, DUPLICATE_EDGE, INVALID_ROUTE: topology
//   - MAX_STEPS_EXCEEDED: step limit hit
//   - NODE_PANIC: a node panicked
type EngineError struct {
	Message string
	Code    string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

// ProviderError reports a failed call to an external model or search
// provider. StatusCode is the HTTP status when one was received.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Provider
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError is a ProviderError for a throttled call. errors.As with a
// **ProviderError target also matches it.
type RateLimitError struct {
	ProviderError

	// RetryAfter is the provider's suggested wait, zero when not given.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := "rate limited: " + e.ProviderError.Error()
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return &e.ProviderError }

// TimeoutError reports that a bounded operation exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// ValidationError reports model output that doesn't match the expected
// structure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid output: " + e.Reason
	}
	return fmt.Sprintf("invalid output for %s: %s", e.Field, e.Reason)
}

// NoCheckpointError is returned by Resume for an unknown thread.
type NoCheckpointError struct {
	ThreadID string
}

func (e *NoCheckpointError) Error() string {
	return fmt.Sprintf("no checkpoint for thread %q", e.ThreadID)
}

func (e *NoCheckpointError) Is(target error) bool { return target == ErrNoCheckpoint }

// IsRetryable reports whether err is a transient failure worth retrying:
// rate limits, timeouts, and provider 5xx or transport errors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 0 || pe.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
