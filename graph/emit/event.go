package emit

import "time"

// Event messages emitted by the engine.
const (
	MsgRunStart    = "run_start"
	MsgRunEnd      = "run_end"
	MsgNodeStart   = "node_start"
	MsgNodeEnd     = "node_end"
	MsgNodeError   = "node_error"
	MsgNodeRetry   = "node_retry"
	MsgCheckpoint  = "checkpoint"
	MsgInterrupt   = "interrupt"
	MsgStateUpdate = "state_update"
)

// Event represents an observability event emitted while a thread executes.
//
// Events describe:
//   - Run start and end for one Invoke/Resume call
//   - Node start, completion, failure and retries
//   - Checkpoint writes and interrupts
//   - Human edits applied through UpdateState
type Event struct {
	// ThreadID identifies the conversation whose run emitted this event.
	ThreadID string

	// Step is the checkpoint step the event belongs to. Steps are
	// monotonic per thread; step 0 is the input checkpoint.
	Step int

	// NodeID identifies the node that emitted this event.
	// Empty for run-level events.
	NodeID string

	// Msg is the event kind, one of the Msg* constants.
	Msg string

	// Time is when the event was produced.
	Time time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": node execution duration in milliseconds
	//   - "error": error text
	//   - "attempt": retry attempt number
	//   - "next": node scheduled after this one
	//   - "status": run status on run_end
	Meta map[string]interface{}
}

// Err returns the "error" metadata value, or "" when absent.
func (e Event) Err() string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta["error"].(string)
	return s
}
