package graph

import (
	"encoding/json"
	"fmt"
)

// cloneState deep-copies a state with a JSON round trip so that a node
// can't reach the engine's copy through shared slices or maps.
//
// Unexported fields are not copied; state types keep everything they need
// persisted in exported, JSON-tagged fields anyway.
func cloneState[S any](state S) (S, error) {
	var zero S
	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return copied, nil
}
