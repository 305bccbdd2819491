package model

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dshills/essaygraph/graph"
)

// Structured asks m for output shaped by spec and decodes it into out.
//
// When m implements ToolForcer the call is made with spec as the required
// tool. Otherwise spec is offered as the only tool. The arguments of the
// first call to spec are decoded; failing that, the first JSON object in
// the reply text is. Anything else is a *graph.ValidationError naming
// spec.Name.
func Structured(ctx context.Context, m ChatModel, messages []Message, spec ToolSpec, out interface{}) error {
	var (
		reply ChatOut
		err   error
	)
	if f, ok := m.(ToolForcer); ok {
		reply, err = f.ChatWithTool(ctx, messages, spec)
	} else {
		reply, err = m.Chat(ctx, messages, []ToolSpec{spec})
	}
	if err != nil {
		return err
	}

	for _, call := range reply.ToolCalls {
		if call.Name != spec.Name {
			continue
		}
		raw, err := json.Marshal(call.Input)
		if err != nil {
			return &graph.ValidationError{Field: spec.Name, Reason: err.Error()}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &graph.ValidationError{Field: spec.Name, Reason: "arguments do not match schema: " + err.Error()}
		}
		return nil
	}

	if obj, ok := findJSONObject(reply.Text); ok {
		if err := json.Unmarshal([]byte(obj), out); err == nil {
			return nil
		}
	}
	return &graph.ValidationError{Field: spec.Name, Reason: "model did not return structured output"}
}

// findJSONObject returns the outermost {...} span of text, tolerating a
// surrounding markdown fence.
func findJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
