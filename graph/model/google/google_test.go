package google

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/model"
)

func TestConvertMessages(t *testing.T) {
	history, last := convertMessages([]model.Message{
		{Role: model.RoleUser, Content: "topic"},
		{Role: model.RoleAssistant, Content: "draft"},
		{Role: model.RoleUser, Content: "revise"},
	})
	if len(history) != 2 || history[1].Role != "model" {
		t.Fatalf("history = %+v", history)
	}
	if last == nil || last.Role != "user" || last.Parts[0] != genai.Text("revise") {
		t.Errorf("last = %+v", last)
	}

	if h, l := convertMessages(nil); h != nil || l != nil {
		t.Error("empty conversation should produce nothing")
	}
}

func TestConvertSchema(t *testing.T) {
	s := convertSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"queries": map[string]interface{}{
				"type":        "array",
				"description": "search queries",
				"items":       map[string]interface{}{"type": "string"},
			},
		},
		"required": []interface{}{"queries"},
	})
	if s.Type != genai.TypeObject || len(s.Required) != 1 || s.Required[0] != "queries" {
		t.Fatalf("schema = %+v", s)
	}
	q := s.Properties["queries"]
	if q == nil || q.Type != genai.TypeArray || q.Description != "search queries" {
		t.Fatalf("queries = %+v", q)
	}
	if q.Items == nil || q.Items.Type != genai.TypeString {
		t.Errorf("items = %+v", q.Items)
	}
	if convertSchema(nil) != nil {
		t.Error("nil schema should stay nil")
	}
}

func TestConvertResponse(t *testing.T) {
	out := convertResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("Here "),
				genai.Text("you go."),
				genai.FunctionCall{Name: "queries", Args: map[string]any{"queries": []any{"x"}}},
			}},
		}},
	})
	if out.Text != "Here you go." {
		t.Errorf("text = %q", out.Text)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "queries" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if got := convertResponse(&genai.GenerateContentResponse{}); got.Text != "" || got.ToolCalls != nil {
		t.Errorf("empty response = %+v", got)
	}
}

func TestMapError(t *testing.T) {
	m := &ChatModel{timeout: time.Second}
	ctx := context.Background()

	h := http.Header{}
	h.Set("Retry-After", "5")
	err := m.mapError(ctx, &googleapi.Error{Code: http.StatusTooManyRequests, Header: h, Message: "quota"})
	var rl *graph.RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 5*time.Second || rl.Provider != "google" {
		t.Errorf("429: %v", err)
	}

	err = m.mapError(ctx, &googleapi.Error{Code: http.StatusServiceUnavailable})
	if !graph.IsRetryable(err) {
		t.Errorf("503 should be retryable: %v", err)
	}

	err = m.mapError(ctx, &genai.BlockedError{
		Candidate: &genai.Candidate{
			FinishReason:  genai.FinishReasonSafety,
			SafetyRatings: []*genai.SafetyRating{{Category: genai.HarmCategoryHarassment, Blocked: true}},
		},
	})
	var sf *SafetyFilterError
	if !errors.As(err, &sf) || sf.Category == "" {
		t.Errorf("blocked: %v", err)
	}
	if graph.IsRetryable(err) {
		t.Error("safety blocks should not be retried")
	}
}

func TestNewChatModel_RequiresKey(t *testing.T) {
	if _, err := NewChatModel(context.Background(), "", ""); err == nil {
		t.Error("expected error for missing API key")
	}
}
