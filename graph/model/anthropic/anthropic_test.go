package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/model"
)

func serve(t *testing.T, status int, body string, capture *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if capture != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, capture)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChat_LiftsSystemPrompt(t *testing.T) {
	var req map[string]interface{}
	srv := serve(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-latest",
		"content": [{"type": "text", "text": "A draft."}],
		"stop_reason": "end_turn", "usage": {"input_tokens": 3, "output_tokens": 2}
	}`, &req)

	m := NewChatModel("key", "", WithBaseURL(srv.URL))
	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "You write essays."},
		{Role: model.RoleUser, Content: "bicycles"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "A draft." {
		t.Errorf("text = %q", out.Text)
	}
	system, _ := req["system"].([]interface{})
	if len(system) != 1 {
		t.Fatalf("system = %v", req["system"])
	}
	if block, _ := system[0].(map[string]interface{}); block["text"] != "You write essays." {
		t.Errorf("system block = %v", block)
	}
	if msgs, _ := req["messages"].([]interface{}); len(msgs) != 1 {
		t.Errorf("messages = %v", req["messages"])
	}
}

func TestChatWithTool(t *testing.T) {
	var req map[string]interface{}
	srv := serve(t, http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-latest",
		"content": [{"type": "tool_use", "id": "tu_1", "name": "queries", "input": {"queries": ["a", "b"]}}],
		"stop_reason": "tool_use", "usage": {"input_tokens": 3, "output_tokens": 2}
	}`, &req)

	m := NewChatModel("key", "", WithBaseURL(srv.URL))
	spec := model.ToolSpec{
		Name: "queries",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"queries": map[string]interface{}{"type": "array"}},
			"required":   []string{"queries"},
		},
	}
	var got struct {
		Queries []string `json:"queries"`
	}
	if err := model.Structured(context.Background(), m, []model.Message{{Role: model.RoleUser, Content: "x"}}, spec, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Queries) != 2 {
		t.Errorf("queries = %v", got.Queries)
	}
	choice, _ := req["tool_choice"].(map[string]interface{})
	if choice["type"] != "tool" || choice["name"] != "queries" {
		t.Errorf("tool_choice = %v", req["tool_choice"])
	}
}

func TestChat_ErrorMapping(t *testing.T) {
	body := `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`
	srv := serve(t, http.StatusTooManyRequests, body, nil)
	m := NewChatModel("key", "", WithBaseURL(srv.URL))
	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)

	var rl *graph.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.Provider != "anthropic" || rl.RetryAfter.Seconds() != 4 {
		t.Errorf("got %+v", rl)
	}

	srv = serve(t, http.StatusBadRequest, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, nil)
	m = NewChatModel("key", "", WithBaseURL(srv.URL))
	_, err = m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)
	var pe *graph.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest || graph.IsRetryable(err) {
		t.Errorf("got %v", err)
	}
}
