package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/model"
)

const completion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "An outline.", "refusal": null}
  }],
  "usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
}`

const toolCompletion = `{
  "id": "chatcmpl-2",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": null,
      "refusal": null,
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "queries", "arguments": "{\"queries\":[\"bicycle history\"]}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
}`

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestChat(t *testing.T) {
	var body map[string]interface{}
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion)
	})

	m := NewChatModel("sk-test", "", WithBaseURL(srv.URL+"/"))
	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "plan"},
		{Role: model.RoleUser, Content: "bicycles"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "An outline." {
		t.Errorf("text = %q", out.Text)
	}
	if body["model"] != DefaultModel || body["temperature"] != DefaultTemperature {
		t.Errorf("request body = %v", body)
	}
	if msgs, _ := body["messages"].([]interface{}); len(msgs) != 2 {
		t.Errorf("messages = %v", body["messages"])
	}
}

func TestChatWithTool(t *testing.T) {
	var body map[string]interface{}
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolCompletion)
	})

	m := NewChatModel("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	spec := model.ToolSpec{Name: "queries", Schema: map[string]interface{}{"type": "object"}}
	var got struct {
		Queries []string `json:"queries"`
	}
	if err := model.Structured(context.Background(), m, []model.Message{{Role: model.RoleUser, Content: "x"}}, spec, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Queries) != 1 || got.Queries[0] != "bicycle history" {
		t.Errorf("queries = %v", got.Queries)
	}
	choice, _ := body["tool_choice"].(map[string]interface{})
	fn, _ := choice["function"].(map[string]interface{})
	if fn["name"] != "queries" {
		t.Errorf("tool_choice = %v", body["tool_choice"])
	}
}

func TestChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			var rl *graph.RateLimitError
			if !errors.As(err, &rl) || rl.RetryAfter != 2*time.Second {
				t.Errorf("got %v", err)
			}
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			var pe *graph.ProviderError
			if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadGateway || !graph.IsRetryable(err) {
				t.Errorf("got %v", err)
			}
		}},
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			if graph.IsRetryable(err) {
				t.Errorf("401 should not be retryable: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"error"}}`)
			})
			m := NewChatModel("sk-test", "", WithBaseURL(srv.URL+"/"))
			_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)
			tt.check(t, err)
			if calls != 1 {
				t.Errorf("adapter retried: %d calls", calls)
			}
		})
	}
}

func TestChat_Timeout(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	m := NewChatModel("sk-test", "", WithBaseURL(srv.URL+"/"), WithTimeout(20*time.Millisecond))
	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)
	var te *graph.TimeoutError
	if !errors.As(err, &te) || te.After != 20*time.Millisecond {
		t.Errorf("expected TimeoutError, got %v", err)
	}
}
