package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Replies are chosen in this order: Respond when set, then Err, then the
// next entry of Responses (the last one repeats). Every call is recorded.
//
//	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "outline"}}}
type MockChatModel struct {
	Responses []ChatOut
	Err       error

	// Respond computes a reply from the call. It takes precedence over
	// Responses and Err.
	Respond func(call MockChatCall) (ChatOut, error)

	mu    sync.Mutex
	calls []MockChatCall
	next  int
}

// MockChatCall records one invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// System returns the joined system prompt of the call.
func (c MockChatCall) System() string {
	system, _ := SplitSystem(c.Messages)
	return system
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	call := MockChatCall{
		Messages: append([]Message(nil), messages...),
		Tools:    append([]ToolSpec(nil), tools...),
	}
	m.calls = append(m.calls, call)
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(call)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// Calls returns a copy of the recorded calls.
func (m *MockChatModel) Calls() []MockChatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockChatCall(nil), m.calls...)
}

// CallCount returns the number of Chat invocations.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the call history and rewinds Responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.next = 0
}
