// Package model provides the language-model collaborator used by agent
// nodes, plus adapters for OpenAI, Anthropic and Google Gemini.
package model

import "context"

// ChatModel is the provider-neutral chat interface.
//
// Implementations convert Message and ToolSpec to the provider's wire
// format, bound each call with their configured timeout, and translate
// provider failures into the graph error taxonomy (*graph.ProviderError,
// *graph.RateLimitError, *graph.TimeoutError). They never retry on their
// own.
//
// Example:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "You are an essay planner."},
//	    {Role: model.RoleUser, Content: "The history of the bicycle"},
//	}, nil)
type ChatModel interface {
	// Chat sends messages and returns the model's reply. tools may be nil.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// ToolForcer is implemented by adapters that can require the model to
// answer with a call to one specific tool. Structured uses it when
// available.
type ToolForcer interface {
	ChatWithTool(ctx context.Context, messages []Message, tool ToolSpec) (ChatOut, error)
}

// Message is one turn in a conversation.
type Message struct {
	Role    string
	Content string
}

// Standard roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the model may call. Schema is a JSON Schema
// object describing the tool's input.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a model reply: text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// SplitSystem separates system messages from the conversation. Multiple
// system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			rest = append(rest, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}
	return system, rest
}
