// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/essaygraph/graph/model"
)

const (
	DefaultModel   = "gemini-2.5-flash"
	DefaultTimeout = 60 * time.Second
)

// ChatModel implements model.ChatModel and model.ToolForcer for Gemini.
//
// Safety blocks are returned as *SafetyFilterError; they are not retried.
// Call Close when done to release the underlying client.
//
// Example:
//
//	m, err := google.NewChatModel(ctx, os.Getenv("GOOGLE_API_KEY"), "")
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
type ChatModel struct {
	client      *genai.Client
	modelName   string
	temperature *float32
	timeout     time.Duration
}

// Option configures a ChatModel.
type Option func(*settings)

type settings struct {
	temperature *float32
	timeout     time.Duration
	clientOpts  []option.ClientOption
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option { return func(s *settings) { s.temperature = &t } }

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithClientOptions passes extra options to genai.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// NewChatModel creates the Gemini client. An empty modelName selects
// DefaultModel.
func NewChatModel(ctx context.Context, apiKey, modelName string, opts ...Option) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	s := settings{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, s.clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &ChatModel{
		client:      client,
		modelName:   modelName,
		temperature: s.temperature,
		timeout:     s.timeout,
	}, nil
}

// Close releases the client.
func (m *ChatModel) Close() error { return m.client.Close() }

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	return m.generate(ctx, messages, tools, "")
}

// ChatWithTool implements model.ToolForcer with function calling mode ANY
// restricted to tool.
func (m *ChatModel) ChatWithTool(ctx context.Context, messages []model.Message, tool model.ToolSpec) (model.ChatOut, error) {
	return m.generate(ctx, messages, []model.ToolSpec{tool}, tool.Name)
}

func (m *ChatModel) generate(ctx context.Context, messages []model.Message, tools []model.ToolSpec, force string) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	gm := m.client.GenerativeModel(m.modelName)
	if m.temperature != nil {
		gm.SetTemperature(*m.temperature)
	}
	system, conversation := model.SplitSystem(messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		gm.Tools = convertTools(tools)
	}
	if force != "" {
		gm.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingAny,
				AllowedFunctionNames: []string{force},
			},
		}
	}

	history, last := convertMessages(conversation)
	if last == nil {
		return model.ChatOut{}, errors.New("google: at least one user message is required")
	}

	callCtx, cancel := model.CallTimeout(ctx, m.timeout)
	defer cancel()

	session := gm.StartChat()
	session.History = history
	resp, err := session.SendMessage(callCtx, last.Parts...)
	if err != nil {
		return model.ChatOut{}, m.mapError(ctx, err)
	}
	return convertResponse(resp), nil
}

func (m *ChatModel) mapError(ctx context.Context, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return newSafetyFilterError(blocked)
	}
	f := model.HTTPFailure{Provider: "google", Op: "generate", Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		f.StatusCode = apiErr.Code
		f.Header = apiErr.Header
	}
	return model.ClassifyError(ctx, m.timeout, f)
}

// convertMessages splits the conversation into chat history and the final
// turn to send. Gemini names the assistant role "model".
func convertMessages(messages []model.Message) ([]*genai.Content, *genai.Content) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	if len(contents) == 0 {
		return nil, nil
	}
	return contents[:len(contents)-1], contents[len(contents)-1]
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema translates a JSON Schema map, recursing into properties
// and array items.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: typeOf(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]interface{}); ok {
				out.Properties[name] = convertSchema(prop)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = convertSchema(items)
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []interface{}:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// typeOf maps a JSON Schema type name to genai.Type.
func typeOf(v interface{}) genai.Type {
	name, _ := v.(string)
	switch name {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	var out model.ChatOut
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	out.Text = text.String()
	return out
}

// SafetyFilterError reports a prompt or reply blocked by Gemini's safety
// filters.
type SafetyFilterError struct {
	Reason   string
	Category string
	err      error
}

func (e *SafetyFilterError) Error() string {
	msg := "google: content blocked by safety filter"
	if e.Category != "" {
		msg += ": " + e.Category
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *SafetyFilterError) Unwrap() error { return e.err }

func newSafetyFilterError(b *genai.BlockedError) *SafetyFilterError {
	sf := &SafetyFilterError{err: b}
	var ratings []*genai.SafetyRating
	if b.PromptFeedback != nil {
		sf.Reason = b.PromptFeedback.BlockReason.String()
		ratings = b.PromptFeedback.SafetyRatings
	}
	if b.Candidate != nil {
		sf.Reason = b.Candidate.FinishReason.String()
		ratings = append(ratings, b.Candidate.SafetyRatings...)
	}
	for _, r := range ratings {
		if r != nil && r.Blocked {
			sf.Category = r.Category.String()
			break
		}
	}
	return sf
}
