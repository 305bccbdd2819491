// Package anthropic adapts the Anthropic Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/essaygraph/graph/model"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 4096
	DefaultTimeout   = 90 * time.Second
)

// ChatModel implements model.ChatModel and model.ToolForcer for Claude.
//
// System messages are lifted into the request's system parameter, which
// is where the Messages API expects them.
//
// Example:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
type ChatModel struct {
	client      anthropic.Client
	modelName   string
	maxTokens   int64
	temperature *float64
	timeout     time.Duration
}

// Option configures a ChatModel.
type Option func(*settings)

type settings struct {
	maxTokens   int64
	temperature *float64
	timeout     time.Duration
	reqOpts     []option.RequestOption
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int64) Option { return func(s *settings) { s.maxTokens = n } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(s *settings) { s.temperature = &t } }

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithBaseURL points the client at another endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithBaseURL(url)) }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithHTTPClient(c)) }
}

// NewChatModel creates a ChatModel. An empty modelName selects DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	s := settings{maxTokens: DefaultMaxTokens, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, s.reqOpts...)

	return &ChatModel{
		client:      anthropic.NewClient(reqOpts...),
		modelName:   modelName,
		maxTokens:   s.maxTokens,
		temperature: s.temperature,
		timeout:     s.timeout,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	return m.send(ctx, m.params(messages, tools))
}

// ChatWithTool implements model.ToolForcer.
func (m *ChatModel) ChatWithTool(ctx context.Context, messages []model.Message, tool model.ToolSpec) (model.ChatOut, error) {
	params := m.params(messages, []model.ToolSpec{tool})
	params.ToolChoice = anthropic.ToolChoiceParamOfTool(tool.Name)
	return m.send(ctx, params)
}

func (m *ChatModel) params(messages []model.Message, tools []model.ToolSpec) anthropic.MessageNewParams {
	system, conversation := model.SplitSystem(messages)
	if len(conversation) == 0 && system != "" {
		// The API rejects an empty conversation.
		conversation = []model.Message{{Role: model.RoleUser, Content: system}}
		system = ""
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if m.temperature != nil {
		params.Temperature = anthropic.Float(*m.temperature)
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	return params
}

func (m *ChatModel) send(ctx context.Context, params anthropic.MessageNewParams) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	callCtx, cancel := model.CallTimeout(ctx, m.timeout)
	defer cancel()

	msg, err := m.client.Messages.New(callCtx, params)
	if err != nil {
		return model.ChatOut{}, m.mapError(ctx, err)
	}
	return convertResponse(msg)
}

func (m *ChatModel) mapError(ctx context.Context, err error) error {
	f := model.HTTPFailure{Provider: "anthropic", Op: "messages", Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		f.StatusCode = apiErr.StatusCode
		if apiErr.Response != nil {
			f.Header = apiErr.Response.Header
		}
	}
	return model.ClassifyError(ctx, m.timeout, f)
}

// convertMessages maps the conversation onto user and assistant turns.
func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.Schema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(tool.Schema)
		param := &anthropic.ToolParam{Name: tool.Name, InputSchema: schema}
		if tool.Description != "" {
			param.Description = anthropic.String(tool.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: param})
	}
	return out
}

func requiredFields(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func convertResponse(msg *anthropic.Message) (model.ChatOut, error) {
	var out model.ChatOut
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return model.ChatOut{}, fmt.Errorf("anthropic: tool %s input: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: block.Name, Input: input})
		}
	}
	return out, nil
}
