// Package openai adapts the OpenAI chat completions API to model.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/essaygraph/graph/model"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.3
	DefaultTimeout     = 60 * time.Second
)

// ChatModel implements model.ChatModel and model.ToolForcer on top of the
// official openai-go SDK.
//
// The SDK's own retries are disabled; failures are returned as
// *graph.ProviderError, *graph.RateLimitError or *graph.TimeoutError.
//
// Example:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "",
//	    openai.WithTemperature(0.3), openai.WithTimeout(30*time.Second))
type ChatModel struct {
	client      openai.Client
	modelName   string
	temperature float64
	timeout     time.Duration
}

// Option configures a ChatModel.
type Option func(*settings)

type settings struct {
	temperature float64
	timeout     time.Duration
	reqOpts     []option.RequestOption
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(s *settings) { s.temperature = t } }

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithBaseURL points the client at a compatible endpoint.
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
	s := settings{temperature: DefaultTemperature, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, s.reqOpts...)

	return &ChatModel{
		client:      openai.NewClient(reqOpts...),
		modelName:   modelName,
		temperature: s.temperature,
		timeout:     s.timeout,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	return m.complete(ctx, m.params(messages, tools))
}

// ChatWithTool implements model.ToolForcer using a named tool choice.
func (m *ChatModel) ChatWithTool(ctx context.Context, messages []model.Message, tool model.ToolSpec) (model.ChatOut, error) {
	params := m.params(messages, []model.ToolSpec{tool})
	params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
		OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
			Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: tool.Name},
		},
	}
	return m.complete(ctx, params)
}

func (m *ChatModel) params(messages []model.Message, tools []model.ToolSpec) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(m.modelName),
		Messages:    convertMessages(messages),
		Temperature: openai.Float(m.temperature),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	return params
}

func (m *ChatModel) complete(ctx context.Context, params openai.ChatCompletionNewParams) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	callCtx, cancel := model.CallTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return model.ChatOut{}, m.mapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return model.ChatOut{}, m.mapError(ctx, errors.New("response has no choices"))
	}
	return convertResponse(resp.Choices[0].Message)
}

func (m *ChatModel) mapError(ctx context.Context, err error) error {
	f := model.HTTPFailure{Provider: "openai", Op: "chat", Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		f.StatusCode = apiErr.StatusCode
		if apiErr.Response != nil {
			f.Header = apiErr.Response.Header
		}
	}
	return model.ClassifyError(ctx, m.timeout, f)
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		fn := shared.FunctionDefinitionParam{Name: tool.Name}
		if tool.Description != "" {
			fn.Description = openai.String(tool.Description)
		}
		if tool.Schema != nil {
			fn.Parameters = shared.FunctionParameters(tool.Schema)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func convertResponse(msg openai.ChatCompletionMessage) (model.ChatOut, error) {
	out := model.ChatOut{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return model.ChatOut{}, fmt.Errorf("openai: tool %s arguments: %w", call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Function.Name, Input: input})
	}
	return out, nil
}
