// Package anthropic implements chorus.Provider using the Anthropic Messages
// API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/arklow/chorus"
)

const defaultMaxTokens int64 = 4096

// Provider implements chorus.Provider against the Anthropic Messages API.
type Provider struct {
	client    anthropic.Client
	model     string
	name      string
	maxTokens int64
}

// providerConfig accumulates ProviderOption settings that need to be known
// before the SDK client is constructed.
type providerConfig struct {
	baseURL   string
	name      string
	maxTokens int64
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*providerConfig)

// WithBaseURL points the client at a non-default endpoint, for proxies and
// test servers.
func WithBaseURL(url string) ProviderOption {
	return func(c *providerConfig) { c.baseURL = url }
}

// WithMaxTokens overrides the default max_tokens ceiling (4096).
func WithMaxTokens(n int64) ProviderOption {
	return func(c *providerConfig) { c.maxTokens = n }
}

// WithName sets the provider name returned by Name() (default "anthropic").
func WithName(name string) ProviderOption {
	return func(c *providerConfig) { c.name = name }
}

// NewProvider creates an Anthropic chat provider authenticated with apiKey.
func NewProvider(apiKey, model string, opts ...ProviderOption) *Provider {
	cfg := providerConfig{name: "anthropic", maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		name:      cfg.name,
		maxTokens: cfg.maxTokens,
	}
}

// Name returns the provider name (default "anthropic").
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req chorus.ChatRequest) (chorus.ChatResponse, error) {
	params, err := p.buildParams(req, nil)
	if err != nil {
		return chorus.ChatResponse{}, err
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return chorus.ChatResponse{}, p.wrapErr(err)
	}
	return parseResponse(resp), nil
}

// ChatWithTools sends a chat request with tool definitions attached and
// returns the complete response, which may carry ToolCalls.
func (p *Provider) ChatWithTools(ctx context.Context, req chorus.ChatRequest, tools []chorus.ToolDefinition) (chorus.ChatResponse, error) {
	params, err := p.buildParams(req, tools)
	if err != nil {
		return chorus.ChatResponse{}, err
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return chorus.ChatResponse{}, p.wrapErr(err)
	}
	return parseResponse(resp), nil
}

// ChatStream streams token text into ch, then returns the final accumulated
// response. The channel is closed when streaming completes or on error.
func (p *Provider) ChatStream(ctx context.Context, req chorus.ChatRequest, ch chan<- string) (chorus.ChatResponse, error) {
	defer close(ch)

	params, err := p.buildParams(req, nil)
	if err != nil {
		return chorus.ChatResponse{}, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		// The SDK's Accumulate can fail on tool-call blocks with empty
		// input JSON; this provider doesn't stream tool calls, so the
		// error is inert.
		_ = acc.Accumulate(event)

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				ch <- text.Text
			}
		}
	}
	if err := stream.Err(); err != nil {
		return chorus.ChatResponse{}, p.wrapErr(err)
	}

	return parseResponse(&acc), nil
}

// buildParams converts a chorus.ChatRequest (and optional tool definitions)
// into Anthropic's wire format.
func (p *Provider) buildParams(req chorus.ChatRequest, tools []chorus.ToolDefinition) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			if msg.ToolCallID != "" {
				messages = append(messages, anthropic.NewUserMessage(
					anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
			} else {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic provider: unsupported role %q", msg.Role)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		toolParams, err := buildTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = toolParams
	}
	return params, nil
}

// buildTools translates chorus.ToolDefinition (JSON-schema parameters as a
// raw message) into Anthropic's ToolParam shape.
func buildTools(tools []chorus.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema struct {
			Properties json.RawMessage `json:"properties"`
			Required   []string        `json:"required"`
		}
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("anthropic provider: decode tool schema for %q: %w", t.Name, err)
			}
		}

		var properties any
		if len(schema.Properties) > 0 {
			if err := json.Unmarshal(schema.Properties, &properties); err != nil {
				return nil, fmt.Errorf("anthropic provider: decode tool properties for %q: %w", t.Name, err)
			}
		}

		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       constant.ValueOf[constant.Object](),
				Properties: properties,
				Required:   schema.Required,
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return map[string]any{}
	}
	return m
}

// parseResponse converts an Anthropic message into chorus's response shape.
func parseResponse(resp *anthropic.Message) chorus.ChatResponse {
	if resp == nil {
		return chorus.ChatResponse{}
	}

	var content strings.Builder
	var toolCalls []chorus.ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, chorus.ToolCall{
				ID:   v.ID,
				Name: v.Name,
				Args: json.RawMessage(v.Input),
			})
		}
	}

	return chorus.ChatResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage: chorus.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

// wrapErr converts an SDK error into a chorus.ProviderHTTPError when it
// carries an HTTP status, so retry middleware can inspect it uniformly
// across providers.
func (p *Provider) wrapErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		retryAfter := chorus.ParseRetryAfter("")
		if apiErr.Response != nil {
			retryAfter = chorus.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return &chorus.ProviderHTTPError{
			Status:     statusCode(apiErr),
			Body:       apiErr.Error(),
			RetryAfter: retryAfter,
		}
	}
	return &chorus.ProviderLLMError{Provider: p.name, Message: err.Error()}
}

func statusCode(apiErr *anthropic.Error) int {
	if apiErr.Response != nil {
		return apiErr.Response.StatusCode
	}
	return http.StatusInternalServerError
}

var _ chorus.Provider = (*Provider)(nil)
