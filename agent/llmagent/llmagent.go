// Package llmagent implements chorus.Agent as a single hosted-LLM call: a
// system prompt plus the turn's history and input, dispatched through any
// chorus.Provider.
package llmagent

import (
	"context"
	"fmt"

	"github.com/arklow/chorus"
)

// Agent wraps a chorus.Provider with a name, description, and system
// prompt, turning it into a chorus.Agent the orchestrator can dispatch to.
type Agent struct {
	name         string
	description  string
	systemPrompt string
	provider     chorus.Provider
	tools        *chorus.ToolRegistry
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithTools attaches a tool registry; when set, the agent calls
// ChatWithTools and executes any tool calls the model returns before
// producing its final reply.
func WithTools(reg *chorus.ToolRegistry) Option {
	return func(a *Agent) { a.tools = reg }
}

// New creates an Agent. systemPrompt is sent as the first message of every
// turn, ahead of history and the new input.
func New(name, description, systemPrompt string, provider chorus.Provider, opts ...Option) *Agent {
	a := &Agent{name: name, description: description, systemPrompt: systemPrompt, provider: provider}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string        { return a.name }
func (a *Agent) Description() string { return a.description }

// ProcessRequest runs one non-streaming turn: build messages from history
// plus the new input, call the provider, resolve any tool calls, and return
// the final assistant message.
func (a *Agent) ProcessRequest(ctx context.Context, req chorus.AgentRequest) (chorus.ConversationMessage, error) {
	messages := a.buildMessages(req)

	const maxToolRounds = 5
	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.callProvider(ctx, messages)
		if err != nil {
			return chorus.ConversationMessage{}, fmt.Errorf("llmagent %q: %w", a.name, err)
		}
		if len(resp.ToolCalls) == 0 || a.tools == nil {
			return chorus.NewTextMessage(chorus.RoleAssistant, resp.Content), nil
		}

		messages = append(messages, chorus.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result, err := a.tools.Execute(ctx, tc.Name, tc.Args)
			var resultText string
			if err != nil {
				resultText = fmt.Sprintf("error: %v", err)
			} else {
				resultText = result.Content
			}
			messages = append(messages, chorus.ToolResultMessage(tc.ID, resultText))
		}
	}

	return chorus.ConversationMessage{}, fmt.Errorf("llmagent %q: exceeded %d tool-call rounds", a.name, maxToolRounds)
}

// ProcessRequestStream runs one turn, streaming token text into the
// returned channel. Tool calls are not supported on the streaming path;
// set up a plain ProcessRequest dispatch for tool-using agents instead.
func (a *Agent) ProcessRequestStream(ctx context.Context, req chorus.AgentRequest) (<-chan chorus.StreamEvent, error) {
	out := make(chan chorus.StreamEvent, 16)
	messages := a.buildMessages(req)

	go func() {
		defer close(out)
		out <- chorus.StartEvent{}

		tokens := make(chan string, 64)
		resultCh := make(chan struct {
			resp chorus.ChatResponse
			err  error
		}, 1)

		go func() {
			resp, err := a.provider.ChatStream(ctx, chorus.ChatRequest{Messages: messages}, tokens)
			resultCh <- struct {
				resp chorus.ChatResponse
				err  error
			}{resp, err}
		}()

		for tok := range tokens {
			out <- chorus.TokenEvent{Text: tok}
		}

		result := <-resultCh
		if result.err != nil {
			out <- chorus.ErrorEvent{Err: result.err}
			return
		}
		out <- chorus.EndEvent{
			FinalMessage: chorus.NewTextMessage(chorus.RoleAssistant, result.resp.Content),
		}
	}()

	return out, nil
}

func (a *Agent) callProvider(ctx context.Context, messages []chorus.ChatMessage) (chorus.ChatResponse, error) {
	req := chorus.ChatRequest{Messages: messages}
	if a.tools != nil && len(a.tools.AllDefinitions()) > 0 {
		return a.provider.ChatWithTools(ctx, req, a.tools.AllDefinitions())
	}
	return a.provider.Chat(ctx, req)
}

// buildMessages assembles the system prompt, history, and new input into
// the provider wire format.
func (a *Agent) buildMessages(req chorus.AgentRequest) []chorus.ChatMessage {
	var messages []chorus.ChatMessage
	if a.systemPrompt != "" {
		messages = append(messages, chorus.SystemMessage(a.systemPrompt))
	}
	for _, m := range req.History {
		messages = append(messages, historyToChatMessage(m))
	}
	messages = append(messages, chorus.UserMessage(req.Input))
	return messages
}

func historyToChatMessage(m chorus.ConversationMessage) chorus.ChatMessage {
	switch m.Role {
	case chorus.RoleAssistant:
		return chorus.AssistantMessage(m.Text())
	case chorus.RoleSystem:
		return chorus.SystemMessage(m.Text())
	default:
		return chorus.UserMessage(m.Text())
	}
}

var _ chorus.Agent = (*Agent)(nil)
var _ chorus.StreamingAgent = (*Agent)(nil)
