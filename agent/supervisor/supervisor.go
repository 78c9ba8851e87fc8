// Package supervisor implements chorus.Agent as an LLM-routed ensemble: the
// router sees each sub-agent as a callable tool ("agent_<name>") and decides
// which ones to invoke, in what order, and with what task description,
// before synthesizing a final reply.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arklow/chorus"
)

const defaultMaxIterations = 6

// Supervisor coordinates a fixed set of sub-agents and direct tools behind
// one chorus.Agent facade, using router to decide what to call.
type Supervisor struct {
	name         string
	description  string
	router       chorus.Provider
	agents       map[string]chorus.Agent
	tools        *chorus.ToolRegistry
	systemPrompt string
	maxIter      int
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithAgent registers a sub-agent callable as "agent_<name>" (agent.Name(),
// lowercased by the caller if desired).
func WithAgent(a chorus.Agent) Option {
	return func(s *Supervisor) { s.agents[a.Name()] = a }
}

// WithTool registers a direct tool alongside the sub-agents.
func WithTool(t chorus.Tool) Option {
	return func(s *Supervisor) { s.tools.Add(t) }
}

// WithMaxIterations caps how many router round-trips a single turn may take
// before the supervisor forces a final synthesis call (default 6).
func WithMaxIterations(n int) Option {
	return func(s *Supervisor) { s.maxIter = n }
}

// New creates a Supervisor. router decides which sub-agents/tools to call
// each iteration; systemPrompt frames that routing decision.
func New(name, description, systemPrompt string, router chorus.Provider, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:         name,
		description:  description,
		router:       router,
		agents:       make(map[string]chorus.Agent),
		tools:        chorus.NewToolRegistry(),
		systemPrompt: systemPrompt,
		maxIter:      defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Name() string        { return s.name }
func (s *Supervisor) Description() string { return s.description }

// ProcessRequest runs the routing loop to completion and returns the final
// synthesized reply.
func (s *Supervisor) ProcessRequest(ctx context.Context, req chorus.AgentRequest) (chorus.ConversationMessage, error) {
	toolDefs := s.buildToolDefs()
	messages := s.buildMessages(req)

	var lastSubAgentOutput string

	for i := 0; i < s.maxIter; i++ {
		resp, err := s.router.ChatWithTools(ctx, chorus.ChatRequest{Messages: messages}, toolDefs)
		if err != nil {
			return chorus.ConversationMessage{}, fmt.Errorf("supervisor %q: router call failed: %w", s.name, err)
		}

		if len(resp.ToolCalls) == 0 {
			content := resp.Content
			if content == "" {
				content = lastSubAgentOutput
			}
			return chorus.NewTextMessage(chorus.RoleAssistant, content), nil
		}

		messages = append(messages, chorus.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := s.dispatchParallel(ctx, resp.ToolCalls, req)
		for j, tc := range resp.ToolCalls {
			messages = append(messages, chorus.ToolResultMessage(tc.ID, results[j]))
			if _, ok := subAgentName(tc.Name); ok {
				lastSubAgentOutput = results[j]
			}
		}
	}

	messages = append(messages, chorus.UserMessage(
		"You have used all available calls. Summarize what you have and respond to the user."))
	resp, err := s.router.Chat(ctx, chorus.ChatRequest{Messages: messages})
	if err != nil {
		return chorus.ConversationMessage{}, fmt.Errorf("supervisor %q: final synthesis failed: %w", s.name, err)
	}
	return chorus.NewTextMessage(chorus.RoleAssistant, resp.Content), nil
}

// ProcessRequestStream runs the same routing loop as ProcessRequest, but
// streams the final response's token text once the router stops calling
// tools. Intermediate routing iterations are not observable on the stream.
func (s *Supervisor) ProcessRequestStream(ctx context.Context, req chorus.AgentRequest) (<-chan chorus.StreamEvent, error) {
	out := make(chan chorus.StreamEvent, 16)

	go func() {
		defer close(out)
		out <- chorus.StartEvent{}

		toolDefs := s.buildToolDefs()
		messages := s.buildMessages(req)
		var lastSubAgentOutput string

		for i := 0; i < s.maxIter; i++ {
			resp, err := s.router.ChatWithTools(ctx, chorus.ChatRequest{Messages: messages}, toolDefs)
			if err != nil {
				out <- chorus.ErrorEvent{Err: fmt.Errorf("supervisor %q: router call failed: %w", s.name, err)}
				return
			}

			if len(resp.ToolCalls) == 0 {
				content := resp.Content
				if content == "" {
					content = lastSubAgentOutput
				}
				out <- chorus.TokenEvent{Text: content}
				out <- chorus.EndEvent{FinalMessage: chorus.NewTextMessage(chorus.RoleAssistant, content)}
				return
			}

			messages = append(messages, chorus.ChatMessage{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			results := s.dispatchParallel(ctx, resp.ToolCalls, req)
			for j, tc := range resp.ToolCalls {
				messages = append(messages, chorus.ToolResultMessage(tc.ID, results[j]))
				if _, ok := subAgentName(tc.Name); ok {
					lastSubAgentOutput = results[j]
				}
			}
		}

		messages = append(messages, chorus.UserMessage(
			"You have used all available calls. Summarize what you have and respond to the user."))

		tokens := make(chan string, 64)
		resultCh := make(chan struct {
			resp chorus.ChatResponse
			err  error
		}, 1)
		go func() {
			resp, err := s.router.ChatStream(ctx, chorus.ChatRequest{Messages: messages}, tokens)
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
		out <- chorus.EndEvent{FinalMessage: chorus.NewTextMessage(chorus.RoleAssistant, result.resp.Content)}
	}()

	return out, nil
}

// dispatch routes one tool call to either a sub-agent or a direct tool.
func (s *Supervisor) dispatch(ctx context.Context, tc chorus.ToolCall, parent chorus.AgentRequest) string {
	if agentName, ok := subAgentName(tc.Name); ok {
		agent, ok := s.agents[agentName]
		if !ok {
			return fmt.Sprintf("error: unknown agent %q", agentName)
		}

		var params struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(tc.Args, &params); err != nil {
			return "error: invalid agent call args: " + err.Error()
		}

		reply, err := agent.ProcessRequest(ctx, chorus.AgentRequest{
			Input:            params.Task,
			UserID:           parent.UserID,
			SessionID:        parent.SessionID,
			AdditionalParams: parent.AdditionalParams,
		})
		if err != nil {
			return "error: " + err.Error()
		}
		return reply.Text()
	}

	result, err := s.tools.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		return "error: " + err.Error()
	}
	if result.Error != "" {
		return "error: " + result.Error
	}
	return result.Content
}

// dispatchParallel runs every tool call concurrently and returns results in
// the same order as calls.
func (s *Supervisor) dispatchParallel(ctx context.Context, calls []chorus.ToolCall, parent chorus.AgentRequest) []string {
	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc chorus.ToolCall) {
			defer wg.Done()
			results[idx] = s.dispatch(ctx, tc, parent)
		}(i, tc)
	}
	wg.Wait()
	return results
}

// buildToolDefs exposes every sub-agent as an "agent_<name>" tool alongside
// any directly registered tools.
func (s *Supervisor) buildToolDefs() []chorus.ToolDefinition {
	var defs []chorus.ToolDefinition
	for name, agent := range s.agents {
		defs = append(defs, chorus.ToolDefinition{
			Name:        "agent_" + name,
			Description: agent.Description(),
			Parameters: json.RawMessage(
				`{"type":"object","properties":{"task":{"type":"string","description":"Natural language description of the task to delegate to this agent"}},"required":["task"]}`),
		})
	}
	defs = append(defs, s.tools.AllDefinitions()...)
	return defs
}

func (s *Supervisor) buildMessages(req chorus.AgentRequest) []chorus.ChatMessage {
	var messages []chorus.ChatMessage
	if s.systemPrompt != "" {
		messages = append(messages, chorus.SystemMessage(s.systemPrompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case chorus.RoleAssistant:
			messages = append(messages, chorus.AssistantMessage(m.Text()))
		case chorus.RoleSystem:
			messages = append(messages, chorus.SystemMessage(m.Text()))
		default:
			messages = append(messages, chorus.UserMessage(m.Text()))
		}
	}
	messages = append(messages, chorus.UserMessage(req.Input))
	return messages
}

const agentToolPrefix = "agent_"

func subAgentName(toolName string) (string, bool) {
	if len(toolName) <= len(agentToolPrefix) || toolName[:len(agentToolPrefix)] != agentToolPrefix {
		return "", false
	}
	return toolName[len(agentToolPrefix):], true
}

var _ chorus.Agent = (*Supervisor)(nil)
var _ chorus.StreamingAgent = (*Supervisor)(nil)
