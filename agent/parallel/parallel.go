// Package parallel implements chorus.Agent by fanning one input out to
// several sub-agents concurrently and folding their replies into a single
// combined message, for requests that benefit from more than one agent's
// independent take rather than supervisor-style delegation.
package parallel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arklow/chorus"
)

const defaultOutput = "No output generated."

// Agent runs a fixed set of sub-agents on every request and combines their
// replies.
type Agent struct {
	name          string
	description   string
	agents        []chorus.Agent
	defaultOutput string
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithDefaultOutput overrides the placeholder used for a sub-agent that
// errors or returns a message with no content blocks (default
// "No output generated.").
func WithDefaultOutput(s string) Option {
	return func(a *Agent) { a.defaultOutput = s }
}

// New creates a parallel Agent over agents. agents must be non-empty.
func New(name, description string, agents []chorus.Agent, opts ...Option) *Agent {
	a := &Agent{
		name:          name,
		description:   description,
		agents:        agents,
		defaultOutput: defaultOutput,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string        { return a.name }
func (a *Agent) Description() string { return a.description }

// ProcessRequest runs every sub-agent concurrently against req and returns
// one assistant message listing each sub-agent's name and reply, ordered by
// registration order regardless of which goroutine finishes first. A
// sub-agent that errors or returns an empty message is reported with the
// default output text rather than dropped, so the caller always sees every
// agent accounted for.
func (a *Agent) ProcessRequest(ctx context.Context, req chorus.AgentRequest) (chorus.ConversationMessage, error) {
	if len(a.agents) == 0 {
		return chorus.ConversationMessage{}, &chorus.DispatchError{AgentID: a.name, Cause: fmt.Errorf("parallel agent has no sub-agents configured")}
	}

	type result struct {
		index int
		name  string
		text  string
	}

	results := make([]result, len(a.agents))
	var wg sync.WaitGroup
	for i, sub := range a.agents {
		wg.Add(1)
		go func(i int, sub chorus.Agent) {
			defer wg.Done()
			text := a.defaultOutput
			msg, err := safeProcessRequest(ctx, sub, req)
			if err == nil && !msg.IsEmpty() {
				text = msg.Text()
			}
			results[i] = result{index: i, name: sub.Name(), text: text}
		}(i, sub)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", r.name, r.text)
	}

	return chorus.NewTextMessage(chorus.RoleAssistant, b.String()), nil
}

// safeProcessRequest recovers a panicking sub-agent so one bad agent can't
// take down the whole fan-out.
func safeProcessRequest(ctx context.Context, agent chorus.Agent, req chorus.AgentRequest) (msg chorus.ConversationMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", agent.Name(), r)
		}
	}()
	return agent.ProcessRequest(ctx, req)
}

var _ chorus.Agent = (*Agent)(nil)
