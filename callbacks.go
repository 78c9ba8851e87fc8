package chorus

import "context"

// AgentStartInfo is passed to Callbacks.OnAgentStart before an agent is
// dispatched.
type AgentStartInfo struct {
	AgentName        string
	Input            string
	Messages         []ConversationMessage
	AdditionalParams map[string]string
	UserID           string
	SessionID        string
}

// AgentEndInfo is passed to Callbacks.OnAgentEnd after an agent has produced
// a reply (or failed).
type AgentEndInfo struct {
	AgentName        string
	Response         AgentResponse
	Messages         []ConversationMessage
	AgentTrackingInfo any
}

// Callbacks is the observability/streaming notifier surface an agent
// registration may carry. Every field is optional; a nil field is simply
// not invoked.
type Callbacks struct {
	// OnAgentStart fires before dispatch and may return opaque tracking
	// info threaded through to OnAgentEnd.
	OnAgentStart func(ctx context.Context, info AgentStartInfo) (any, error)
	// OnAgentEnd fires after dispatch completes, successfully or not.
	OnAgentEnd func(ctx context.Context, info AgentEndInfo)
	// OnLLMNewToken fires once per streamed token, streaming agents only.
	OnLLMNewToken func(ctx context.Context, token string)
}

func (c *Callbacks) fireStart(ctx context.Context, info AgentStartInfo) any {
	if c == nil || c.OnAgentStart == nil {
		return nil
	}
	tracking, err := c.OnAgentStart(ctx, info)
	if err != nil {
		return nil
	}
	return tracking
}

func (c *Callbacks) fireEnd(ctx context.Context, info AgentEndInfo) {
	if c == nil || c.OnAgentEnd == nil {
		return
	}
	c.OnAgentEnd(ctx, info)
}

func (c *Callbacks) fireToken(ctx context.Context, token string) {
	if c == nil || c.OnLLMNewToken == nil {
		return
	}
	c.OnLLMNewToken(ctx, token)
}
