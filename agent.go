package chorus

import "context"

// AgentRequest is the input to Agent.ProcessRequest: the utterance plus the
// agent-scoped history the orchestrator read for this turn.
type AgentRequest struct {
	Input            string
	UserID           string
	SessionID        string
	History          []ConversationMessage
	AdditionalParams map[string]string
}

// Agent is the capability contract the orchestrator dispatches to. It is
// opaque to the orchestrator: hosted LLMs, hosted bot services, remote
// functions, and supervisor ensembles all satisfy it identically.
type Agent interface {
	// Name returns the agent's human-readable name; its registry id is
	// derived from this via DeriveAgentID.
	Name() string
	// Description is used by classifiers to describe this agent in their
	// selection prompt.
	Description() string
	// ProcessRequest runs the agent on one turn and returns its reply.
	ProcessRequest(ctx context.Context, req AgentRequest) (ConversationMessage, error)
}

// StreamingAgent is the optional capability for agents that can emit a lazy
// sequence of events instead of awaiting a complete reply. The orchestrator
// type-asserts for this interface when a registration requests streaming.
type StreamingAgent interface {
	Agent
	ProcessRequestStream(ctx context.Context, req AgentRequest) (<-chan StreamEvent, error)
}

// AgentResponse is the envelope returned by RouteRequest and
// AgentProcessRequest.
type AgentResponse struct {
	Metadata  ResponseMetadata
	Output    ConversationMessage
	Stream    <-chan StreamEvent
	Streaming bool
}

// ResponseMetadata identifies which agent handled a turn and under what
// identity.
type ResponseMetadata struct {
	AgentID          string
	AgentName        string
	UserInput        string
	UserID           string
	SessionID        string
	AdditionalParams map[string]string
}

// AgentRegistration is the record spec.md calls "Agent": registry metadata
// and per-agent options layered over an opaque Agent capability.
type AgentRegistration struct {
	ID           string
	Name         string
	Description  string
	Capability   Agent
	SaveChat     bool
	Streaming    bool
	LogAgentChat bool
	Callbacks    *Callbacks
	Retriever    Retriever
	Prompt       *PromptTemplate
}

// agentOptions accumulates AgentOption settings before an AgentRegistration
// is built. Defaults mirror spec.md §4.5: save_chat defaults true.
type agentOptions struct {
	saveChat     bool
	streaming    bool
	logAgentChat bool
	callbacks    *Callbacks
	retriever    Retriever
	prompt       *PromptTemplate
}

// AgentOption configures an AgentRegistration at AddAgent time.
type AgentOption func(*agentOptions)

// WithSaveChat overrides whether the orchestrator persists this agent's
// turns. Default true.
func WithSaveChat(save bool) AgentOption {
	return func(o *agentOptions) { o.saveChat = save }
}

// WithStreaming requests streaming dispatch. Effective only if the
// registered Agent also implements StreamingAgent.
func WithStreaming(streaming bool) AgentOption {
	return func(o *agentOptions) { o.streaming = streaming }
}

// WithLogAgentChat enables per-agent chat logging for this registration.
func WithLogAgentChat(log bool) AgentOption {
	return func(o *agentOptions) { o.logAgentChat = log }
}

// WithAgentCallbacks sets the streaming/observability callback set for this
// agent.
func WithAgentCallbacks(cb *Callbacks) AgentOption {
	return func(o *agentOptions) { o.callbacks = cb }
}

// WithAgentRetriever attaches an optional Retriever the agent may consult
// before composing its final prompt. The orchestrator never calls it.
func WithAgentRetriever(r Retriever) AgentOption {
	return func(o *agentOptions) { o.retriever = r }
}

// WithCustomSystemPrompt attaches a template + variables; unresolved
// placeholders are left intact.
func WithCustomSystemPrompt(template string, variables map[string]string) AgentOption {
	return func(o *agentOptions) {
		o.prompt = &PromptTemplate{Template: template, Variables: variables}
	}
}

func buildAgentOptions(opts []AgentOption) agentOptions {
	o := agentOptions{saveChat: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
