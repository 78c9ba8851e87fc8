package chorus

import (
	"fmt"
	"sync"
)

// AgentRegistry is a deterministic map of agent-id to AgentRegistration,
// with a designated default. Agents are created at construction and live
// for process lifetime; the registry never destroys them.
type AgentRegistry struct {
	mu        sync.RWMutex
	agents    map[string]*AgentRegistration
	order     []string
	defaultID string
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]*AgentRegistration)}
}

// AddAgent derives an id from agent.Name() and registers it. Duplicate ids
// are a configuration error.
func (r *AgentRegistry) AddAgent(agent Agent, opts ...AgentOption) (*AgentRegistration, error) {
	id := DeriveAgentID(agent.Name())
	if id == "" {
		return nil, &ConfigError{Reason: fmt.Sprintf("agent name %q derives an empty id", agent.Name())}
	}

	o := buildAgentOptions(opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return nil, &ConfigError{Reason: fmt.Sprintf("duplicate agent id %q", id)}
	}

	reg := &AgentRegistration{
		ID:           id,
		Name:         agent.Name(),
		Description:  agent.Description(),
		Capability:   agent,
		SaveChat:     o.saveChat,
		Streaming:    o.streaming,
		LogAgentChat: o.logAgentChat,
		Callbacks:    o.callbacks,
		Retriever:    o.retriever,
		Prompt:       o.prompt,
	}
	r.agents[id] = reg
	r.order = append(r.order, id)
	return reg, nil
}

// GetAgent looks up a registration by id.
func (r *AgentRegistry) GetAgent(id string) (*AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	return reg, ok
}

// SetDefault designates the default agent used when selection reconciliation
// opts in. Returns a ConfigError if id is not registered.
func (r *AgentRegistry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return &ConfigError{Reason: fmt.Sprintf("cannot set default: agent id %q not registered", id)}
	}
	r.defaultID = id
	return nil
}

// Default returns the designated default agent, if any.
func (r *AgentRegistry) Default() (*AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == "" {
		return nil, false
	}
	reg, ok := r.agents[r.defaultID]
	return reg, ok
}

// List returns every registration keyed by id.
func (r *AgentRegistry) List() map[string]*AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*AgentRegistration, len(r.agents))
	for id, reg := range r.agents {
		out[id] = reg
	}
	return out
}

// Infos returns {id, name, description} for every registered agent, in
// registration order — the shape a Classifier composes its selection prompt
// from.
func (r *AgentRegistry) Infos() []ClassifierAgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ClassifierAgentInfo, 0, len(r.order))
	for _, id := range r.order {
		reg := r.agents[id]
		infos = append(infos, ClassifierAgentInfo{ID: reg.ID, Name: reg.Name, Description: reg.Description})
	}
	return infos
}
