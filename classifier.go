package chorus

import "context"

// ClassifierAgentInfo is the {id, name, description} triple a classifier is
// given so it can describe registered agents in its selection prompt.
type ClassifierAgentInfo struct {
	ID          string
	Name        string
	Description string
}

// ClassifierResult is a classifier's proposal: which agent to dispatch to
// and how confident it is. SelectedAgentID == "" means "no selection" —
// a nonzero Confidence alongside an empty id is not meaningful and the
// orchestrator treats it as "none" regardless.
type ClassifierResult struct {
	SelectedAgentID string
	Confidence      float64
}

// Selected reports whether the classifier proposed an agent at all.
func (r ClassifierResult) Selected() bool {
	return r.SelectedAgentID != ""
}

// Classifier selects an agent id and confidence from an utterance plus the
// cross-agent merged history. Concrete back-ends (LLM tool-calling, rules,
// embeddings) are external collaborators; the core depends only on this
// contract.
type Classifier interface {
	// SetAgents configures the enumeration of selectable agents. Called by
	// the orchestrator before first use and whenever the registry changes.
	SetAgents(agents []ClassifierAgentInfo)
	// Classify returns exactly one agent id drawn from the set passed to
	// SetAgents, or ClassifierResult{} to signal "none". Structural failures
	// (back-end unavailable, malformed structured output, missing required
	// fields) are returned as *ClassificationError and subject to the
	// orchestrator's retry policy.
	Classify(ctx context.Context, input string, mergedHistory []ConversationMessage) (ClassifierResult, error)
}

// clampConfidence clamps a raw confidence value into [0,1], the contract
// §4.2 requires of every ClassifierResult passed back to the orchestrator.
func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
