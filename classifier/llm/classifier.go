// Package llm implements chorus.Classifier on top of a chorus.Provider,
// asking the model to pick one registered agent id by name.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arklow/chorus"
)

const systemPromptTemplate = `You are a routing classifier for a multi-agent assistant. Given the user's
message and the conversation so far, pick exactly one agent to handle it.

Available agents:
%s

Respond with ONLY a JSON object of the form:
{"selected_agent":"<agent id>","confidence":<0.0-1.0>}

If no agent is a good fit, set selected_agent to an empty string.`

// Classifier implements chorus.Classifier by asking a chorus.Provider to
// choose among the registered agents.
type Classifier struct {
	provider chorus.Provider
	agents   []chorus.ClassifierAgentInfo
}

// New creates a Classifier backed by provider. Call SetAgents before first
// use; the orchestrator does this automatically.
func New(provider chorus.Provider) *Classifier {
	return &Classifier{provider: provider}
}

func (c *Classifier) SetAgents(agents []chorus.ClassifierAgentInfo) {
	c.agents = agents
}

func (c *Classifier) Classify(ctx context.Context, input string, mergedHistory []chorus.ConversationMessage) (chorus.ClassifierResult, error) {
	if len(c.agents) == 0 {
		return chorus.ClassifierResult{}, &chorus.ClassificationError{Reason: "no agents registered"}
	}

	messages := []chorus.ChatMessage{chorus.SystemMessage(c.systemPrompt())}
	for _, m := range mergedHistory {
		messages = append(messages, historyToChatMessage(m))
	}
	messages = append(messages, chorus.UserMessage(input))

	resp, err := c.provider.Chat(ctx, chorus.ChatRequest{
		Messages:       messages,
		ResponseSchema: selectionSchema,
	})
	if err != nil {
		return chorus.ClassifierResult{}, &chorus.ClassificationError{Reason: "provider call failed", Cause: err}
	}

	result, err := parseSelection(resp.Content)
	if err != nil {
		return chorus.ClassifierResult{}, &chorus.ClassificationError{Reason: "malformed structured output", Cause: err}
	}

	if result.SelectedAgentID != "" && !c.knownAgent(result.SelectedAgentID) {
		// An id the model invented that isn't registered is treated as no
		// selection, not an error; reconciliation in the orchestrator
		// decides the fallback (default agent or no-selection message).
		return chorus.ClassifierResult{}, nil
	}

	return result, nil
}

func (c *Classifier) knownAgent(id string) bool {
	for _, a := range c.agents {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (c *Classifier) systemPrompt() string {
	var b strings.Builder
	for _, a := range c.agents {
		fmt.Fprintf(&b, "- id=%q name=%q: %s\n", a.ID, a.Name, a.Description)
	}
	return fmt.Sprintf(systemPromptTemplate, b.String())
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

// selectionSchema describes the structured {selected_agent, confidence}
// output this classifier requires.
var selectionSchema = &chorus.ResponseSchema{
	Name: "agent_selection",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"selected_agent": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["selected_agent", "confidence"]
	}`),
}

// parseSelection decodes a selection JSON object out of raw model output,
// tolerating markdown code fences the way a model sometimes wraps its reply.
func parseSelection(raw string) (chorus.ClassifierResult, error) {
	var parsed struct {
		SelectedAgent string  `json:"selected_agent"`
		Confidence    float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return chorus.ClassifierResult{}, fmt.Errorf("decode selection: %w", err)
	}

	result := chorus.ClassifierResult{
		SelectedAgentID: parsed.SelectedAgent,
		Confidence:      clampConfidence(parsed.Confidence),
	}
	return result, nil
}

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

// extractJSON finds the first JSON object in a string, stripping markdown
// code fences if present.
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

var _ chorus.Classifier = (*Classifier)(nil)
