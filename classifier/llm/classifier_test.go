package llm

import (
	"context"
	"testing"

	"github.com/arklow/chorus"
)

// stubProvider returns a fixed reply, ignoring the request.
type stubProvider struct {
	reply string
	err   error
}

func (p *stubProvider) Name() string { return "stub" }
func (p *stubProvider) Chat(ctx context.Context, req chorus.ChatRequest) (chorus.ChatResponse, error) {
	if p.err != nil {
		return chorus.ChatResponse{}, p.err
	}
	return chorus.ChatResponse{Content: p.reply}, nil
}
func (p *stubProvider) ChatWithTools(ctx context.Context, req chorus.ChatRequest, tools []chorus.ToolDefinition) (chorus.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *stubProvider) ChatStream(ctx context.Context, req chorus.ChatRequest, ch chan<- string) (chorus.ChatResponse, error) {
	close(ch)
	return p.Chat(ctx, req)
}

var agents = []chorus.ClassifierAgentInfo{
	{ID: "weather-bot", Name: "Weather Bot", Description: "Answers weather questions"},
	{ID: "calendar-bot", Name: "Calendar Bot", Description: "Manages calendar events"},
}

func TestClassifySelectsAgent(t *testing.T) {
	c := New(&stubProvider{reply: `{"selected_agent":"weather-bot","confidence":0.9}`})
	c.SetAgents(agents)

	result, err := c.Classify(context.Background(), "what's the weather today?", nil)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.SelectedAgentID != "weather-bot" {
		t.Errorf("expected weather-bot, got %q", result.SelectedAgentID)
	}
	if result.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", result.Confidence)
	}
}

func TestClassifyStripsCodeFence(t *testing.T) {
	c := New(&stubProvider{reply: "```json\n{\"selected_agent\":\"calendar-bot\",\"confidence\":0.8}\n```"})
	c.SetAgents(agents)

	result, err := c.Classify(context.Background(), "schedule a meeting", nil)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.SelectedAgentID != "calendar-bot" {
		t.Errorf("expected calendar-bot, got %q", result.SelectedAgentID)
	}
}

func TestClassifyNoSelection(t *testing.T) {
	c := New(&stubProvider{reply: `{"selected_agent":"","confidence":0}`})
	c.SetAgents(agents)

	result, err := c.Classify(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.Selected() {
		t.Errorf("expected no selection, got %q", result.SelectedAgentID)
	}
}

func TestClassifyUnknownAgentIDIsTreatedAsNoSelection(t *testing.T) {
	c := New(&stubProvider{reply: `{"selected_agent":"ghost-bot","confidence":0.5}`})
	c.SetAgents(agents)

	result, err := c.Classify(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.Selected() {
		t.Errorf("expected no selection for an unregistered agent id, got %q", result.SelectedAgentID)
	}
}

func TestClassifyMalformedJSONIsError(t *testing.T) {
	c := New(&stubProvider{reply: "not json at all"})
	c.SetAgents(agents)

	_, err := c.Classify(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestClassifyNoAgentsRegisteredIsError(t *testing.T) {
	c := New(&stubProvider{reply: `{"selected_agent":"","confidence":0}`})
	_, err := c.Classify(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("expected error when no agents registered")
	}
}

func TestClassifyConfidenceClamped(t *testing.T) {
	c := New(&stubProvider{reply: `{"selected_agent":"weather-bot","confidence":1.5}`})
	c.SetAgents(agents)

	result, err := c.Classify(context.Background(), "hot out there", nil)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.Confidence != 1 {
		t.Errorf("expected confidence clamped to 1, got %v", result.Confidence)
	}
}

func TestClassifyHistoryIncludedInPrompt(t *testing.T) {
	history := []chorus.ConversationMessage{
		chorus.NewTextMessage(chorus.RoleUser, "what's the forecast?"),
		chorus.NewTextMessage(chorus.RoleAssistant, "sunny all week"),
	}
	c := New(&stubProvider{reply: `{"selected_agent":"weather-bot","confidence":0.7}`})
	c.SetAgents(agents)

	result, err := c.Classify(context.Background(), "and tomorrow?", history)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.SelectedAgentID != "weather-bot" {
		t.Errorf("expected weather-bot, got %q", result.SelectedAgentID)
	}
}

var _ chorus.Classifier = (*Classifier)(nil)
