package llmagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/arklow/chorus"
)

type stubProvider struct {
	replies []chorus.ChatResponse
	calls   int
	tools   bool
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) next() chorus.ChatResponse {
	r := p.replies[p.calls]
	p.calls++
	return r
}

func (p *stubProvider) Chat(ctx context.Context, req chorus.ChatRequest) (chorus.ChatResponse, error) {
	return p.next(), nil
}

func (p *stubProvider) ChatWithTools(ctx context.Context, req chorus.ChatRequest, tools []chorus.ToolDefinition) (chorus.ChatResponse, error) {
	p.tools = true
	return p.next(), nil
}

func (p *stubProvider) ChatStream(ctx context.Context, req chorus.ChatRequest, ch chan<- string) (chorus.ChatResponse, error) {
	resp := p.next()
	for _, r := range []rune(resp.Content) {
		ch <- string(r)
	}
	close(ch)
	return resp, nil
}

type echoTool struct{}

func (echoTool) Definitions() []chorus.ToolDefinition {
	return []chorus.ToolDefinition{{Name: "echo", Description: "echoes input"}}
}

func (echoTool) Execute(ctx context.Context, name string, args json.RawMessage) (chorus.ToolResult, error) {
	return chorus.ToolResult{Content: "echoed: " + string(args)}, nil
}

func TestProcessRequestReturnsText(t *testing.T) {
	p := &stubProvider{replies: []chorus.ChatResponse{{Content: "hi there"}}}
	a := New("Greeter", "says hello", "You are friendly.", p)

	resp, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "hello"})
	if err != nil {
		t.Fatalf("ProcessRequest returned error: %v", err)
	}
	if resp.Text() != "hi there" {
		t.Errorf("expected 'hi there', got %q", resp.Text())
	}
	if resp.Role != chorus.RoleAssistant {
		t.Errorf("expected assistant role, got %q", resp.Role)
	}
}

func TestProcessRequestWithToolCall(t *testing.T) {
	p := &stubProvider{replies: []chorus.ChatResponse{
		{ToolCalls: []chorus.ToolCall{{ID: "call1", Name: "echo", Args: json.RawMessage(`{"x":1}`)}}},
		{Content: "done"},
	}}
	reg := chorus.NewToolRegistry()
	reg.Add(echoTool{})
	a := New("Tooler", "uses tools", "", p, WithTools(reg))

	resp, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "run echo"})
	if err != nil {
		t.Fatalf("ProcessRequest returned error: %v", err)
	}
	if resp.Text() != "done" {
		t.Errorf("expected 'done', got %q", resp.Text())
	}
	if !p.tools {
		t.Error("expected ChatWithTools to be used")
	}
}

func TestProcessRequestStreamEmitsTokensAndEnd(t *testing.T) {
	p := &stubProvider{replies: []chorus.ChatResponse{{Content: "ok"}}}
	a := New("Streamer", "streams", "", p)

	events, err := a.ProcessRequestStream(context.Background(), chorus.AgentRequest{Input: "go"})
	if err != nil {
		t.Fatalf("ProcessRequestStream returned error: %v", err)
	}

	var tokens []string
	var final chorus.ConversationMessage
	sawStart, sawEnd := false, false
	for ev := range events {
		switch e := ev.(type) {
		case chorus.StartEvent:
			sawStart = true
		case chorus.TokenEvent:
			tokens = append(tokens, e.Text)
		case chorus.EndEvent:
			sawEnd = true
			final = e.FinalMessage
		case chorus.ErrorEvent:
			t.Fatalf("unexpected error event: %v", e.Err)
		}
	}

	if !sawStart || !sawEnd {
		t.Fatalf("expected start and end events, got start=%v end=%v", sawStart, sawEnd)
	}
	if len(tokens) != 2 {
		t.Errorf("expected 2 tokens for 'ok', got %d: %v", len(tokens), tokens)
	}
	if final.Text() != "ok" {
		t.Errorf("expected final message 'ok', got %q", final.Text())
	}
}

func TestHistoryIsIncludedInRequest(t *testing.T) {
	p := &stubProvider{replies: []chorus.ChatResponse{{Content: "reply"}}}
	a := New("Chatter", "chats", "be nice", p)

	history := []chorus.ConversationMessage{
		chorus.NewTextMessage(chorus.RoleUser, "earlier question"),
		chorus.NewTextMessage(chorus.RoleAssistant, "earlier answer"),
	}
	_, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "follow up", History: history})
	if err != nil {
		t.Fatalf("ProcessRequest returned error: %v", err)
	}
}

var _ chorus.Agent = (*Agent)(nil)
