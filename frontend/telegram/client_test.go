package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arklow/chorus"
)

func overrideBaseURL(url string) func() {
	original := apiBaseURL
	apiBaseURL = url + "/"
	return func() { apiBaseURL = original }
}

func newTestBot(t *testing.T, handler http.HandlerFunc) (*Bot, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	b := New("test-token")
	b.httpClient = srv.Client()
	return b, srv
}

func TestSendSplitsLongMessages(t *testing.T) {
	var calls int
	b, srv := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":1}}}`))
	})
	defer srv.Close()

	apiBaseURLOverride := srv.URL + "/bot"
	restore := overrideBaseURL(apiBaseURLOverride)
	defer restore()

	long := strings.Repeat("a", 5000)
	if _, err := b.Send(context.Background(), "1", long); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 sendMessage calls for a 5000-char message, got %d", calls)
	}
}

func TestSendPropagatesAPIError(t *testing.T) {
	b, srv := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	})
	defer srv.Close()
	restore := overrideBaseURL(srv.URL + "/bot")
	defer restore()

	_, err := b.Send(context.Background(), "1", "hi")
	if err == nil {
		t.Fatal("expected error from failed API call")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("expected error to mention API description, got %v", err)
	}
}

type fakeOrchestratorAgent struct{ reply string }

func (a *fakeOrchestratorAgent) Name() string        { return "Echo" }
func (a *fakeOrchestratorAgent) Description() string { return "echoes" }
func (a *fakeOrchestratorAgent) ProcessRequest(ctx context.Context, req chorus.AgentRequest) (chorus.ConversationMessage, error) {
	return chorus.NewTextMessage(chorus.RoleAssistant, a.reply), nil
}

type alwaysSelect struct{}

func (alwaysSelect) SetAgents(agents []chorus.ClassifierAgentInfo) {}
func (alwaysSelect) Classify(ctx context.Context, input string, merged []chorus.ConversationMessage) (chorus.ClassifierResult, error) {
	return chorus.ClassifierResult{SelectedAgentID: "echo", Confidence: 1}, nil
}

func TestHandleMessageRoutesThroughOrchestratorAndSends(t *testing.T) {
	var sentBody map[string]any
	b, srv := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sentBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":1}}}`))
	})
	defer srv.Close()
	restore := overrideBaseURL(srv.URL + "/bot")
	defer restore()

	o := chorus.NewOrchestrator()
	o.AddAgent(&fakeOrchestratorAgent{reply: "pong"})
	o.SetClassifier(alwaysSelect{})

	msg := &Message{Text: "ping", Chat: Chat{ID: 42}, From: &User{ID: 7}}
	b.handleMessage(context.Background(), o, "", msg)

	if sentBody == nil {
		t.Fatal("expected sendMessage to be called")
	}
	if sentBody["chat_id"] != "42" {
		t.Errorf("expected chat_id 42, got %v", sentBody["chat_id"])
	}
}

func TestHandleMessageIgnoresDisallowedUser(t *testing.T) {
	var called bool
	b, srv := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})
	defer srv.Close()
	restore := overrideBaseURL(srv.URL + "/bot")
	defer restore()

	o := chorus.NewOrchestrator()
	o.AddAgent(&fakeOrchestratorAgent{reply: "pong"})
	o.SetClassifier(alwaysSelect{})

	msg := &Message{Text: "ping", Chat: Chat{ID: 42}, From: &User{ID: 7}}
	b.handleMessage(context.Background(), o, "999", msg)

	if called {
		t.Error("expected no API call for a user not matching allowedUserID")
	}
}
