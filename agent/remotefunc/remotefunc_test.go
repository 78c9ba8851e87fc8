package remotefunc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arklow/chorus"
)

// mockRemote creates a test server that simulates a remote /process endpoint.
func mockRemote(t *testing.T, handler func(req turnRequest) turnResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read error", 500)
			return
		}
		var req turnRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "parse error", 400)
			return
		}
		resp := handler(req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestAgent_SimpleTurn(t *testing.T) {
	remote := mockRemote(t, func(req turnRequest) turnResponse {
		return turnResponse{Content: "hello " + req.Input}
	})
	defer remote.Close()

	a := New("echo", "echoes input", remote.URL, nil)
	defer a.Close()

	msg, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text() != "hello world" {
		t.Errorf("expected 'hello world', got %q", msg.Text())
	}
	if msg.Role != chorus.RoleAssistant {
		t.Errorf("expected assistant role, got %q", msg.Role)
	}
}

func TestAgent_SessionAndUserPassed(t *testing.T) {
	var gotUser, gotSession string
	remote := mockRemote(t, func(req turnRequest) turnResponse {
		gotUser = req.UserID
		gotSession = req.SessionID
		return turnResponse{Content: "ok"}
	})
	defer remote.Close()

	a := New("agent", "desc", remote.URL, nil)
	defer a.Close()

	_, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{
		Input: "hi", UserID: "u1", SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "u1" || gotSession != "s1" {
		t.Errorf("expected user=u1 session=s1, got user=%q session=%q", gotUser, gotSession)
	}
}

func TestAgent_ToolCallback(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req turnRequest
		json.Unmarshal(body, &req)

		payload := fmt.Sprintf(`{"turn_id":%q,"name":"greet","args":{"name":"world"}}`, req.TurnID)
		resp, err := http.Post(req.CallbackURL, "application/json", strings.NewReader(payload))
		if err != nil {
			json.NewEncoder(w).Encode(turnResponse{Error: "callback failed"})
			return
		}
		defer resp.Body.Close()
		var cbResp dispatchResponse
		json.NewDecoder(resp.Body).Decode(&cbResp)

		json.NewEncoder(w).Encode(turnResponse{Content: cbResp.Data})
	}))
	defer remote.Close()

	tools := chorus.NewToolRegistry()
	tools.Add(&greetTool{})

	a := New("agent", "desc", remote.URL, tools)
	defer a.Close()

	msg, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "call greet"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text() != "hello world" {
		t.Errorf("expected 'hello world', got %q", msg.Text())
	}
}

type greetTool struct{}

func (g *greetTool) Definitions() []chorus.ToolDefinition {
	return []chorus.ToolDefinition{{Name: "greet", Description: "greets"}}
}

func (g *greetTool) Execute(ctx context.Context, name string, args json.RawMessage) (chorus.ToolResult, error) {
	var a struct{ Name string }
	json.Unmarshal(args, &a)
	return chorus.ToolResult{Content: "hello " + a.Name}, nil
}

func TestAgent_Timeout(t *testing.T) {
	done := make(chan struct{})
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(10 * time.Second):
		case <-done:
		}
	}))
	defer func() {
		close(done)
		remote.Close()
	}()

	a := New("agent", "desc", remote.URL, nil, WithTimeout(200*time.Millisecond), WithMaxRetries(1))
	defer a.Close()

	_, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "hi"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestAgent_RetryOnTransient(t *testing.T) {
	var attempts atomic.Int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			http.NotFound(w, r)
			return
		}
		n := attempts.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"busy"}`))
			return
		}
		json.NewEncoder(w).Encode(turnResponse{Content: "retried"})
	}))
	defer remote.Close()

	a := New("agent", "desc", remote.URL, nil, WithMaxRetries(2), WithRetryDelay(10*time.Millisecond))
	defer a.Close()

	msg, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "hi"})
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if msg.Text() != "retried" {
		t.Errorf("expected 'retried', got %q", msg.Text())
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestAgent_RemoteError(t *testing.T) {
	remote := mockRemote(t, func(req turnRequest) turnResponse {
		return turnResponse{Error: "boom"}
	})
	defer remote.Close()

	a := New("agent", "desc", remote.URL, nil)
	defer a.Close()

	_, err := a.ProcessRequest(context.Background(), chorus.AgentRequest{Input: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAgent_ExternalMount(t *testing.T) {
	remote := mockRemote(t, func(req turnRequest) turnResponse {
		return turnResponse{Content: "mounted"}
	})
	defer remote.Close()

	a := New("agent", "desc", remote.URL, nil, WithCallbackExternal("http://myapp:8080"))
	defer a.Close()

	url := a.callbackURL()
	if url != "http://myapp:8080/_chorus/dispatch" {
		t.Errorf("expected external callback URL, got %q", url)
	}
}

func TestAgent_NameAndDescription(t *testing.T) {
	a := New("my-agent", "does things", "http://localhost", nil)
	if a.Name() != "my-agent" {
		t.Errorf("expected name 'my-agent', got %q", a.Name())
	}
	if a.Description() != "does things" {
		t.Errorf("expected description 'does things', got %q", a.Description())
	}
}
