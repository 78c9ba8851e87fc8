// Package remotefunc provides a chorus.Agent that delegates a turn to a
// remote HTTP service and lets that service call back into the local tool
// registry while the turn is in flight.
package remotefunc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arklow/chorus"
)

// Agent implements chorus.Agent by POSTing each turn to a remote endpoint.
// The remote side may call back into the local tool registry (if any) via
// the dispatch callback server before replying with the turn's final
// content.
type Agent struct {
	name        string
	description string
	endpoint    string
	tools       *chorus.ToolRegistry

	cfg       runnerConfig
	server    *callbackServer
	client    *http.Client
	startOnce sync.Once
	startErr  error
}

var _ chorus.Agent = (*Agent)(nil)

// New creates a remote-function Agent. tools may be nil if the remote
// endpoint never calls back for tool execution.
func New(name, description, endpoint string, tools *chorus.ToolRegistry, opts ...Option) *Agent {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Agent{
		name:        name,
		description: description,
		endpoint:    strings.TrimRight(endpoint, "/"),
		tools:       tools,
		cfg:         cfg,
		server:      newCallbackServer(tools),
		client:      &http.Client{},
	}
}

func (a *Agent) Name() string        { return a.name }
func (a *Agent) Description() string { return a.description }

// Handler returns the http.Handler for the dispatch callback endpoint.
// Mount this on your own mux when using WithCallbackExternal.
func (a *Agent) Handler() http.Handler { return a.server.Handler() }

// Close shuts down the auto-started callback server. No-op when
// WithCallbackExternal is set.
func (a *Agent) Close() error { return a.server.Close() }

// ProcessRequest POSTs the turn to the remote endpoint, serving tool
// callbacks from the local registry until the remote side replies.
func (a *Agent) ProcessRequest(ctx context.Context, req chorus.AgentRequest) (chorus.ConversationMessage, error) {
	if err := a.ensureStarted(); err != nil {
		return chorus.ConversationMessage{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout)
	defer cancel()

	turnID := chorus.NewID()
	a.server.register(turnID)
	defer a.server.deregister(turnID)

	body := turnRequest{
		TurnID:           turnID,
		CallbackURL:      a.callbackURL(),
		Input:            req.Input,
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		AdditionalParams: req.AdditionalParams,
	}
	for _, m := range req.History {
		body.History = append(body.History, wireMessage{Role: string(m.Role), Text: m.Text()})
	}

	resp, err := a.doTurn(ctx, body)
	if err != nil {
		return chorus.ConversationMessage{}, fmt.Errorf("remotefunc: %s: %w", a.name, err)
	}
	if resp.Error != "" {
		return chorus.ConversationMessage{}, fmt.Errorf("remotefunc: %s: remote error: %s", a.name, resp.Error)
	}

	return chorus.NewTextMessage(chorus.RoleAssistant, resp.Content), nil
}

func (a *Agent) ensureStarted() error {
	a.startOnce.Do(func() {
		if a.cfg.callbackExtAddr != "" {
			return
		}
		a.startErr = a.server.Start(a.cfg.callbackAddr)
	})
	return a.startErr
}

func (a *Agent) callbackURL() string {
	if a.cfg.callbackExtAddr != "" {
		return strings.TrimRight(a.cfg.callbackExtAddr, "/") + dispatchPath
	}
	return "http://" + a.server.Addr() + dispatchPath
}

type turnRequest struct {
	TurnID           string            `json:"turn_id"`
	CallbackURL      string            `json:"callback_url"`
	Input            string            `json:"input"`
	UserID           string            `json:"user_id"`
	SessionID        string            `json:"session_id"`
	History          []wireMessage     `json:"history,omitempty"`
	AdditionalParams map[string]string `json:"additional_params,omitempty"`
}

type wireMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type turnResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// doTurn POSTs to the remote endpoint with retry on transient failures.
func (a *Agent) doTurn(ctx context.Context, req turnRequest) (turnResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return turnResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := a.cfg.retryDelay

	for attempt := 0; attempt < a.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return turnResponse{}, ctx.Err()
			}
		}

		resp, err := a.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return turnResponse{}, err
		}
		lastErr = err
	}

	return turnResponse{}, fmt.Errorf("remote endpoint unreachable after %d attempts: %w", a.cfg.maxRetries, lastErr)
}

func (a *Agent) doOnce(ctx context.Context, body []byte) (turnResponse, error) {
	url := a.endpoint + "/process"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return turnResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return turnResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return turnResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return turnResponse{}, &serverError{code: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return turnResponse{}, fmt.Errorf("remote endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var result turnResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return turnResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

type serverError struct {
	code int
	body string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("remote endpoint returned %d: %s", e.code, e.body)
}

// isTransient reports whether err is a transient network/server error that
// should be retried.
func isTransient(err error) bool {
	if _, ok := err.(*serverError); ok {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
