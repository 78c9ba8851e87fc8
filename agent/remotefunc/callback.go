package remotefunc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/arklow/chorus"
)

const dispatchPath = "/_chorus/dispatch"

// callbackServer tracks which turns are in flight and routes tool-call
// callbacks from the remote endpoint to the local tool registry.
type callbackServer struct {
	tools *chorus.ToolRegistry

	mu      sync.RWMutex
	pending map[string]struct{} // turnID -> active

	srv  *http.Server // nil when externally mounted
	addr string
}

func newCallbackServer(tools *chorus.ToolRegistry) *callbackServer {
	return &callbackServer{tools: tools, pending: make(map[string]struct{})}
}

// Start listens on addr and serves the dispatch handler in the background.
func (cs *callbackServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	cs.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc(dispatchPath, cs.handleDispatch)
	cs.srv = &http.Server{Handler: mux}

	go cs.srv.Serve(ln)
	return nil
}

// Addr returns the resolved listen address. Valid only after Start returns nil.
func (cs *callbackServer) Addr() string { return cs.addr }

// Handler returns the http.Handler for external mux mounting.
func (cs *callbackServer) Handler() http.Handler {
	return http.HandlerFunc(cs.handleDispatch)
}

func (cs *callbackServer) register(turnID string) {
	cs.mu.Lock()
	cs.pending[turnID] = struct{}{}
	cs.mu.Unlock()
}

func (cs *callbackServer) deregister(turnID string) {
	cs.mu.Lock()
	delete(cs.pending, turnID)
	cs.mu.Unlock()
}

func (cs *callbackServer) isActive(turnID string) bool {
	cs.mu.RLock()
	_, ok := cs.pending[turnID]
	cs.mu.RUnlock()
	return ok
}

// Close shuts down the embedded server with a bounded drain timeout. No-op
// when externally mounted.
func (cs *callbackServer) Close() error {
	if cs.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cs.srv.Shutdown(ctx)
	}
	return nil
}

type dispatchRequest struct {
	TurnID string          `json:"turn_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

type dispatchResponse struct {
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleDispatch is the HTTP handler the remote endpoint POSTs tool-call
// requests to while a turn is in flight.
func (cs *callbackServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, dispatchResponse{Error: "invalid request: " + err.Error()})
		return
	}

	if !cs.isActive(req.TurnID) {
		writeJSON(w, http.StatusNotFound, dispatchResponse{Error: "unknown turn_id: " + req.TurnID})
		return
	}
	if cs.tools == nil {
		writeJSON(w, http.StatusNotFound, dispatchResponse{Error: "no tools registered"})
		return
	}

	result, err := cs.tools.Execute(r.Context(), req.Name, req.Args)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, dispatchResponse{Error: err.Error()})
		return
	}
	if result.Error != "" {
		writeJSON(w, http.StatusOK, dispatchResponse{Error: result.Error})
		return
	}
	writeJSON(w, http.StatusOK, dispatchResponse{Data: result.Content})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
