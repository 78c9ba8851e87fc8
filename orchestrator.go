package chorus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Guardrail is an optional pre-classification check. A match short-circuits
// the turn straight to the general routing error message instead of
// reaching the classifier. security/guardrail provides a prompt-injection
// implementation.
type Guardrail interface {
	Check(ctx context.Context, input string) (blocked bool, reason string)
}

// OrchestratorConfig is the orchestrator's flat configuration record,
// enumerated in spec §4.1. Build it through OrchestratorOption, not mutation
// after construction.
type OrchestratorConfig struct {
	LogAgentChat                     bool
	LogClassifierChat                bool
	LogClassifierRawOutput           bool
	LogClassifierOutput              bool
	LogExecutionTimes                bool
	MaxRetries                       int
	UseDefaultAgentIfNoneIdentified  bool
	ClassificationErrorMessage       string
	NoSelectedAgentMessage           string
	GeneralRoutingErrorMessageToUser string
	MaxMessagePairsPerAgent          int

	tracer    Tracer
	logger    *slog.Logger
	guardrail Guardrail
}

func defaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxRetries:                        0,
		UseDefaultAgentIfNoneIdentified:   false,
		ClassificationErrorMessage:        "Sorry, I was unable to understand your request.",
		NoSelectedAgentMessage:            "I'm not sure which agent can help with that.",
		GeneralRoutingErrorMessageToUser: "Something went wrong while routing your request.",
		MaxMessagePairsPerAgent:           10,
	}
}

// OrchestratorOption configures an Orchestrator at construction time.
type OrchestratorOption func(*OrchestratorConfig)

func WithLogAgentChat(b bool) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.LogAgentChat = b }
}
func WithLogClassifierChat(b bool) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.LogClassifierChat = b }
}
func WithLogClassifierRawOutput(b bool) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.LogClassifierRawOutput = b }
}
func WithLogClassifierOutput(b bool) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.LogClassifierOutput = b }
}
func WithLogExecutionTimes(b bool) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.LogExecutionTimes = b }
}
func WithMaxRetries(n int) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.MaxRetries = n }
}
func WithUseDefaultAgentIfNoneIdentified(b bool) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.UseDefaultAgentIfNoneIdentified = b }
}
func WithClassificationErrorMessage(s string) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.ClassificationErrorMessage = s }
}
func WithNoSelectedAgentMessage(s string) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.NoSelectedAgentMessage = s }
}
func WithGeneralRoutingErrorMessageToUser(s string) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.GeneralRoutingErrorMessageToUser = s }
}
func WithMaxMessagePairsPerAgent(n int) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.MaxMessagePairsPerAgent = n }
}

// WithOrchestratorTracer sets the Tracer used to wrap each turn and each
// agent dispatch in spans. Classification and persistence get no span of
// their own.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.tracer = t }
}

// WithOrchestratorLogger sets the *slog.Logger the orchestrator emits to.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.logger = l }
}

// WithGuardrail attaches an optional pre-classification guardrail.
func WithGuardrail(g Guardrail) OrchestratorOption {
	return func(c *OrchestratorConfig) { c.guardrail = g }
}

// turnState names the per-turn state machine's states (spec §4.1).
type turnState string

const (
	stateReceived         turnState = "RECEIVED"
	stateClassifying      turnState = "CLASSIFYING"
	stateRetrying         turnState = "RETRYING"
	stateSelected         turnState = "SELECTED"
	stateNoSelection      turnState = "NO_SELECTION"
	stateClassifierFailed turnState = "CLASSIFIER_FAILED"
	stateDispatching      turnState = "DISPATCHING"
	stateStreaming        turnState = "STREAMING"
	statePersisting       turnState = "PERSISTING"
	stateDone             turnState = "DONE"
	stateDispatchFailed   turnState = "DISPATCH_FAILED"
)

// Orchestrator glues classification, selection, dispatch, and persistence
// into one entry point. It is stateless across turns: all per-turn state is
// local to RouteRequest/AgentProcessRequest.
type Orchestrator struct {
	cfg        OrchestratorConfig
	registry   *AgentRegistry
	classifier Classifier
	storage    ChatStorage

	wg sync.WaitGroup // tracks detached persistence goroutines, for Drain
}

// NewOrchestrator builds an Orchestrator from a flat OrchestratorConfig
// record, per spec §9.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	cfg := defaultOrchestratorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{cfg: cfg, registry: NewAgentRegistry()}
}

func (o *Orchestrator) tracer() Tracer {
	if o.cfg.tracer == nil {
		return noopTracer{}
	}
	return o.cfg.tracer
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.cfg.logger
}

// AddAgent registers an agent with the orchestrator's registry.
func (o *Orchestrator) AddAgent(agent Agent, opts ...AgentOption) error {
	_, err := o.registry.AddAgent(agent, opts...)
	return err
}

// SetDefaultAgent designates the registry's default agent.
func (o *Orchestrator) SetDefaultAgent(id string) error {
	return o.registry.SetDefault(id)
}

// AnalyzeAgentOverlap runs AgentRegistry.AnalyzeOverlap over the
// orchestrator's currently registered agents, a diagnostic deployments run
// once at startup to catch agents whose descriptions are similar enough to
// confuse the classifier.
func (o *Orchestrator) AnalyzeAgentOverlap() ([]OverlapResult, []UniquenessScore, error) {
	return o.registry.AnalyzeOverlap()
}

// SetClassifier installs the classifier and feeds it the current agent
// enumeration.
func (o *Orchestrator) SetClassifier(c Classifier) {
	o.classifier = c
	if c != nil {
		c.SetAgents(o.registry.Infos())
	}
}

// SetStorage installs the chat storage back-end.
func (o *Orchestrator) SetStorage(s ChatStorage) {
	o.storage = s
}

// Drain blocks until every detached persistence goroutine started by a
// previous RouteRequest/AgentProcessRequest call has completed, or ctx is
// done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) terminalMessage(text string) AgentResponse {
	return AgentResponse{
		Output:    NewTextMessage(RoleAssistant, text),
		Streaming: false,
	}
}

// RouteRequest is the single entry point: classify -> select -> dispatch ->
// persist -> reply.
func (o *Orchestrator) RouteRequest(ctx context.Context, input, userID, sessionID string, additionalParams map[string]string) (AgentResponse, error) {
	ctx, span := o.tracer().Start(ctx, "orchestrator.route_request", StringAttr("user_id", userID), StringAttr("session_id", sessionID))
	defer span.End()

	if o.classifier == nil {
		err := &ConfigError{Reason: "no classifier configured"}
		span.Error(err)
		return AgentResponse{}, err
	}

	if o.cfg.guardrail != nil {
		if blocked, reason := o.cfg.guardrail.Check(ctx, input); blocked {
			o.logger().WarnContext(ctx, "guardrail blocked turn", "reason", reason, "user_id", userID, "session_id", sessionID)
			return o.terminalMessage(o.cfg.GeneralRoutingErrorMessageToUser), nil
		}
	}

	merged, err := o.fetchMergedHistory(ctx, userID, sessionID)
	if err != nil {
		o.logger().WarnContext(ctx, "merged history fetch failed, continuing with empty history", "error", err)
	}

	result, classifyErr := o.classifyWithRetry(ctx, input, merged)
	if classifyErr != nil {
		span.Error(classifyErr)
		if ctx.Err() != nil {
			return AgentResponse{}, ctx.Err()
		}
		return o.terminalMessage(firstNonEmpty(o.cfg.ClassificationErrorMessage, o.cfg.GeneralRoutingErrorMessageToUser)), nil
	}

	return o.selectAndDispatch(ctx, input, userID, sessionID, result, additionalParams, false)
}

// AgentProcessRequest bypasses classification when the caller has already
// chosen an agent (e.g. from a previous RouteRequest result, or a UI that
// lets the user pick directly).
func (o *Orchestrator) AgentProcessRequest(ctx context.Context, input, userID, sessionID string, result ClassifierResult, additionalParams map[string]string, stream bool) (AgentResponse, error) {
	ctx, span := o.tracer().Start(ctx, "orchestrator.agent_process_request", StringAttr("user_id", userID), StringAttr("session_id", sessionID))
	defer span.End()
	return o.selectAndDispatch(ctx, input, userID, sessionID, result, additionalParams, stream)
}

func (o *Orchestrator) fetchMergedHistory(ctx context.Context, userID, sessionID string) ([]ConversationMessage, error) {
	if o.storage == nil {
		return nil, nil
	}
	merged, err := o.storage.FetchAllChats(ctx, userID, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "fetch_all_chats", Cause: err}
	}
	return merged, nil
}

// classifyWithRetry calls the classifier up to 1+MaxRetries times. Only a
// hard failure (the classifier returning an error) consumes a retry
// attempt; a successful call that proposes no agent returns immediately so
// selection reconciliation can apply use_default_agent_if_none_identified.
func (o *Orchestrator) classifyWithRetry(ctx context.Context, input string, merged []ConversationMessage) (ClassifierResult, error) {
	var lastErr error
	attempts := 1 + o.cfg.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ClassifierResult{}, ctx.Err()
		}
		if o.cfg.LogClassifierChat {
			o.logger().DebugContext(ctx, "classifier invocation", "attempt", attempt, "input", input)
		}
		start := time.Now()
		result, err := o.classifier.Classify(ctx, input, merged)
		if o.cfg.LogExecutionTimes {
			o.logger().DebugContext(ctx, "classifier execution time", "attempt", attempt, "duration", time.Since(start))
		}
		if err != nil {
			lastErr = err
			o.logger().WarnContext(ctx, "classifier attempt failed", "attempt", attempt, "error", err)
			continue
		}
		result.Confidence = clampConfidence(result.Confidence)
		if o.cfg.LogClassifierRawOutput {
			o.logger().DebugContext(ctx, "classifier raw output", "selected_agent_id", result.SelectedAgentID, "confidence", result.Confidence)
		}
		if result.Selected() {
			if _, ok := o.registry.GetAgent(result.SelectedAgentID); !ok {
				o.logger().WarnContext(ctx, "classifier selected unknown agent, treating as none", "agent_id", result.SelectedAgentID)
				result = ClassifierResult{}
			}
		}
		if o.cfg.LogClassifierOutput {
			o.logger().DebugContext(ctx, "classifier output", "selected_agent_id", result.SelectedAgentID, "confidence", result.Confidence)
		}
		return result, nil
	}
	return ClassifierResult{}, &ClassificationError{Reason: fmt.Sprintf("all %d attempts failed", attempts), Cause: lastErr}
}

// selectAndDispatch implements spec §4.1 steps 3-6, shared by RouteRequest
// and AgentProcessRequest.
func (o *Orchestrator) selectAndDispatch(ctx context.Context, input, userID, sessionID string, result ClassifierResult, additionalParams map[string]string, stream bool) (AgentResponse, error) {
	selected, ok := o.reconcileSelection(result)
	if !ok {
		return o.terminalMessage(firstNonEmpty(o.cfg.NoSelectedAgentMessage, o.cfg.GeneralRoutingErrorMessageToUser)), nil
	}

	history, err := o.fetchAgentHistory(ctx, userID, sessionID, selected)
	if err != nil {
		o.logger().WarnContext(ctx, "agent history fetch failed, continuing with empty history", "agent_id", selected.ID, "error", err)
	}

	req := AgentRequest{Input: input, UserID: userID, SessionID: sessionID, History: history, AdditionalParams: additionalParams}

	tracking := selected.Callbacks.fireStart(ctx, AgentStartInfo{
		AgentName: selected.Name, Input: input, Messages: history,
		AdditionalParams: additionalParams, UserID: userID, SessionID: sessionID,
	})

	useStream := (selected.Streaming || stream)
	streamingAgent, canStream := selected.Capability.(StreamingAgent)

	if useStream && canStream {
		return o.dispatchStreaming(ctx, req, selected, streamingAgent, tracking)
	}
	return o.dispatchSync(ctx, req, selected, tracking)
}

func (o *Orchestrator) reconcileSelection(result ClassifierResult) (*AgentRegistration, bool) {
	if result.Selected() {
		if reg, ok := o.registry.GetAgent(result.SelectedAgentID); ok {
			return reg, true
		}
		return nil, false
	}
	if o.cfg.UseDefaultAgentIfNoneIdentified {
		return o.registry.Default()
	}
	return nil, false
}

func (o *Orchestrator) fetchAgentHistory(ctx context.Context, userID, sessionID string, reg *AgentRegistration) ([]ConversationMessage, error) {
	if o.storage == nil {
		return nil, nil
	}
	bound := 2 * o.cfg.MaxMessagePairsPerAgent
	history, err := o.storage.FetchChat(ctx, userID, sessionID, reg.ID, bound)
	if err != nil {
		return nil, &StorageError{Op: "fetch_chat", Cause: err}
	}
	return history, nil
}

// dispatchSync invokes a non-streaming agent, recovering from panics as a
// DispatchError, and persists the exchange in the background.
func (o *Orchestrator) dispatchSync(ctx context.Context, req AgentRequest, reg *AgentRegistration, tracking any) (resp AgentResponse, dispatchErr error) {
	ctx, span := o.tracer().Start(ctx, "orchestrator.dispatch", StringAttr("agent_id", reg.ID))
	defer span.End()

	out, err := safeProcessRequest(ctx, reg.Capability, req)
	if err != nil {
		wrapped := &DispatchError{AgentID: reg.ID, Cause: err}
		span.Error(wrapped)
		reg.Callbacks.fireEnd(ctx, AgentEndInfo{AgentName: reg.Name, Messages: req.History, AgentTrackingInfo: tracking})
		return AgentResponse{}, wrapped
	}

	if reg.LogAgentChat || o.cfg.LogAgentChat {
		o.logger().DebugContext(ctx, "agent reply", "agent_id", reg.ID, "text", out.Text())
	}

	resp = AgentResponse{
		Metadata: ResponseMetadata{
			AgentID: reg.ID, AgentName: reg.Name, UserInput: req.Input,
			UserID: req.UserID, SessionID: req.SessionID, AdditionalParams: req.AdditionalParams,
		},
		Output:    out,
		Streaming: false,
	}

	reg.Callbacks.fireEnd(ctx, AgentEndInfo{AgentName: reg.Name, Response: resp, Messages: req.History, AgentTrackingInfo: tracking})

	o.persistTurnInBackground(reg, req.UserID, req.SessionID, NewTextMessage(RoleUser, req.Input), out)
	return resp, nil
}

// dispatchStreaming invokes a streaming agent and returns immediately with
// a forwarding channel; persistence happens once the stream drains.
func (o *Orchestrator) dispatchStreaming(ctx context.Context, req AgentRequest, reg *AgentRegistration, agent StreamingAgent, tracking any) (AgentResponse, error) {
	ctx, span := o.tracer().Start(ctx, "orchestrator.dispatch_stream", StringAttr("agent_id", reg.ID))

	events, err := safeProcessRequestStream(ctx, agent, req)
	if err != nil {
		span.Error(err)
		span.End()
		wrapped := &DispatchError{AgentID: reg.ID, Cause: err}
		reg.Callbacks.fireEnd(ctx, AgentEndInfo{AgentName: reg.Name, Messages: req.History, AgentTrackingInfo: tracking})
		return AgentResponse{}, wrapped
	}

	out := forwardAndPersistStream(o, ctx, span, reg, req, events, tracking)

	resp := AgentResponse{
		Metadata: ResponseMetadata{
			AgentID: reg.ID, AgentName: reg.Name, UserInput: req.Input,
			UserID: req.UserID, SessionID: req.SessionID, AdditionalParams: req.AdditionalParams,
		},
		Stream:    out,
		Streaming: true,
	}
	return resp, nil
}

// forwardAndPersistStream forwards every event from events to a new
// channel as it arrives (so the caller sees real-time tokens) while also
// accumulating the final text for background persistence, mirroring the
// teacher's drain-timeout fan-out pattern. drainTimeout bounds how long the
// background goroutine waits either for the agent's next event or for the
// caller to take a forwarded event.
const drainTimeout = 60 * time.Second

func forwardAndPersistStream(o *Orchestrator, ctx context.Context, span Span, reg *AgentRegistration, req AgentRequest, events <-chan StreamEvent, tracking any) <-chan StreamEvent {
	out := make(chan StreamEvent)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer span.End()
		defer close(out)

		detachedCtx := context.WithoutCancel(ctx)
		var finalMsg ConversationMessage
		var streamErr error
		var tokens strings.Builder
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()

	drain:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(drainTimeout)
				switch e := ev.(type) {
				case TokenEvent:
					tokens.WriteString(e.Text)
					reg.Callbacks.fireToken(detachedCtx, e.Text)
				case EndEvent:
					finalMsg = e.FinalMessage
				case ErrorEvent:
					streamErr = e.Err
					span.Error(e.Err)
				}
				select {
				case out <- ev:
				case <-detachedCtx.Done():
					return
				case <-timer.C:
					o.logger().WarnContext(detachedCtx, "stream drain timed out", "agent_id", reg.ID)
					break drain
				}
			case <-timer.C:
				o.logger().WarnContext(detachedCtx, "stream drain timed out", "agent_id", reg.ID)
				break drain
			}
		}

		if streamErr != nil {
			// No EndEvent arrived: fall back to whatever tokens were
			// streamed before the failure so the turn isn't persisted empty.
			if finalMsg.IsEmpty() && tokens.Len() > 0 {
				finalMsg = NewTextMessage(RoleAssistant, tokens.String())
			}
			finalMsg = appendTruncationMarker(finalMsg)
		}
		if finalMsg.IsEmpty() {
			// spec §9 Open Question (b): zero chunks -> empty assistant turn,
			// suppress persistence.
			reg.Callbacks.fireEnd(detachedCtx, AgentEndInfo{AgentName: reg.Name, Messages: req.History, AgentTrackingInfo: tracking})
			return
		}

		resp := AgentResponse{
			Metadata: ResponseMetadata{AgentID: reg.ID, AgentName: reg.Name, UserInput: req.Input, UserID: req.UserID, SessionID: req.SessionID, AdditionalParams: req.AdditionalParams},
			Output:   finalMsg,
		}
		reg.Callbacks.fireEnd(detachedCtx, AgentEndInfo{AgentName: reg.Name, Response: resp, Messages: req.History, AgentTrackingInfo: tracking})

		o.persistTurn(detachedCtx, reg, req.UserID, req.SessionID, NewTextMessage(RoleUser, req.Input), finalMsg)
	}()
	return out
}

func appendTruncationMarker(msg ConversationMessage) ConversationMessage {
	msg.Content = append(msg.Content, ContentBlock{Kind: BlockText, Text: "[truncated]"})
	return msg
}

// persistTurnInBackground detaches from ctx's cancellation (the caller's
// reply must not wait on storage latency) and persists the user turn then
// the assistant turn, in that order, per spec §5's ordering guarantee.
func (o *Orchestrator) persistTurnInBackground(reg *AgentRegistration, userID, sessionID string, userMsg, assistantMsg ConversationMessage) {
	if o.storage == nil || !reg.SaveChat {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.persistTurn(context.WithoutCancel(context.Background()), reg, userID, sessionID, userMsg, assistantMsg)
	}()
}

func (o *Orchestrator) persistTurn(ctx context.Context, reg *AgentRegistration, userID, sessionID string, userMsg, assistantMsg ConversationMessage) {
	if o.storage == nil || !reg.SaveChat {
		return
	}
	bound := 2 * o.cfg.MaxMessagePairsPerAgent
	if _, err := o.storage.SaveMessage(ctx, userID, sessionID, reg.ID, userMsg, bound); err != nil {
		o.logger().ErrorContext(ctx, "persist user turn failed", "agent_id", reg.ID, "error", err)
	}
	if _, err := o.storage.SaveMessage(ctx, userID, sessionID, reg.ID, assistantMsg, bound); err != nil {
		o.logger().ErrorContext(ctx, "persist assistant turn failed", "agent_id", reg.ID, "error", err)
	}
}

// safeProcessRequest recovers a panic from a misbehaving Agent and turns it
// into an error, so the orchestrator itself never crashes on dispatch.
func safeProcessRequest(ctx context.Context, agent Agent, req AgentRequest) (msg ConversationMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return agent.ProcessRequest(ctx, req)
}

func safeProcessRequestStream(ctx context.Context, agent StreamingAgent, req AgentRequest) (ch <-chan StreamEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return agent.ProcessRequestStream(ctx, req)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
