// Package chorus is a multi-agent conversational router: a control plane in
// front of a heterogeneous set of backends (hosted LLMs, hosted bot
// services, remote functions, supervisor ensembles) that classifies intent,
// selects one of several pluggable agents, dispatches a turn, and persists
// both sides of the exchange as durable conversation history.
//
// # Quick start
//
// Build an Orchestrator, register agents, wire a classifier and storage
// back-end, then route turns:
//
//	orch := chorus.NewOrchestrator(
//		chorus.WithMaxMessagePairsPerAgent(10),
//		chorus.WithUseDefaultAgentIfNoneIdentified(true),
//	)
//	orch.SetStorage(memorystore.New())
//	orch.SetClassifier(llmclassifier.New(provider))
//	orch.AddAgent(travelAgent)
//	orch.SetDefaultAgent("travel")
//
//	resp, err := orch.RouteRequest(ctx, "hello", "u1", "s1", nil)
//
// # Core interfaces
//
// The root package defines the contracts every other package implements:
//
//   - [Agent] / [StreamingAgent] — a dispatchable capability
//   - [Classifier] — selects an agent id and confidence for a turn
//   - [ChatStorage] — per-(user,session,agent) ordered message log
//   - [Retriever] — optional prompt-augmentation collaborator
//   - [Tracer] — optional span-based tracing
//
// # Included implementations
//
// Providers: provider/gemini, provider/openaicompat, provider/anthropic.
// Agents: agent/llmagent (hosted LLM), agent/supervisor (LLM-routed
// ensemble), agent/remotefunc (remote HTTP executor).
// Classifiers: classifier/llm.
// Storage: store/memory, store/sqlite, store/postgres.
// Retrieval: retriever/hybrid, retriever/ingest.
// Security: security/guardrail.
// Telemetry: telemetry/otel.
//
// See cmd/chorus for a complete reference application.
package chorus
