package chorus

import "context"

// RetrievedChunk is one piece of retrieved content plus arbitrary
// back-end-specific metadata.
type RetrievedChunk struct {
	Content  string
	Metadata map[string]any
}

// Retriever augments an agent's prompt with retrieved context. The
// orchestrator never calls a Retriever directly; an agent may consult its
// own optional Retriever (see WithAgentRetriever) before composing its
// final prompt.
type Retriever interface {
	// Retrieve returns ranked chunks relevant to text.
	Retrieve(ctx context.Context, text string) ([]RetrievedChunk, error)
	// RetrieveAndCombineResults retrieves and joins every non-empty chunk's
	// content with newlines, a convenience for agents that just want a
	// single context string.
	RetrieveAndCombineResults(ctx context.Context, text string) (string, error)
}

// Generator is the optional retrieve_and_generate capability: retrieval
// followed by back-end-specific synthesis (e.g. an LLM call over the
// retrieved context). Callers type-assert for it.
type Generator interface {
	RetrieveAndGenerate(ctx context.Context, text string) (any, error)
}
