package hybrid

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/arklow/chorus"
)

// rrfK is the Reciprocal Rank Fusion damping constant, the value the
// teacher's retriever.go used.
const rrfK = 60

// Option configures a Retriever.
type Option func(*retrieverConfig)

type retrieverConfig struct {
	keywordWeight float32
	minScore      float32
	topK          int
}

func defaultConfig() retrieverConfig {
	return retrieverConfig{keywordWeight: 0.3, topK: 5}
}

// WithKeywordWeight sets the relative weight for keyword matches in the RRF
// merge; vector weight is 1-w. Must be in [0, 1]. Default 0.3.
func WithKeywordWeight(w float32) Option {
	return func(c *retrieverConfig) { c.keywordWeight = w }
}

// WithMinScore drops fused results below this score. Default 0 (no filtering).
func WithMinScore(s float32) Option {
	return func(c *retrieverConfig) { c.minScore = s }
}

// WithTopK sets how many chunks Retrieve returns. Default 5.
func WithTopK(k int) Option {
	return func(c *retrieverConfig) { c.topK = k }
}

// Retriever implements chorus.Retriever by fusing vector similarity and
// keyword overlap rankings over a Corpus.
type Retriever struct {
	corpus    *Corpus
	embedding chorus.EmbeddingProvider
	cfg       retrieverConfig
}

var _ chorus.Retriever = (*Retriever)(nil)

// New creates a Retriever over corpus, embedding queries with embedding.
func New(corpus *Corpus, embedding chorus.EmbeddingProvider, opts ...Option) *Retriever {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Retriever{corpus: corpus, embedding: embedding, cfg: cfg}
}

// Retrieve embeds text, ranks the corpus by vector similarity and keyword
// overlap, fuses both rankings with Reciprocal Rank Fusion, and returns the
// top-scoring chunks.
func (r *Retriever) Retrieve(ctx context.Context, text string) ([]chorus.RetrievedChunk, error) {
	docs := r.corpus.snapshot()
	if len(docs) == 0 {
		return nil, nil
	}

	vecs, err := r.embedding.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("hybrid: embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("hybrid: embed query: no vector returned")
	}

	vRanked := vectorRank(docs, vecs[0])
	kRanked := keywordRank(docs, text)

	fused := fuse(vRanked, kRanked, r.cfg.keywordWeight)

	var out []chorus.RetrievedChunk
	for _, f := range fused {
		if f.score < r.cfg.minScore {
			continue
		}
		meta := map[string]any{"id": f.doc.ID, "score": f.score}
		for k, v := range f.doc.Metadata {
			meta[k] = v
		}
		out = append(out, chorus.RetrievedChunk{Content: f.doc.Content, Metadata: meta})
		if len(out) >= r.cfg.topK {
			break
		}
	}
	return out, nil
}

// RetrieveAndCombineResults retrieves and joins every chunk's content with
// newlines.
func (r *Retriever) RetrieveAndCombineResults(ctx context.Context, text string) (string, error) {
	chunks, err := r.Retrieve(ctx, text)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, c := range chunks {
		if c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	return strings.Join(parts, "\n"), nil
}

type fusedDoc struct {
	doc   Document
	score float32
}

// fuse merges two rankings with Reciprocal Rank Fusion, returning results
// sorted by fused score descending.
func fuse(vector, keyword []rankedDoc, keywordWeight float32) []fusedDoc {
	vectorWeight := 1 - keywordWeight

	type entry struct {
		doc   Document
		score float32
	}
	merged := make(map[string]*entry)

	for _, r := range vector {
		e, ok := merged[r.doc.ID]
		if !ok {
			e = &entry{doc: r.doc}
			merged[r.doc.ID] = e
		}
		e.score += vectorWeight * (1.0 / float32(rrfK+r.rank+1))
	}
	for _, r := range keyword {
		e, ok := merged[r.doc.ID]
		if !ok {
			e = &entry{doc: r.doc}
			merged[r.doc.ID] = e
		}
		e.score += keywordWeight * (1.0 / float32(rrfK+r.rank+1))
	}

	out := make([]fusedDoc, 0, len(merged))
	for _, e := range merged {
		out = append(out, fusedDoc{doc: e.doc, score: e.score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}
