// Package hybrid implements chorus.Retriever by fusing vector similarity and
// keyword overlap over an in-memory document corpus using Reciprocal Rank
// Fusion.
package hybrid

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/arklow/chorus"
)

// Document is one unit of retrievable content plus its cached embedding.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
	Vector   []float32
}

// Corpus holds documents embedded ahead of time for retrieval. It is safe
// for concurrent use.
type Corpus struct {
	mu   sync.RWMutex
	docs []Document
}

// NewCorpus creates an empty Corpus.
func NewCorpus() *Corpus {
	return &Corpus{}
}

// Add embeds content via embedding and stores it under id. Calling Add
// again with the same id replaces the prior document.
func (c *Corpus) Add(ctx context.Context, embedding chorus.EmbeddingProvider, id, content string, metadata map[string]any) error {
	vecs, err := embedding.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("hybrid: embed document %q: %w", id, err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("hybrid: embed document %q: no vector returned", id)
	}

	doc := Document{ID: id, Content: content, Metadata: metadata, Vector: vecs[0]}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.docs {
		if existing.ID == id {
			c.docs[i] = doc
			return nil
		}
	}
	c.docs = append(c.docs, doc)
	return nil
}

// Remove deletes the document with the given id, if present.
func (c *Corpus) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.docs {
		if d.ID == id {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return
		}
	}
}

// Len reports how many documents are in the corpus.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

func (c *Corpus) snapshot() []Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Document, len(c.docs))
	copy(out, c.docs)
	return out
}

type rankedDoc struct {
	doc  Document
	rank int
}

// vectorRank orders documents by cosine similarity to query, descending.
func vectorRank(docs []Document, query []float32) []rankedDoc {
	type scored struct {
		doc   Document
		score float32
	}
	scoredDocs := make([]scored, 0, len(docs))
	for _, d := range docs {
		scoredDocs = append(scoredDocs, scored{doc: d, score: cosineSimilarity(query, d.Vector)})
	}
	sort.Slice(scoredDocs, func(i, j int) bool { return scoredDocs[i].score > scoredDocs[j].score })

	ranked := make([]rankedDoc, len(scoredDocs))
	for i, s := range scoredDocs {
		ranked[i] = rankedDoc{doc: s.doc, rank: i}
	}
	return ranked
}

// keywordRank orders documents by term-overlap score against query, descending.
func keywordRank(docs []Document, query string) []rankedDoc {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		doc   Document
		score int
	}
	var scoredDocs []scored
	for _, d := range docs {
		content := strings.ToLower(d.Content)
		score := 0
		for _, t := range terms {
			score += strings.Count(content, t)
		}
		if score > 0 {
			scoredDocs = append(scoredDocs, scored{doc: d, score: score})
		}
	}
	sort.Slice(scoredDocs, func(i, j int) bool { return scoredDocs[i].score > scoredDocs[j].score })

	ranked := make([]rankedDoc, len(scoredDocs))
	for i, s := range scoredDocs {
		ranked[i] = rankedDoc{doc: s.doc, rank: i}
	}
	return ranked
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
