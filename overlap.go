package chorus

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// OverlapResult reports how similar two registered agents' descriptions
// are, a signal that a classifier may struggle to tell them apart.
type OverlapResult struct {
	AgentA, AgentB string
	Similarity     float64 // cosine similarity in [0,1]
	Conflict       string  // "high", "medium", or "low"
}

// UniquenessScore reports how distinct one agent's description is from the
// rest of the registry (1 - average similarity to every other agent).
type UniquenessScore struct {
	AgentID string
	Score   float64
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// stopWords trims the common English function words that would otherwise
// dominate every agent description's term vector without carrying any
// distinguishing signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "to": true, "with": true, "can": true, "this": true,
}

// AnalyzeOverlap computes pairwise cosine similarity over TF-IDF vectors of
// every registered agent's description, plus a per-agent uniqueness score.
// It requires at least two registered agents. Results are sorted by
// similarity descending so the most confusable pairs surface first.
func (r *AgentRegistry) AnalyzeOverlap() ([]OverlapResult, []UniquenessScore, error) {
	infos := r.Infos()
	if len(infos) < 2 {
		return nil, nil, &ConfigError{Reason: "agent overlap analysis requires at least two registered agents"}
	}

	docs := make([][]string, len(infos))
	for i, info := range infos {
		docs[i] = tokenize(info.Description)
	}
	vectors := tfidfVectors(docs)

	var overlaps []OverlapResult
	for i := 0; i < len(infos); i++ {
		for j := i + 1; j < len(infos); j++ {
			sim := cosineSimilarity(vectors[i], vectors[j])
			overlaps = append(overlaps, OverlapResult{
				AgentA:     infos[i].ID,
				AgentB:     infos[j].ID,
				Similarity: sim,
				Conflict:   conflictLevel(sim),
			})
		}
	}
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].Similarity > overlaps[j].Similarity })

	uniqueness := make([]UniquenessScore, len(infos))
	for i := range infos {
		var total float64
		var n int
		for j := range infos {
			if i == j {
				continue
			}
			total += cosineSimilarity(vectors[i], vectors[j])
			n++
		}
		avg := 0.0
		if n > 0 {
			avg = total / float64(n)
		}
		score := 1 - avg
		if score < 0 {
			score = 0
		}
		uniqueness[i] = UniquenessScore{AgentID: infos[i].ID, Score: score}
	}

	return overlaps, uniqueness, nil
}

func conflictLevel(similarity float64) string {
	switch {
	case similarity > 0.3:
		return "high"
	case similarity > 0.1:
		return "medium"
	default:
		return "low"
	}
}

func tokenize(text string) []string {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := tokens[:0]
	for _, t := range tokens {
		if !stopWords[t] {
			out = append(out, t)
		}
	}
	return out
}

// tfidfVectors builds one term->weight map per document: term frequency
// scaled by inverse document frequency across the whole corpus.
func tfidfVectors(docs [][]string) []map[string]float64 {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range doc {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	n := float64(len(docs))
	vectors := make([]map[string]float64, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, term := range doc {
			tf[term]++
		}
		vec := make(map[string]float64, len(tf))
		for term, count := range tf {
			idf := math.Log(n / float64(df[term]))
			if idf <= 0 {
				idf = 0
			}
			vec[term] = float64(count) * idf
		}
		vectors[i] = vec
	}
	return vectors
}

func cosineSimilarity(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for term, weight := range a {
		dot += weight * b[term]
		normA += weight * weight
	}
	for _, weight := range b {
		normB += weight * weight
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
