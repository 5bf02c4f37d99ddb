// Package retrieval fuses similarity results from the narrative and
// knowledge-graph collections into one ranked, deduplicated candidate set.
package retrieval

import (
	"context"
	"math"
	"time"
)

// TrustTier is a coarse provenance classification used for presentation, not
// ranking.
type TrustTier string

const (
	TierGreen TrustTier = "green"
	TierAmber TrustTier = "amber"
	TierRed   TrustTier = "red"
)

// SourceKind distinguishes the narrative thought stream from the vetted
// knowledge-graph collections for slot allocation.
type SourceKind int

const (
	KindNarrative SourceKind = iota
	KindGraph
)

// Candidate is one unit of retrieved evidence.
type Candidate struct {
	ID          string    `json:"id"`
	Table       string    `json:"table"`
	Origin      string    `json:"origin"`
	CreatedAt   time.Time `json:"created_at"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
	Score       float64   `json:"score"`
	Tags        []string  `json:"tags,omitempty"`
	Private     bool      `json:"private,omitempty"`
	ContentHash string    `json:"content_hash"`
	Tier        TrustTier `json:"trust_tier"`
}

// Source supplies unranked candidates for a query embedding. Implementations
// overfetch; the fuser owns scoring, filtering, and ranking.
type Source interface {
	Name() string
	Kind() SourceKind
	Search(ctx context.Context, query []float32, limit int) ([]Candidate, error)
}

// trustTier derives the presentation tier from provenance. Records in the
// vetted knowledge-graph tables are green regardless of origin; narrative
// content is green only when human-authored.
func trustTier(origin, table string) TrustTier {
	switch table {
	case "entities", "observations":
		return TierGreen
	}
	switch origin {
	case "human":
		return TierGreen
	case "tool", "model":
		return TierAmber
	}
	return TierRed
}

// cosineSimilarity is only defined for equal-length, non-empty vectors;
// callers must dimension-filter first.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
