package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/CanopyHQ/xylem/internal/retrieval"
)

// ThoughtSource exposes the narrative thought stream as a retrieval source.
// It overfetches via the KNN index when available and falls back to a full
// scan otherwise; scoring and filtering belong to the caller.
type ThoughtSource struct {
	store *Store
}

func (s *Store) ThoughtSource() *ThoughtSource {
	return &ThoughtSource{store: s}
}

func (ts *ThoughtSource) Name() string               { return "thoughts" }
func (ts *ThoughtSource) Kind() retrieval.SourceKind { return retrieval.KindNarrative }

func (ts *ThoughtSource) Search(ctx context.Context, query []float32, limit int) ([]retrieval.Candidate, error) {
	if ts.store.thoughtVec != nil && ts.store.thoughtVec.available {
		results, err := ts.store.thoughtVec.Search(query, limit)
		if err == nil && len(results) > 0 {
			return ts.loadByVecResults(ctx, results)
		}
	}
	return ts.scanAll(ctx, limit)
}

func (ts *ThoughtSource) loadByVecResults(ctx context.Context, results []vecResult) ([]retrieval.Candidate, error) {
	candidates := make([]retrieval.Candidate, 0, len(results))
	for _, r := range results {
		id := strings.TrimPrefix(r.RecordID, "thoughts:")
		t, err := ts.store.GetThought(ctx, id)
		if err != nil || t == nil {
			continue // Index can lag deletions
		}
		candidates = append(candidates, thoughtCandidate(t))
	}
	return candidates, nil
}

func (ts *ThoughtSource) scanAll(ctx context.Context, limit int) ([]retrieval.Candidate, error) {
	rows, err := ts.store.db.QueryContext(ctx, `
		SELECT id, text, origin, tags, private, content_hash, embedding,
			previous_thought_id, revises_thought, branch_from, created_at
		FROM thoughts ORDER BY created_at DESC LIMIT ?
	`, scanCap(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []retrieval.Candidate
	for rows.Next() {
		t, err := scanThoughtRow(rows.Scan)
		if err != nil {
			continue
		}
		candidates = append(candidates, thoughtCandidate(t))
	}
	return candidates, rows.Err()
}

func thoughtCandidate(t *Thought) retrieval.Candidate {
	return retrieval.Candidate{
		ID:          t.ID,
		Table:       "thoughts",
		Origin:      t.Origin,
		CreatedAt:   t.CreatedAt,
		Text:        t.Text,
		Embedding:   t.Embedding,
		Tags:        t.Tags,
		Private:     t.Private,
		ContentHash: t.ContentHash,
	}
}

// GraphSource exposes entities and observations as one retrieval source.
type GraphSource struct {
	store *Store
}

func (s *Store) GraphSource() *GraphSource {
	return &GraphSource{store: s}
}

func (gs *GraphSource) Name() string               { return "graph" }
func (gs *GraphSource) Kind() retrieval.SourceKind { return retrieval.KindGraph }

func (gs *GraphSource) Search(ctx context.Context, query []float32, limit int) ([]retrieval.Candidate, error) {
	if gs.store.graphVec != nil && gs.store.graphVec.available {
		results, err := gs.store.graphVec.Search(query, limit)
		if err == nil && len(results) > 0 {
			return gs.loadByVecResults(ctx, results)
		}
	}
	return gs.scanAll(ctx, limit)
}

func (gs *GraphSource) loadByVecResults(ctx context.Context, results []vecResult) ([]retrieval.Candidate, error) {
	candidates := make([]retrieval.Candidate, 0, len(results))
	for _, r := range results {
		table, id, ok := strings.Cut(r.RecordID, ":")
		if !ok {
			continue
		}
		var c *retrieval.Candidate
		switch table {
		case "entities":
			e, err := gs.store.getEntity(ctx, id)
			if err != nil || e == nil {
				continue
			}
			c = entityCandidate(e)
		case "observations":
			o, err := gs.store.getObservation(ctx, id)
			if err != nil || o == nil {
				continue
			}
			c = observationCandidate(o)
		default:
			continue
		}
		candidates = append(candidates, *c)
	}
	return candidates, nil
}

func (gs *GraphSource) scanAll(ctx context.Context, limit int) ([]retrieval.Candidate, error) {
	cap := scanCap(limit)
	var candidates []retrieval.Candidate

	rows, err := gs.store.db.QueryContext(ctx, `
		SELECT id, name, entity_type, embedding, created_at FROM entities
		ORDER BY created_at DESC LIMIT ?
	`, cap)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e Entity
		var entityType sql.NullString
		var embeddingJSON string
		if err := rows.Scan(&e.ID, &e.Name, &entityType, &embeddingJSON, &e.CreatedAt); err != nil {
			continue
		}
		if entityType.Valid {
			e.EntityType = entityType.String
		}
		json.Unmarshal([]byte(embeddingJSON), &e.Embedding)
		candidates = append(candidates, *entityCandidate(&e))
	}
	rows.Close()

	rows, err = gs.store.db.QueryContext(ctx, `
		SELECT id, entity_id, text, origin, content_hash, embedding, created_at FROM observations
		ORDER BY created_at DESC LIMIT ?
	`, cap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var o Observation
		var hash sql.NullString
		var embeddingJSON string
		if err := rows.Scan(&o.ID, &o.EntityID, &o.Text, &o.Origin, &hash, &embeddingJSON, &o.CreatedAt); err != nil {
			continue
		}
		if hash.Valid {
			o.ContentHash = hash.String
		}
		json.Unmarshal([]byte(embeddingJSON), &o.Embedding)
		candidates = append(candidates, *observationCandidate(&o))
	}
	return candidates, rows.Err()
}

func entityCandidate(e *Entity) *retrieval.Candidate {
	text := e.Name
	if e.EntityType != "" {
		text = e.Name + " (" + e.EntityType + ")"
	}
	return &retrieval.Candidate{
		ID:          e.ID,
		Table:       "entities",
		Origin:      "tool",
		CreatedAt:   e.CreatedAt,
		Text:        text,
		Embedding:   e.Embedding,
		ContentHash: contentHash(e.Name),
	}
}

func observationCandidate(o *Observation) *retrieval.Candidate {
	return &retrieval.Candidate{
		ID:          o.ID,
		Table:       "observations",
		Origin:      o.Origin,
		CreatedAt:   o.CreatedAt,
		Text:        o.Text,
		Embedding:   o.Embedding,
		ContentHash: o.ContentHash,
	}
}

// scanCap bounds the linear-scan fallback so a large store doesn't turn
// every search into a full-table read.
func scanCap(limit int) int {
	const maxScan = 2000
	if limit <= 0 || limit > maxScan {
		return maxScan
	}
	if limit < 200 {
		return 200
	}
	return limit
}
