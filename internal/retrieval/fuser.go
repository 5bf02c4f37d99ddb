package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidParams rejects a retrieval before any I/O happens.
	ErrInvalidParams = errors.New("invalid retrieval parameters")
	// ErrEmbeddingUnavailable wraps a failure from the embedding backend.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrAllSourcesFailed is returned only when every source query failed.
	ErrAllSourcesFailed = errors.New("all retrieval sources failed")
)

// Embedder is the query-embedding dependency.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimensions() int
}

// Options control a single retrieval.
type Options struct {
	TopK           int      // result count; 0 means DefaultTopK, clamped to MaxTopK
	Floor          float64  // minimum similarity; 0 means DefaultFloor
	Mix            float64  // fraction of slots preferred for knowledge-graph sources, in [0,1]
	IncludeTags    []string // keep only candidates carrying at least one of these
	ExcludeTags    []string // drop candidates carrying any of these
	IncludePrivate bool
	MixSet         bool // distinguishes an explicit mix of 0 from the default
}

// Config holds the fixed tuning knobs for fusion.
type Config struct {
	DefaultTopK  int
	MaxTopK      int
	DefaultFloor float64
	MinFloor     float64
	FloorStep    float64
	DefaultMix   float64
	Overfetch    int // per-source fetch multiplier over TopK
	MaxTextChars int // presentation cap for candidate text
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:  10,
		MaxTopK:      50,
		DefaultFloor: 0.25,
		MinFloor:     0.05,
		FloorStep:    0.05,
		DefaultMix:   0.5,
		Overfetch:    3,
		MaxTextChars: 700,
	}
}

// Result is the ranked, deduplicated evidence set for one query.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	FloorUsed  float64     `json:"floor_used"`
}

// Fuser issues parallel similarity queries against its sources and merges the
// results. Both sources complete (or fail) before ranking begins; a failed
// source contributes zero candidates rather than aborting the retrieval.
type Fuser struct {
	embedder Embedder
	sources  []Source
	cfg      Config
	log      *zap.Logger
}

// NewFuser wires a fuser. A nil logger falls back to zap.NewNop.
func NewFuser(embedder Embedder, sources []Source, cfg Config, log *zap.Logger) *Fuser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fuser{embedder: embedder, sources: sources, cfg: cfg, log: log}
}

// Retrieve runs the full fusion pipeline for one natural-language query.
func (f *Fuser) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidParams)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = f.cfg.DefaultTopK
	}
	if topK > f.cfg.MaxTopK {
		topK = f.cfg.MaxTopK
	}
	floor := opts.Floor
	if floor <= 0 {
		floor = f.cfg.DefaultFloor
	}
	mix := f.cfg.DefaultMix
	if opts.MixSet {
		mix = opts.Mix
	}
	if mix < 0 || mix > 1 {
		return nil, fmt.Errorf("%w: mix %v outside [0,1]", ErrInvalidParams, mix)
	}

	queryVec, err := f.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	dims := len(queryVec)

	perSource, err := f.querySources(ctx, queryVec, topK*f.cfg.Overfetch)
	if err != nil {
		return nil, err
	}

	// Filter and score each source's candidates independently. The dimension
	// check is a precondition to computing any score.
	for name, cands := range perSource {
		kept := cands[:0]
		for _, c := range cands {
			if len(c.Embedding) != dims {
				continue
			}
			if c.Private && !opts.IncludePrivate {
				continue
			}
			if len(opts.IncludeTags) > 0 && !hasAnyTag(c.Tags, opts.IncludeTags) {
				continue
			}
			if hasAnyTag(c.Tags, opts.ExcludeTags) {
				continue
			}
			c.Score = cosineSimilarity(queryVec, c.Embedding)
			kept = append(kept, c)
		}
		sortCandidates(kept)
		perSource[name] = kept
	}

	floorUsed := f.adaptFloor(perSource, topK, floor)

	var kg, narrative []Candidate
	for _, src := range f.sources {
		cands := aboveFloor(perSource[src.Name()], floorUsed)
		if src.Kind() == KindGraph {
			kg = append(kg, cands...)
		} else {
			narrative = append(narrative, cands...)
		}
	}
	sortCandidates(kg)
	sortCandidates(narrative)

	merged := allocateSlots(kg, narrative, topK, mix)
	merged = dedupeByHash(merged)

	for i := range merged {
		merged[i].Tier = trustTier(merged[i].Origin, merged[i].Table)
		merged[i].Text = CapText(merged[i].Text, f.cfg.MaxTextChars)
		merged[i].Embedding = nil
	}

	return &Result{Candidates: merged, FloorUsed: floorUsed}, nil
}

// querySources runs every source concurrently and waits for all of them.
// Individual failures are logged and converted to empty result sets; only
// total failure surfaces as an error.
func (f *Fuser) querySources(ctx context.Context, queryVec []float32, limit int) (map[string][]Candidate, error) {
	perSource := make(map[string][]Candidate, len(f.sources))
	var mu sync.Mutex
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range f.sources {
		g.Go(func() error {
			cands, err := src.Search(gctx, queryVec, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.log.Warn("source query failed",
					zap.String("source", src.Name()), zap.Error(err))
				failures++
				perSource[src.Name()] = nil
				return nil
			}
			perSource[src.Name()] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(f.sources) > 0 && failures == len(f.sources) {
		return nil, ErrAllSourcesFailed
	}
	return perSource, nil
}

// adaptFloor lowers the requested floor stepwise until topK candidates
// survive across all sources or the configured minimum is reached. Returns
// the floor actually used.
func (f *Fuser) adaptFloor(perSource map[string][]Candidate, topK int, floor float64) float64 {
	minFloor := f.cfg.MinFloor
	if floor < minFloor {
		// An explicitly lower request is honored as-is; the minimum only
		// bounds how far adaptation will lower it.
		minFloor = floor
	}
	for {
		total := 0
		for _, cands := range perSource {
			total += len(aboveFloor(cands, floor))
		}
		if total >= topK || floor <= minFloor {
			return floor
		}
		floor -= f.cfg.FloorStep
		if floor < minFloor {
			floor = minFloor
		}
	}
}

// allocateSlots distributes topK result slots between the knowledge-graph and
// narrative groups per mix, backfilling either side's shortfall from the
// other so the total stays at topK whenever enough candidates exist.
func allocateSlots(kg, narrative []Candidate, topK int, mix float64) []Candidate {
	kgSlots := int(math.Round(mix * float64(topK)))
	otherSlots := topK - kgSlots

	if len(kg) < kgSlots {
		otherSlots += kgSlots - len(kg)
		kgSlots = len(kg)
	}
	if len(narrative) < otherSlots {
		spare := otherSlots - len(narrative)
		otherSlots = len(narrative)
		if kgSlots+spare <= len(kg) {
			kgSlots += spare
		} else {
			kgSlots = len(kg)
		}
	}

	out := make([]Candidate, 0, kgSlots+otherSlots)
	out = append(out, kg[:kgSlots]...)
	out = append(out, narrative[:otherSlots]...)
	return out
}

// dedupeByHash drops any candidate whose content hash was already seen.
// Input order is preserved, so the earlier (higher-ranked) occurrence wins.
func dedupeByHash(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		if c.ContentHash != "" && seen[c.ContentHash] {
			continue
		}
		seen[c.ContentHash] = true
		out = append(out, c)
	}
	return out
}

// sortCandidates orders by descending score; exact ties break stably by table
// then id so repeated retrievals are deterministic.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if cands[i].Table != cands[j].Table {
			return cands[i].Table < cands[j].Table
		}
		return cands[i].ID < cands[j].ID
	})
}

func aboveFloor(cands []Candidate, floor float64) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= floor {
			out = append(out, c)
		}
	}
	return out
}

func hasAnyTag(tags, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}
