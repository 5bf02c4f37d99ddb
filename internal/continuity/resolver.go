// Package continuity validates a thought's back-references (previous, revises,
// branch-from) against the store before the thought is written. Resolution
// never fails the write: targets that do not exist yet are preserved verbatim
// so a later pass can resolve them.
package continuity

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Store is the narrow lookup the resolver needs.
type Store interface {
	Exists(ctx context.Context, table, id string) (bool, error)
}

// LinkKind identifies which back-reference a link came from. Resolution order
// is fixed: previous, then revises, then branch_from.
type LinkKind string

const (
	LinkPrevious LinkKind = "previous_thought_id"
	LinkRevises  LinkKind = "revises_thought"
	LinkBranch   LinkKind = "branch_from"
)

// State is the terminal classification of a single link.
type State string

const (
	// StateRecord means the target exists in the store.
	StateRecord State = "record"
	// StateString means the target id is well-formed but was not found (or the
	// lookup failed); the id is kept as-is for later resolution.
	StateString State = "string"
	// StateDroppedSelfLink means the target pointed at the new thought itself.
	StateDroppedSelfLink State = "dropped_self_link"
	// StateDroppedDuplicate means an earlier link already claimed this target.
	StateDroppedDuplicate State = "dropped_duplicate"
)

// Link is one resolved back-reference.
type Link struct {
	Kind   LinkKind `json:"kind"`
	Target string   `json:"target"` // canonical table:id form
	State  State    `json:"state"`
}

// Report lists the outcome for every link that was supplied.
type Report struct {
	Links []Link `json:"links"`
}

// Accepted returns the canonical target for the given kind, or "" when the
// link was dropped or never supplied.
func (r Report) Accepted(kind LinkKind) string {
	for _, l := range r.Links {
		if l.Kind == kind && (l.State == StateRecord || l.State == StateString) {
			return l.Target
		}
	}
	return ""
}

// Links holds the raw targets attached to an incoming thought. Empty fields
// are skipped.
type Links struct {
	Previous string
	Revises  string
	Branch   string
}

// Resolver validates continuity links against a store.
type Resolver struct {
	store Store
	log   *zap.Logger
}

// NewResolver creates a resolver. A nil logger falls back to zap.NewNop.
func NewResolver(store Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// Resolve classifies each supplied link independently, then applies the
// cross-link invariants: a target matching the new thought's own id is dropped
// as a self link, and a target already accepted by an earlier link is dropped
// as a duplicate. First occurrence always wins. Resolve itself never fails.
func (r *Resolver) Resolve(ctx context.Context, thoughtID string, links Links) Report {
	ordered := []struct {
		kind   LinkKind
		target string
	}{
		{LinkPrevious, links.Previous},
		{LinkRevises, links.Revises},
		{LinkBranch, links.Branch},
	}

	var report Report
	accepted := make(map[string]bool)

	for _, l := range ordered {
		if strings.TrimSpace(l.target) == "" {
			continue
		}
		table, id := Normalize(l.target)
		canonical := table + ":" + id

		// Self-link check comes before any store lookup: a thought may not
		// reference itself even if a record with that id exists.
		if thoughtID != "" && strings.Contains(canonical, thoughtID) {
			report.Links = append(report.Links, Link{Kind: l.kind, Target: canonical, State: StateDroppedSelfLink})
			continue
		}

		if accepted[canonical] {
			report.Links = append(report.Links, Link{Kind: l.kind, Target: canonical, State: StateDroppedDuplicate})
			continue
		}

		state := StateString
		found, err := r.store.Exists(ctx, table, id)
		if err != nil {
			// A store error must not abort the write; keep the id for a
			// future resolution pass.
			r.log.Warn("continuity lookup failed, keeping link as string",
				zap.String("target", canonical), zap.Error(err))
		} else if found {
			state = StateRecord
		}

		accepted[canonical] = true
		report.Links = append(report.Links, Link{Kind: l.kind, Target: canonical, State: state})
	}

	return report
}

// Normalize splits a link target into (table, id). Bare ids belong to the
// thoughts table.
func Normalize(target string) (table, id string) {
	target = strings.TrimSpace(target)
	if i := strings.IndexByte(target, ':'); i > 0 {
		return target[:i], target[i+1:]
	}
	return "thoughts", target
}
