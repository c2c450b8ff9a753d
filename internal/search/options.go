// Package search executes queries against one index snapshot: it resolves
// the query graph into candidate postings, stages the ranking rules, and
// assembles the hit window.
package search

import (
	"encoding/json"
	"time"

	"github.com/quillsearch/quill/internal/quillerr"
)

// MatchingStrategy controls how the words rule relaxes the query.
type MatchingStrategy string

const (
	// MatchingLast drops query words from the end until candidates appear.
	MatchingLast MatchingStrategy = "last"
	// MatchingAll requires every query word.
	MatchingAll MatchingStrategy = "all"
	// MatchingFrequency drops the rarest words first.
	MatchingFrequency MatchingStrategy = "frequency"
)

// SortOrder is one user sort criterion.
type SortOrder struct {
	// Field is the sortable attribute. Empty when GeoPoint is set.
	Field string
	// Descending flips the order.
	Descending bool
	// GeoPoint sorts by distance to (Lat, Lng) when true.
	GeoPoint bool
	Lat, Lng float64
}

// Options are the caller-facing search parameters.
type Options struct {
	Query  string
	Offset int
	Limit  int
	// Filter is a filter expression; empty means none.
	Filter string
	// Sort is honoured by the sort ranking rule, in order.
	Sort []SortOrder
	// Strategy defaults to MatchingLast.
	Strategy MatchingStrategy
	// TimeBudget bounds ranking; zero means the index default, negative
	// means unbounded.
	TimeBudget time.Duration
	// ShowRankingScore includes per-rule score details on hits.
	ShowRankingScore bool
	// Vector searches by similarity to this embedding instead of, or
	// blended with, the query words.
	Vector []float32
	// SemanticRatio blends keyword and vector ranks in hybrid search;
	// 0 is keyword-only, 1 is vector-only.
	SemanticRatio float64
	// AttributesToRetrieve restricts returned fields. Nil means all.
	AttributesToRetrieve []string
}

// Validate normalises defaults and rejects inconsistent options.
func (o *Options) Validate() error {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Strategy == "" {
		o.Strategy = MatchingLast
	}
	switch o.Strategy {
	case MatchingLast, MatchingAll, MatchingFrequency:
	default:
		return quillerr.New(quillerr.CodeInvalidFilter,
			"unknown matching strategy %q", o.Strategy)
	}
	if o.SemanticRatio < 0 || o.SemanticRatio > 1 {
		return quillerr.New(quillerr.CodeInvalidFilter,
			"semantic ratio must be within [0, 1], got %v", o.SemanticRatio)
	}
	return nil
}

// Hit is one search result.
type Hit struct {
	DocID      uint32                     `json:"-"`
	ExternalID string                     `json:"id"`
	Document   map[string]json.RawMessage `json:"document"`
	// Scores carries per-rule details when requested.
	Scores []RuleScore `json:"rankingScoreDetails,omitempty"`
}

// RuleScore is the score one rule attached to a hit.
type RuleScore struct {
	Rule string `json:"rule"`
	// Rank is the bucket index the hit fell into (0 is best).
	Rank int `json:"rank"`
	// Skipped marks scores synthesised after the time budget expired.
	Skipped bool `json:"skipped,omitempty"`
}

// Result is a completed search.
type Result struct {
	Hits           []Hit
	EstimatedTotal uint64
	ProcessingTime time.Duration
	// Degraded is set when the time budget cut ranking short.
	Degraded bool
}

// TimeBudget tracks the ranking deadline.
type TimeBudget struct {
	deadline time.Time
	forced   bool
}

// NewTimeBudget starts a budget of d from now. d == 0 returns an already
// exhausted budget; d < 0 returns an unbounded one.
func NewTimeBudget(d time.Duration) *TimeBudget {
	switch {
	case d < 0:
		return &TimeBudget{}
	case d == 0:
		return &TimeBudget{forced: true}
	default:
		return &TimeBudget{deadline: time.Now().Add(d)}
	}
}

// Exhausted reports whether the budget is spent.
func (b *TimeBudget) Exhausted() bool {
	if b.forced {
		return true
	}
	if b.deadline.IsZero() {
		return false
	}
	return time.Now().After(b.deadline)
}
