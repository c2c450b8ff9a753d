package index

import (
	"encoding/json"
	"fmt"

	"github.com/quillsearch/quill/internal/quillerr"
)

// RankingRuleKind names a built-in ranking rule or a custom asc/desc rule.
type RankingRuleKind string

const (
	RuleWords     RankingRuleKind = "words"
	RuleTypo      RankingRuleKind = "typo"
	RuleProximity RankingRuleKind = "proximity"
	RuleAttribute RankingRuleKind = "attribute"
	RuleSort      RankingRuleKind = "sort"
	RuleExactness RankingRuleKind = "exactness"
	RuleAsc       RankingRuleKind = "asc"
	RuleDesc      RankingRuleKind = "desc"
)

// RankingRule is one entry of the ranking rule order. Field is set only for
// asc/desc rules.
type RankingRule struct {
	Kind  RankingRuleKind `json:"kind"`
	Field string          `json:"field,omitempty"`
}

// DefaultRankingRules is the engine default order.
func DefaultRankingRules() []RankingRule {
	return []RankingRule{
		{Kind: RuleWords},
		{Kind: RuleTypo},
		{Kind: RuleProximity},
		{Kind: RuleAttribute},
		{Kind: RuleSort},
		{Kind: RuleExactness},
	}
}

// ParseRankingRule parses "words", "typo", ..., "asc(field)", "desc(field)".
func ParseRankingRule(s string) (RankingRule, error) {
	switch RankingRuleKind(s) {
	case RuleWords, RuleTypo, RuleProximity, RuleAttribute, RuleSort, RuleExactness:
		return RankingRule{Kind: RankingRuleKind(s)}, nil
	}
	var field string
	if n, _ := fmt.Sscanf(s, "asc(%s", &field); n == 1 && len(field) > 1 && field[len(field)-1] == ')' {
		return RankingRule{Kind: RuleAsc, Field: field[:len(field)-1]}, nil
	}
	if n, _ := fmt.Sscanf(s, "desc(%s", &field); n == 1 && len(field) > 1 && field[len(field)-1] == ')' {
		return RankingRule{Kind: RuleDesc, Field: field[:len(field)-1]}, nil
	}
	return RankingRule{}, quillerr.New(quillerr.CodeInvalidRankingRule,
		"invalid ranking rule %q", s)
}

// String renders the rule back to its settings form.
func (r RankingRule) String() string {
	if r.Kind == RuleAsc || r.Kind == RuleDesc {
		return fmt.Sprintf("%s(%s)", r.Kind, r.Field)
	}
	return string(r.Kind)
}

// TypoTolerance holds the typo budget knobs.
type TypoTolerance struct {
	Enabled bool `json:"enabled"`
	// MinWordSizeForOneTypo is the smallest word length granted one typo.
	MinWordSizeForOneTypo int `json:"minWordSizeForOneTypo"`
	// MinWordSizeForTwoTypos is the smallest word length granted two typos.
	MinWordSizeForTwoTypos int `json:"minWordSizeForTwoTypos"`
	// DisabledWords never match with typos.
	DisabledWords []string `json:"disableOnWords,omitempty"`
	// DisabledAttributes route their words to the exact-word table.
	DisabledAttributes []string `json:"disableOnAttributes,omitempty"`
}

// DefaultTypoTolerance mirrors the standard budget: 0 typos below 5 chars,
// 1 below 9, 2 beyond.
func DefaultTypoTolerance() TypoTolerance {
	return TypoTolerance{
		Enabled:                true,
		MinWordSizeForOneTypo:  5,
		MinWordSizeForTwoTypos: 9,
	}
}

// Settings is the per-index settings snapshot.
type Settings struct {
	// SearchableAttributes, in ranking order. Nil means all fields.
	SearchableAttributes []string `json:"searchableAttributes,omitempty"`
	// FilterableAttributes enables facet indexing for those fields.
	FilterableAttributes []string `json:"filterableAttributes,omitempty"`
	// SortableAttributes enables the reverse facet tables for those fields.
	SortableAttributes []string `json:"sortableAttributes,omitempty"`
	// DisplayedAttributes restricts returned fields. Nil means all.
	DisplayedAttributes []string `json:"displayedAttributes,omitempty"`
	// DistinctAttribute deduplicates hits by field value.
	DistinctAttribute string `json:"distinctAttribute,omitempty"`
	// RankingRules is the rule order. Nil means DefaultRankingRules.
	RankingRules []RankingRule `json:"rankingRules,omitempty"`
	// StopWords are dropped at indexing and query time.
	StopWords []string `json:"stopWords,omitempty"`
	// Synonyms maps a word to its alternatives.
	Synonyms map[string][]string `json:"synonyms,omitempty"`
	// ExactAttributes route their words to the exact-word table.
	ExactAttributes []string `json:"exactAttributes,omitempty"`
	// TypoTolerance holds the typo budget knobs.
	TypoTolerance *TypoTolerance `json:"typoTolerance,omitempty"`
	// SearchCutoffMs is the default search time budget in milliseconds.
	// Zero means no budget.
	SearchCutoffMs int64 `json:"searchCutoffMs,omitempty"`
}

// EffectiveRankingRules returns the configured order or the default.
func (s *Settings) EffectiveRankingRules() []RankingRule {
	if len(s.RankingRules) == 0 {
		return DefaultRankingRules()
	}
	return s.RankingRules
}

// EffectiveTypoTolerance returns the configured knobs or the default.
func (s *Settings) EffectiveTypoTolerance() TypoTolerance {
	if s.TypoTolerance == nil {
		return DefaultTypoTolerance()
	}
	return *s.TypoTolerance
}

// IsFilterable reports whether field (or a dot-path parent) is filterable.
func (s *Settings) IsFilterable(field string) bool {
	return attrListContains(s.FilterableAttributes, field)
}

// IsSortable reports whether field is sortable.
func (s *Settings) IsSortable(field string) bool {
	return attrListContains(s.SortableAttributes, field)
}

// IsSearchable reports whether field is searchable, and at which rank.
// Rank 0 is the best-ranked attribute.
func (s *Settings) IsSearchable(field string) (rank int, ok bool) {
	if s.SearchableAttributes == nil {
		return 0, true
	}
	for i, a := range s.SearchableAttributes {
		if a == field || a == "*" {
			return i, true
		}
	}
	return 0, false
}

// IsExactAttribute reports whether field opts out of typo tolerance.
func (s *Settings) IsExactAttribute(field string) bool {
	tt := s.EffectiveTypoTolerance()
	return attrListContains(s.ExactAttributes, field) ||
		attrListContains(tt.DisabledAttributes, field)
}

// StopWordSet materialises the stop words as a set.
func (s *Settings) StopWordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.StopWords))
	for _, w := range s.StopWords {
		set[w] = struct{}{}
	}
	return set
}

func attrListContains(list []string, field string) bool {
	for _, a := range list {
		if a == field || a == "*" {
			return true
		}
		// A filterable parent covers nested dot-paths.
		if len(field) > len(a) && field[:len(a)] == a && field[len(a)] == '.' {
			return true
		}
	}
	return false
}

// EncodeSettings serialises settings for the main table.
func EncodeSettings(s *Settings) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSettings parses a settings blob; nil data yields defaults.
func DecodeSettings(data []byte) (*Settings, error) {
	s := &Settings{}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}
