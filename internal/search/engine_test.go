package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/indexer"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

func buildIndex(t *testing.T, settings *index.Settings, docs ...map[string]any) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir(), "movies", kvenv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	if settings != nil {
		require.NoError(t, idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
			return idx.PutSettings(wtxn, settings)
		}))
	}

	raws := make([]documents.Raw, 0, len(docs))
	for _, d := range docs {
		raw := make(documents.Raw, len(d))
		for k, v := range d {
			encoded, err := json.Marshal(v)
			require.NoError(t, err)
			raw[k] = encoded
		}
		raws = append(raws, raw)
	}
	require.NoError(t, idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		_, err := indexer.IndexDocuments(context.Background(), wtxn, idx,
			[]indexer.Operation{{Kind: indexer.OpReplace, Documents: raws}}, indexer.Config{})
		return err
	}))
	return idx
}

func runSearch(t *testing.T, idx *index.Index, opts Options) *Result {
	t.Helper()
	engine := NewEngine(idx)
	var result *Result
	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		var err error
		result, err = engine.Search(rtxn, opts)
		return err
	}))
	return result
}

func externalIDs(result *Result) []string {
	out := make([]string, 0, len(result.Hits))
	for _, h := range result.Hits {
		out = append(out, h.ExternalID)
	}
	return out
}

func TestSearch_ExactnessTieBreak(t *testing.T) {
	// Spec scenario 1: "hello" returns [1, 2]; doc 1 wins on exactness.
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "Hello"},
		map[string]any{"id": 2, "title": "Hello World"},
	)
	result := runSearch(t, idx, Options{Query: "hello"})
	assert.Equal(t, []string{"1", "2"}, externalIDs(result))
	assert.False(t, result.Degraded)
	assert.Equal(t, uint64(2), result.EstimatedTotal)
}

func TestSearch_MoreWordsRankHigher(t *testing.T) {
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "the quick brown fox"},
		map[string]any{"id": 2, "title": "quick fox"},
		map[string]any{"id": 3, "title": "quick brown fox"},
	)
	result := runSearch(t, idx, Options{Query: "quick brown fox"})
	require.Len(t, result.Hits, 3)
	// Docs matching all three words beat the two-word match.
	assert.Equal(t, "2", result.Hits[2].ExternalID)
}

func TestSearch_TypoTolerance(t *testing.T) {
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "wonderful world"},
		map[string]any{"id": 2, "title": "wanderful world"},
	)
	// One substitution within budget for a 9-char word.
	result := runSearch(t, idx, Options{Query: "wonderful"})
	require.Len(t, result.Hits, 2)
	// The exact match ranks first.
	assert.Equal(t, "1", result.Hits[0].ExternalID)
}

func TestSearch_PrefixOnLastWord(t *testing.T) {
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "hello world"},
		map[string]any{"id": 2, "title": "help wanted"},
	)
	result := runSearch(t, idx, Options{Query: "hel"})
	assert.Len(t, result.Hits, 2)

	// With trailing whitespace the prefix expansion is disabled and "hel"
	// matches nothing (too short for typos).
	result = runSearch(t, idx, Options{Query: "hel "})
	assert.Empty(t, result.Hits)
}

func TestSearch_PhraseMatching(t *testing.T) {
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "hello wonderful world"},
		map[string]any{"id": 2, "title": "world hello"},
		map[string]any{"id": 3, "title": "hello world"},
	)
	result := runSearch(t, idx, Options{Query: `"hello world"`})
	assert.Equal(t, []string{"3"}, externalIDs(result))
}

func TestSearch_FilterIntersection(t *testing.T) {
	settings := &index.Settings{FilterableAttributes: []string{"price"}}
	idx := buildIndex(t, settings,
		map[string]any{"id": 1, "title": "movie", "price": 10},
		map[string]any{"id": 2, "title": "movie", "price": 20},
		map[string]any{"id": 3, "title": "movie", "price": 30},
		map[string]any{"id": 4, "title": "movie", "price": 40},
		map[string]any{"id": 5, "title": "movie", "price": 50},
	)
	result := runSearch(t, idx, Options{Query: "movie", Filter: "price >= 20 AND price < 40"})
	assert.ElementsMatch(t, []string{"2", "3"}, externalIDs(result))
}

func TestSearch_SortRule(t *testing.T) {
	settings := &index.Settings{
		SortableAttributes:   []string{"price"},
		FilterableAttributes: []string{"price"},
	}
	idx := buildIndex(t, settings,
		map[string]any{"id": 1, "title": "movie", "price": 30},
		map[string]any{"id": 2, "title": "movie", "price": 10},
		map[string]any{"id": 3, "title": "movie", "price": 20},
	)
	result := runSearch(t, idx, Options{Query: "movie", Sort: []SortOrder{{Field: "price"}}})
	assert.Equal(t, []string{"2", "3", "1"}, externalIDs(result))

	result = runSearch(t, idx, Options{Query: "movie", Sort: []SortOrder{{Field: "price", Descending: true}}})
	assert.Equal(t, []string{"1", "3", "2"}, externalIDs(result))
}

func TestSearch_SortOnUnsortableFieldErrors(t *testing.T) {
	idx := buildIndex(t, nil, map[string]any{"id": 1, "title": "movie"})
	engine := NewEngine(idx)
	err := idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		_, err := engine.Search(rtxn, Options{Query: "movie", Sort: []SortOrder{{Field: "price"}}})
		return err
	})
	require.Error(t, err)
	assert.Equal(t, quillerr.CodeInvalidSort, quillerr.CodeOf(err))
}

func TestSearch_ZeroTimeBudgetIsDegraded(t *testing.T) {
	// Spec B3 and scenario 5: a zero budget returns degraded results that
	// still honour the filter, with candidates unranked.
	settings := &index.Settings{FilterableAttributes: []string{"price"}}
	idx := buildIndex(t, settings,
		map[string]any{"id": 1, "title": "hello puppy kefir", "price": 10},
		map[string]any{"id": 2, "title": "hello puppy", "price": 20},
		map[string]any{"id": 3, "title": "hello kefir", "price": 30},
	)
	result := runSearch(t, idx, Options{
		Query:      "hello puppy kefir",
		TimeBudget: time.Nanosecond, // effectively exhausted at the first check
		Filter:     "price < 25",
	})
	assert.True(t, result.Degraded)
	for _, id := range externalIDs(result) {
		assert.Contains(t, []string{"1", "2"}, id, "filter still applies when degraded")
	}
}

func TestSearch_OffsetLimitWindow(t *testing.T) {
	var docs []map[string]any
	for i := 1; i <= 10; i++ {
		docs = append(docs, map[string]any{"id": i, "title": "hello"})
	}
	idx := buildIndex(t, nil, docs...)

	page1 := runSearch(t, idx, Options{Query: "hello", Limit: 3})
	page2 := runSearch(t, idx, Options{Query: "hello", Offset: 3, Limit: 3})
	require.Len(t, page1.Hits, 3)
	require.Len(t, page2.Hits, 3)
	assert.NotEqual(t, externalIDs(page1), externalIDs(page2))
	assert.Equal(t, uint64(10), page1.EstimatedTotal)
}

func TestSearch_MatchingStrategyAll(t *testing.T) {
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "hello world"},
		map[string]any{"id": 2, "title": "hello"},
	)
	result := runSearch(t, idx, Options{Query: "hello world", Strategy: MatchingAll})
	assert.Equal(t, []string{"1"}, externalIDs(result))

	result = runSearch(t, idx, Options{Query: "hello world", Strategy: MatchingLast})
	assert.Equal(t, []string{"1", "2"}, externalIDs(result))
}

func TestSearch_EmptyQueryReturnsFiltered(t *testing.T) {
	settings := &index.Settings{FilterableAttributes: []string{"genre"}}
	idx := buildIndex(t, settings,
		map[string]any{"id": 1, "title": "a", "genre": "horror"},
		map[string]any{"id": 2, "title": "b", "genre": "comedy"},
	)
	result := runSearch(t, idx, Options{Filter: "genre = horror"})
	assert.Equal(t, []string{"1"}, externalIDs(result))

	result = runSearch(t, idx, Options{})
	assert.Len(t, result.Hits, 2)
}

func TestSearch_DistinctAttribute(t *testing.T) {
	settings := &index.Settings{DistinctAttribute: "franchise"}
	idx := buildIndex(t, settings,
		map[string]any{"id": 1, "title": "alien", "franchise": "alien"},
		map[string]any{"id": 2, "title": "alien resurrection", "franchise": "alien"},
		map[string]any{"id": 3, "title": "alien vs predator", "franchise": "predator"},
	)
	result := runSearch(t, idx, Options{Query: "alien"})
	// One hit per franchise value.
	assert.Len(t, result.Hits, 2)
}

func TestSearch_RankingScoreDetails(t *testing.T) {
	idx := buildIndex(t, nil,
		map[string]any{"id": 1, "title": "hello"},
	)
	result := runSearch(t, idx, Options{Query: "hello", ShowRankingScore: true})
	require.Len(t, result.Hits, 1)
	require.NotEmpty(t, result.Hits[0].Scores)
	assert.Equal(t, "words", result.Hits[0].Scores[0].Rule)
}
