package search

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/filter"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/querytree"
	"github.com/quillsearch/quill/internal/quillerr"
	"github.com/quillsearch/quill/internal/vector"
)

// filterCacheSize bounds the per-engine (filter → candidates) cache.
const filterCacheSize = 256

// Engine executes searches against one index.
type Engine struct {
	idx      *index.Index
	vecStore *vector.Store
	// filterCache memoises evaluated filter expressions by their text; it
	// is emptied only by Invalidate.
	filterCache *lru.Cache[string, *roaring.Bitmap]
}

// NewEngine builds a search engine over idx.
func NewEngine(idx *index.Index) *Engine {
	cache, _ := lru.New[string, *roaring.Bitmap](filterCacheSize)
	return &Engine{
		idx:         idx,
		vecStore:    vector.NewStore(index.TableVectors),
		filterCache: cache,
	}
}

// Invalidate drops the per-engine caches after a committed write.
func (e *Engine) Invalidate() {
	e.vecStore.Invalidate()
	e.filterCache.Purge()
}

// InvalidateVectors drops the cached vector graph after a write.
func (e *Engine) InvalidateVectors() { e.vecStore.Invalidate() }

type scoredDoc struct {
	docid  uint32
	scores []RuleScore
}

// collector accumulates ranked docids until the window is full.
type collector struct {
	want int
	docs []scoredDoc
}

func (c *collector) full() bool { return len(c.docs) >= c.want }

func (c *collector) emit(docids *roaring.Bitmap, scores []RuleScore) {
	it := docids.Iterator()
	for it.HasNext() && !c.full() {
		c.docs = append(c.docs, scoredDoc{
			docid:  it.Next(),
			scores: append([]RuleScore(nil), scores...),
		})
	}
}

// Search runs a query and assembles the hit window.
func (e *Engine) Search(rtxn *kvenv.ReadTxn, opts Options) (*Result, error) {
	start := time.Now()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	settings, err := e.idx.Settings(rtxn)
	if err != nil {
		return nil, err
	}
	fields, err := e.idx.FieldIDMap(rtxn)
	if err != nil {
		return nil, err
	}
	universe, err := e.idx.DocumentIDs(rtxn)
	if err != nil {
		return nil, err
	}

	budgetDuration := opts.TimeBudget
	if budgetDuration == 0 && settings.SearchCutoffMs > 0 {
		budgetDuration = time.Duration(settings.SearchCutoffMs) * time.Millisecond
	}
	if budgetDuration == 0 && opts.TimeBudget == 0 {
		// No caller budget, no index cutoff: unbounded.
		budgetDuration = -1
	}
	budget := NewTimeBudget(budgetDuration)

	// Filters apply as an initial intersection over the universe.
	filtered := universe
	if opts.Filter != "" {
		if cached, ok := e.filterCache.Get(opts.Filter); ok {
			filtered = cached.Clone()
		} else {
			expr, err := filter.Parse(opts.Filter)
			if err != nil {
				return nil, err
			}
			ev := filter.NewEvaluator(rtxn, e.idx, settings, fields, universe)
			filtered, err = ev.Evaluate(expr)
			if err != nil {
				return nil, err
			}
			e.filterCache.Add(opts.Filter, filtered.Clone())
		}
	}

	for _, order := range opts.Sort {
		if !order.GeoPoint && !settings.IsSortable(order.Field) {
			return nil, quillerr.New(quillerr.CodeInvalidSort,
				"attribute %q is not sortable; add it to sortableAttributes", order.Field)
		}
	}

	rk := &ranker{
		rtxn:       rtxn,
		idx:        e.idx,
		settings:   settings,
		fields:     fields,
		sortOrders: opts.Sort,
		queryVec:   opts.Vector,
	}
	if opts.Vector != nil {
		rk.vecStore = e.vecStore
	}

	// Resolve the query graph into per-position postings.
	candidates := filtered
	if opts.Query != "" {
		graph := querytree.Build(opts.Query, settings)
		res, err := newResolver(rtxn, e.idx)
		if err != nil {
			return nil, err
		}
		rk.positions, err = res.resolveGraph(graph)
		if err != nil {
			return nil, err
		}
		candidates = roaring.And(filtered, e.initialCandidates(rk.positions, opts.Strategy))
	}

	rules, err := e.buildRuleChain(rk, settings, opts)
	if err != nil {
		return nil, err
	}

	coll := &collector{want: opts.Offset + opts.Limit}
	degraded := e.rank(rules, candidates, nil, coll, budget)

	// Hybrid search fuses a vector-only pass with the keyword ranking.
	if opts.Vector != nil && opts.SemanticRatio > 0 && opts.Query != "" {
		if err := e.fuseSemantic(rtxn, rk, filtered, coll, opts); err != nil {
			return nil, err
		}
	}

	if settings.DistinctAttribute != "" {
		if err := e.dedupeDistinct(rtxn, fields, settings.DistinctAttribute, coll); err != nil {
			return nil, err
		}
	}

	result := &Result{
		EstimatedTotal: candidates.GetCardinality(),
		Degraded:       degraded,
	}
	docs := coll.docs
	if opts.Offset < len(docs) {
		docs = docs[opts.Offset:]
	} else {
		docs = nil
	}
	if len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}

	primaryKey := e.idx.PrimaryKey(rtxn)
	for _, doc := range docs {
		hit, err := e.buildHit(rtxn, fields, primaryKey, doc, opts)
		if err != nil {
			return nil, err
		}
		result.Hits = append(result.Hits, hit)
	}
	result.ProcessingTime = time.Since(start)
	return result, nil
}

// initialCandidates derives the keyword candidate set per matching strategy.
func (e *Engine) initialCandidates(positions []resolvedPosition, strategy MatchingStrategy) *roaring.Bitmap {
	if len(positions) == 0 {
		return roaring.New()
	}
	switch strategy {
	case MatchingAll:
		out := positions[0].all.Clone()
		for _, pos := range positions[1:] {
			out.And(pos.all)
		}
		return out
	case MatchingFrequency:
		// Any single word may survive the drops: the union is reachable.
		out := roaring.New()
		for _, pos := range positions {
			out.Or(pos.all)
		}
		return out
	default: // MatchingLast
		// Words are dropped from the end, so the first word always remains.
		return positions[0].all.Clone()
	}
}

// buildRuleChain maps the settings rule order onto rule functions.
func (e *Engine) buildRuleChain(rk *ranker, settings *index.Settings, opts Options) ([]namedRule, error) {
	var rules []namedRule
	if opts.Vector != nil && opts.SemanticRatio >= 1 {
		// Pure semantic search short-circuits the keyword rules.
		return []namedRule{{name: "vector", fn: rk.vectorRule()}}, nil
	}
	for _, rule := range settings.EffectiveRankingRules() {
		switch rule.Kind {
		case index.RuleWords:
			rules = append(rules, namedRule{name: "words", fn: rk.wordsRule(opts.Strategy)})
		case index.RuleTypo:
			rules = append(rules, namedRule{name: "typo", fn: rk.typoRule()})
		case index.RuleProximity:
			rules = append(rules, namedRule{name: "proximity", fn: rk.proximityRule()})
		case index.RuleAttribute:
			rules = append(rules, namedRule{name: "attribute", fn: rk.attributeRule()})
		case index.RuleSort:
			if len(opts.Sort) > 0 {
				rules = append(rules, namedRule{name: "sort", fn: rk.sortRule(opts.Sort)})
			}
		case index.RuleExactness:
			rules = append(rules, namedRule{name: "exactness", fn: rk.exactnessRule()})
		case index.RuleAsc:
			rules = append(rules, namedRule{name: "asc(" + rule.Field + ")", fn: rk.ascDescRule(rule.Field, false)})
		case index.RuleDesc:
			rules = append(rules, namedRule{name: "desc(" + rule.Field + ")", fn: rk.ascDescRule(rule.Field, true)})
		default:
			return nil, quillerr.New(quillerr.CodeInvalidRankingRule,
				"unknown ranking rule %q", rule.Kind)
		}
	}
	return rules, nil
}

type namedRule struct {
	name string
	fn   ruleFn
}

// rank walks the rule chain depth-first, emitting docids into the collector
// until the window fills or the budget expires. Returns true when ranking
// was cut short (degraded result).
func (e *Engine) rank(rules []namedRule, bucket *roaring.Bitmap, scores []RuleScore, coll *collector, budget *TimeBudget) bool {
	if coll.full() || bucket.IsEmpty() {
		return false
	}
	if budget.Exhausted() {
		// Remaining candidates keep the partial order, marked skipped.
		skipped := append(append([]RuleScore(nil), scores...), RuleScore{Rule: "skipped", Skipped: true})
		coll.emit(bucket, skipped)
		return true
	}
	if len(rules) == 0 {
		coll.emit(bucket, scores)
		return false
	}

	subBuckets, err := rules[0].fn(bucket)
	if err != nil {
		// Rules are pure reads; an error here is a corrupted table. Surface
		// the bucket unranked rather than dropping hits.
		coll.emit(bucket, scores)
		return false
	}
	degraded := false
	for rank, sub := range subBuckets {
		subScores := append(append([]RuleScore(nil), scores...), RuleScore{Rule: rules[0].name, Rank: rank})
		if e.rank(rules[1:], sub, subScores, coll, budget) {
			degraded = true
		}
		if coll.full() {
			break
		}
	}
	return degraded
}

// fuseSemantic merges a vector-only ranking into the keyword window using
// reciprocal rank fusion weighted by the semantic ratio.
func (e *Engine) fuseSemantic(rtxn *kvenv.ReadTxn, rk *ranker, filtered *roaring.Bitmap, coll *collector, opts Options) error {
	neighbors, err := e.vecStore.Search(rtxn, opts.Vector, coll.want)
	if err != nil {
		return err
	}

	const rrfK = 60
	scores := make(map[uint32]float64)
	order := make(map[uint32]int)
	for rank, doc := range coll.docs {
		scores[doc.docid] += (1 - opts.SemanticRatio) / float64(rrfK+rank+1)
		order[doc.docid] = rank
	}
	next := len(coll.docs)
	for rank, nb := range neighbors {
		if !filtered.Contains(nb.DocID) {
			continue
		}
		scores[nb.DocID] += opts.SemanticRatio / float64(rrfK+rank+1)
		if _, ok := order[nb.DocID]; !ok {
			order[nb.DocID] = next
			next++
		}
	}

	fused := make([]scoredDoc, 0, len(scores))
	byDoc := make(map[uint32]scoredDoc, len(coll.docs))
	for _, doc := range coll.docs {
		byDoc[doc.docid] = doc
	}
	for docid := range scores {
		doc, ok := byDoc[docid]
		if !ok {
			doc = scoredDoc{docid: docid, scores: []RuleScore{{Rule: "vector"}}}
		}
		fused = append(fused, doc)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		si, sj := scores[fused[i].docid], scores[fused[j].docid]
		if si != sj {
			return si > sj
		}
		return order[fused[i].docid] < order[fused[j].docid]
	})
	if len(fused) > coll.want {
		fused = fused[:coll.want]
	}
	coll.docs = fused
	return nil
}

// dedupeDistinct keeps only the best-ranked hit per distinct-attribute
// value, reading values from the reverse facet tables. Hits without a value
// all survive.
func (e *Engine) dedupeDistinct(rtxn *kvenv.ReadTxn, fields *index.FieldIDMap, attribute string, coll *collector) error {
	fid, ok := fields.ID(attribute)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	kept := coll.docs[:0]
	for _, doc := range coll.docs {
		value := distinctValue(rtxn, fid, doc.docid)
		if value == "" {
			kept = append(kept, doc)
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		kept = append(kept, doc)
	}
	coll.docs = kept
	return nil
}

// distinctValue reads the first facet value of (fid, docid) from the
// reverse tables, string space first.
func distinctValue(rtxn *kvenv.ReadTxn, fid uint16, docid uint32) string {
	prefix := codec.FieldDocidPrefix(fid, docid)
	for _, table := range []string{index.TableFieldDocidFacetString, index.TableFieldDocidFacetF64} {
		if it := rtxn.Table(table).Prefix(prefix); it.Next() {
			return table + "\x00" + string(it.Key()[len(prefix):])
		}
	}
	return ""
}

// buildHit loads and projects the stored document.
func (e *Engine) buildHit(rtxn *kvenv.ReadTxn, fields *index.FieldIDMap, primaryKey string, doc scoredDoc, opts Options) (Hit, error) {
	document, err := e.idx.DocumentFields(rtxn, doc.docid, fields)
	if err != nil {
		return Hit{}, err
	}

	hit := Hit{DocID: doc.docid, Document: document}
	if raw, ok := document[primaryKey]; ok {
		if id, err := documents.ValidateExternalID(raw); err == nil {
			hit.ExternalID = id
		}
	}

	settingsDisplayed := opts.AttributesToRetrieve
	if settingsDisplayed != nil {
		allowed := make(map[string]struct{}, len(settingsDisplayed))
		for _, a := range settingsDisplayed {
			allowed[a] = struct{}{}
		}
		for name := range document {
			if _, ok := allowed[name]; !ok {
				delete(document, name)
			}
		}
	}

	if opts.ShowRankingScore {
		hit.Scores = doc.scores
	}
	return hit, nil
}
