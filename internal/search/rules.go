package search

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/vector"
)

// maxProximityDistance is the largest stored pair distance; anything beyond
// costs maxProximityDistance + 1.
const maxProximityDistance = 8

// maxCrossWords caps the word alternatives considered per side when probing
// pair-proximity postings.
const maxCrossWords = 5

// ruleFn partitions a bucket into ordered, disjoint, non-empty sub-buckets.
// Docids absent from every sub-bucket are dropped from ranking.
type ruleFn func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error)

// ranker owns the per-search state the rules share.
type ranker struct {
	rtxn       *kvenv.ReadTxn
	idx        *index.Index
	settings   *index.Settings
	fields     *index.FieldIDMap
	positions  []resolvedPosition
	sortOrders []SortOrder
	vecStore   *vector.Store
	queryVec   []float32
}

type costClass struct {
	cost   int
	docids *roaring.Bitmap
}

// partitionByCost runs the dynamic program: each stage assigns every doc of
// the bucket the cost of the first class containing it (classes are applied
// in order; docs in no class get defaultCost). Returns buckets ordered by
// total cost.
func partitionByCost(bucket *roaring.Bitmap, stages [][]costClass, defaultCost, maxCost int) []*roaring.Bitmap {
	dp := map[int]*roaring.Bitmap{0: bucket.Clone()}
	for _, stage := range stages {
		next := make(map[int]*roaring.Bitmap)
		add := func(cost int, docs *roaring.Bitmap) {
			if docs.IsEmpty() {
				return
			}
			if cost > maxCost {
				cost = maxCost
			}
			if existing, ok := next[cost]; ok {
				existing.Or(docs)
			} else {
				next[cost] = docs
			}
		}
		for cost, docs := range dp {
			remaining := docs.Clone()
			for _, class := range stage {
				taken := roaring.And(remaining, class.docids)
				if !taken.IsEmpty() {
					add(cost+class.cost, taken)
					remaining.AndNot(taken)
				}
				if remaining.IsEmpty() {
					break
				}
			}
			add(cost+defaultCost, remaining)
		}
		dp = next
	}

	costs := make([]int, 0, len(dp))
	for cost := range dp {
		costs = append(costs, cost)
	}
	sort.Ints(costs)
	out := make([]*roaring.Bitmap, 0, len(costs))
	for _, cost := range costs {
		out = append(out, dp[cost])
	}
	return out
}

// wordsRule partitions by the number of matched query words, more first.
func (rk *ranker) wordsRule(strategy MatchingStrategy) ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		n := len(rk.positions)
		if n == 0 {
			return []*roaring.Bitmap{bucket}, nil
		}

		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		if strategy == MatchingFrequency {
			// Rarest words are dropped first: order positions so the most
			// frequent survive longest.
			sort.SliceStable(order, func(a, b int) bool {
				return rk.positions[order[a]].all.GetCardinality() >
					rk.positions[order[b]].all.GetCardinality()
			})
		}

		remaining := bucket.Clone()
		var out []*roaring.Bitmap
		for keep := n; keep >= 1; keep-- {
			sub := remaining.Clone()
			for _, posIdx := range order[:keep] {
				sub.And(rk.positions[posIdx].all)
			}
			if !sub.IsEmpty() {
				out = append(out, sub)
				remaining.AndNot(sub)
			}
			if strategy == MatchingAll {
				break
			}
			if remaining.IsEmpty() {
				break
			}
		}
		return out, nil
	}
}

// typoRule partitions by total typo count across matched positions.
func (rk *ranker) typoRule() ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		stages := make([][]costClass, 0, len(rk.positions))
		for _, pos := range rk.positions {
			stage := []costClass{
				{cost: 0, docids: pos.byTypo[0]},
				{cost: 1, docids: pos.byTypo[1]},
				{cost: 2, docids: pos.byTypo[2]},
			}
			stages = append(stages, stage)
		}
		// Unmatched positions cost nothing here; the words rule already
		// ranked match counts.
		return partitionByCost(bucket, stages, 0, 2*len(rk.positions)), nil
	}
}

// proximityRule partitions by the summed pair distance of adjacent matched
// positions.
func (rk *ranker) proximityRule() ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		var stages [][]costClass
		for i := 1; i < len(rk.positions); i++ {
			left := collectWords(rk.positions[i-1], maxCrossWords)
			right := collectWords(rk.positions[i], maxCrossWords)
			var stage []costClass
			for d := uint8(1); d <= maxProximityDistance; d++ {
				union := roaring.New()
				for _, w1 := range left {
					for _, w2 := range right {
						data := rk.rtxn.Table(index.TableWordPairProximityDocids).
							Get(codec.WordPairKey(d, w1, w2))
						if data == nil {
							continue
						}
						docids, err := codec.DecodeBitmap(data)
						if err != nil {
							return nil, err
						}
						union.Or(docids)
					}
				}
				if !union.IsEmpty() {
					stage = append(stage, costClass{cost: int(d), docids: union})
				}
			}
			stages = append(stages, stage)
		}
		return partitionByCost(bucket, stages, maxProximityDistance+1, 64), nil
	}
}

func collectWords(pos resolvedPosition, limit int) []string {
	var out []string
	for _, words := range pos.words {
		for _, w := range words {
			if len(out) >= limit {
				return out
			}
			out = append(out, w)
		}
	}
	return out
}

// attributeRule partitions by the best-ranked searchable attribute carrying
// every matched word.
func (rk *ranker) attributeRule() ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		attrs := rk.settings.SearchableAttributes
		if attrs == nil {
			attrs = rk.fields.Names()
		}
		remaining := bucket.Clone()
		var out []*roaring.Bitmap
		for _, attr := range attrs {
			fid, ok := rk.fields.ID(attr)
			if !ok {
				continue
			}
			sub := remaining.Clone()
			for _, pos := range rk.positions {
				union := roaring.New()
				for _, w := range collectWords(pos, maxCrossWords) {
					data := rk.rtxn.Table(index.TableWordFidDocids).Get(codec.WordFieldKey(w, fid))
					if data == nil {
						continue
					}
					docids, err := codec.DecodeBitmap(data)
					if err != nil {
						return nil, err
					}
					union.Or(docids)
				}
				sub.And(union)
				if sub.IsEmpty() {
					break
				}
			}
			if !sub.IsEmpty() {
				out = append(out, sub)
				remaining.AndNot(sub)
			}
			if remaining.IsEmpty() {
				break
			}
		}
		if !remaining.IsEmpty() {
			out = append(out, remaining)
		}
		return out, nil
	}
}

// sortValueBuckets orders a bucket by one criterion, missing values last.
func (rk *ranker) sortValueBuckets(bucket *roaring.Bitmap, order SortOrder) ([]*roaring.Bitmap, error) {
	if order.GeoPoint {
		return rk.geoSortBuckets(bucket, order)
	}
	fid, ok := rk.fields.ID(order.Field)
	if !ok {
		return []*roaring.Bitmap{bucket}, nil
	}

	var buckets []*roaring.Bitmap
	seen := roaring.New()
	appendBuckets := func(table string) error {
		return facet.IterateLexicographic(rk.rtxn, table, fid, bucket,
			func(bound []byte, _ uint64, _ uint32) (facet.ControlFlow, error) {
				docids, err := facet.GetLevel0(rk.rtxn, table, fid, bound)
				if err != nil {
					return facet.Break, err
				}
				sub := roaring.And(docids, bucket)
				sub.AndNot(seen)
				if !sub.IsEmpty() {
					seen.Or(sub)
					buckets = append(buckets, sub)
				}
				return facet.Continue, nil
			})
	}
	// Numbers order before strings, matching the facet type split.
	if err := appendBuckets(index.TableFacetF64Docids); err != nil {
		return nil, err
	}
	if err := appendBuckets(index.TableFacetStringDocids); err != nil {
		return nil, err
	}

	if order.Descending {
		for i, j := 0, len(buckets)-1; i < j; i, j = i+1, j-1 {
			buckets[i], buckets[j] = buckets[j], buckets[i]
		}
	}
	missing := roaring.AndNot(bucket, seen)
	if !missing.IsEmpty() {
		buckets = append(buckets, missing)
	}
	return buckets, nil
}

// geoSortBuckets orders by haversine distance to the sort point.
func (rk *ranker) geoSortBuckets(bucket *roaring.Bitmap, order SortOrder) ([]*roaring.Bitmap, error) {
	geoDocs, err := rk.idx.GeoFacetedIDs(rk.rtxn)
	if err != nil {
		return nil, err
	}
	type docDist struct {
		docid uint32
		dist  float64
	}
	var docs []docDist
	tbl := rk.rtxn.Table(index.TableGeoPoints)
	it := roaring.And(bucket, geoDocs).Iterator()
	for it.HasNext() {
		docid := it.Next()
		data := tbl.Get(codec.PutU32(nil, docid))
		if len(data) != 16 {
			continue
		}
		lat := math.Float64frombits(codec.U64(data))
		lng := math.Float64frombits(codec.U64(data[8:]))
		docs = append(docs, docDist{docid: docid, dist: geoDistance(order.Lat, order.Lng, lat, lng)})
	}
	sort.Slice(docs, func(i, j int) bool {
		if order.Descending {
			return docs[i].dist > docs[j].dist
		}
		return docs[i].dist < docs[j].dist
	})

	var out []*roaring.Bitmap
	placed := roaring.New()
	for _, d := range docs {
		out = append(out, roaring.BitmapOf(d.docid))
		placed.Add(d.docid)
	}
	missing := roaring.AndNot(bucket, placed)
	if !missing.IsEmpty() {
		out = append(out, missing)
	}
	return out, nil
}

// sortRule applies the user sort criteria in order.
func (rk *ranker) sortRule(orders []SortOrder) ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		return rk.nestedSort(bucket, orders)
	}
}

func (rk *ranker) nestedSort(bucket *roaring.Bitmap, orders []SortOrder) ([]*roaring.Bitmap, error) {
	if len(orders) == 0 || bucket.GetCardinality() <= 1 {
		return []*roaring.Bitmap{bucket}, nil
	}
	first, err := rk.sortValueBuckets(bucket, orders[0])
	if err != nil {
		return nil, err
	}
	if len(orders) == 1 {
		return first, nil
	}
	var out []*roaring.Bitmap
	for _, sub := range first {
		nested, err := rk.nestedSort(sub, orders[1:])
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

// exactnessRule partitions exact attribute match > starts-with > other.
func (rk *ranker) exactnessRule() ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		n := len(rk.positions)
		if n == 0 {
			return []*roaring.Bitmap{bucket}, nil
		}

		// Starts-with: every query word sits at its own position in some
		// attribute.
		startsWith := bucket.Clone()
		for i, pos := range rk.positions {
			union := roaring.New()
			for _, w := range collectWords(pos, maxCrossWords) {
				data := rk.rtxn.Table(index.TableWordPositionDocids).
					Get(codec.WordPositionKey(w, uint16(i)))
				if data == nil {
					continue
				}
				docids, err := codec.DecodeBitmap(data)
				if err != nil {
					return nil, err
				}
				union.Or(docids)
			}
			startsWith.And(union)
			if startsWith.IsEmpty() {
				break
			}
		}

		// Exact: additionally, some searchable attribute holds exactly n
		// words.
		exact := roaring.New()
		if !startsWith.IsEmpty() && n <= 255 {
			countUnion := roaring.New()
			attrs := rk.settings.SearchableAttributes
			if attrs == nil {
				attrs = rk.fields.Names()
			}
			for _, attr := range attrs {
				fid, ok := rk.fields.ID(attr)
				if !ok {
					continue
				}
				data := rk.rtxn.Table(index.TableFieldWordCountDocids).
					Get(codec.FieldWordCountKey(fid, uint8(n)))
				if data == nil {
					continue
				}
				docids, err := codec.DecodeBitmap(data)
				if err != nil {
					return nil, err
				}
				countUnion.Or(docids)
			}
			exact = roaring.And(startsWith, countUnion)
		}

		var out []*roaring.Bitmap
		if !exact.IsEmpty() {
			out = append(out, exact)
		}
		startsOnly := roaring.AndNot(startsWith, exact)
		if !startsOnly.IsEmpty() {
			out = append(out, startsOnly)
		}
		rest := roaring.AndNot(bucket, startsWith)
		if !rest.IsEmpty() {
			out = append(out, rest)
		}
		return out, nil
	}
}

// ascDescRule is the custom asc(field)/desc(field) ranking rule.
func (rk *ranker) ascDescRule(field string, descending bool) ruleFn {
	order := SortOrder{Field: field, Descending: descending}
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		return rk.sortValueBuckets(bucket, order)
	}
}

// vectorRule orders by cosine similarity to the query embedding.
func (rk *ranker) vectorRule() ruleFn {
	return func(bucket *roaring.Bitmap) ([]*roaring.Bitmap, error) {
		if rk.vecStore == nil || rk.queryVec == nil {
			return []*roaring.Bitmap{bucket}, nil
		}
		k := int(bucket.GetCardinality())
		if k > 1000 {
			k = 1000
		}
		neighbors, err := rk.vecStore.Search(rk.rtxn, rk.queryVec, k)
		if err != nil {
			return nil, err
		}
		var out []*roaring.Bitmap
		placed := roaring.New()
		for _, nb := range neighbors {
			if !bucket.Contains(nb.DocID) || placed.Contains(nb.DocID) {
				continue
			}
			out = append(out, roaring.BitmapOf(nb.DocID))
			placed.Add(nb.DocID)
		}
		rest := roaring.AndNot(bucket, placed)
		if !rest.IsEmpty() {
			out = append(out, rest)
		}
		return out, nil
	}
}

const earthRadiusMeters = 6_371_000

// geoDistance returns the haversine great-circle distance in meters.
func geoDistance(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
