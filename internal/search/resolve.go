package search

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/querytree"
	"github.com/quillsearch/quill/internal/wordfst"
)

// maxDerivedWords caps how many words one DFA walk may collect; beyond it
// the remaining matches are ignored rather than blowing up the candidate
// derivation.
const maxDerivedWords = 200

// maxTypoClasses is the number of typo buckets per position (0, 1, 2).
const maxTypoClasses = 3

// resolvedPosition carries the derived postings of one query position.
type resolvedPosition struct {
	pos querytree.Position
	// byTypo[t] is the union of postings of words matching with exactly t
	// typos. Phrases and synonyms land in byTypo[0].
	byTypo [maxTypoClasses]*roaring.Bitmap
	// all is the union of the typo classes.
	all *roaring.Bitmap
	// words[t] lists the concrete matched words per typo class, used by the
	// proximity and exactness rules.
	words [maxTypoClasses][]string
}

type resolver struct {
	rtxn   *kvenv.ReadTxn
	idx    *index.Index
	fst    *vellum.FST
	levOne *levenshtein.LevenshteinAutomatonBuilder
	levTwo *levenshtein.LevenshteinAutomatonBuilder
}

func newResolver(rtxn *kvenv.ReadTxn, idx *index.Index) (*resolver, error) {
	fst, err := wordfst.Load(idx.WordsFST(rtxn))
	if err != nil {
		return nil, fmt.Errorf("load words fst: %w", err)
	}
	levOne, err := levenshtein.NewLevenshteinAutomatonBuilder(1, true)
	if err != nil {
		return nil, err
	}
	levTwo, err := levenshtein.NewLevenshteinAutomatonBuilder(2, true)
	if err != nil {
		return nil, err
	}
	return &resolver{rtxn: rtxn, idx: idx, fst: fst, levOne: levOne, levTwo: levTwo}, nil
}

// resolveGraph derives the postings of every position of the graph.
func (r *resolver) resolveGraph(graph *querytree.Graph) ([]resolvedPosition, error) {
	positions := make([]resolvedPosition, 0, len(graph.Positions))
	for _, pos := range graph.Positions {
		resolved := resolvedPosition{pos: pos}
		for t := range resolved.byTypo {
			resolved.byTypo[t] = roaring.New()
		}
		seen := make(map[string]struct{})

		for _, term := range pos.Terms {
			if term.Phrase != nil {
				docids, err := r.resolvePhrase(term.Phrase)
				if err != nil {
					return nil, err
				}
				resolved.byTypo[0].Or(docids)
				continue
			}
			if err := r.resolveWordTerm(term, &resolved, seen); err != nil {
				return nil, err
			}
		}

		resolved.all = roaring.New()
		for _, bm := range resolved.byTypo {
			resolved.all.Or(bm)
		}
		positions = append(positions, resolved)
	}
	return positions, nil
}

// resolveWordTerm accumulates the typo classes of one word term.
func (r *resolver) resolveWordTerm(term querytree.Term, out *resolvedPosition, seen map[string]struct{}) error {
	addWord := func(word string, typos uint8) error {
		if _, dup := seen[word]; dup {
			return nil
		}
		seen[word] = struct{}{}
		docids, err := r.wordPosting(word)
		if err != nil {
			return err
		}
		if !docids.IsEmpty() {
			out.byTypo[typos].Or(docids)
			out.words[typos] = append(out.words[typos], word)
		}
		return nil
	}

	// Exact form first; it always counts zero typos.
	if err := addWord(term.Word, 0); err != nil {
		return err
	}

	// Prefix expansion of the exact form: the cached union when the prefix
	// is frequent enough, an FST range walk otherwise.
	if term.Prefix {
		if err := r.resolvePrefix(term.Word, out); err != nil {
			return err
		}
	}

	if term.IsSynonym {
		return nil
	}

	// Typo classes via Levenshtein DFA walks against the FST.
	for t := uint8(1); t <= term.MaxTypos && t < maxTypoClasses; t++ {
		builder := r.levOne
		if t == 2 {
			builder = r.levTwo
		}
		dfa, err := builder.BuildDfa(term.Word, t)
		if err != nil {
			return fmt.Errorf("build typo dfa: %w", err)
		}
		count := 0
		err = wordfst.WordsInFST(r.fst, dfa, func(word []byte) error {
			if count >= maxDerivedWords {
				return nil
			}
			count++
			return addWord(string(word), t)
		})
		if err != nil {
			return err
		}
	}

	// Word splits: "sunflower" matching "sun flower" costs one typo.
	if term.MaxTypos >= 1 && term.NgramLen == 1 {
		if err := r.resolveSplit(term.Word, out); err != nil {
			return err
		}
	}
	return nil
}

// resolvePrefix unions every posting under the prefix into the zero-typo
// class.
func (r *resolver) resolvePrefix(prefix string, out *resolvedPosition) error {
	// The prefix cache already holds the union for frequent prefixes.
	if data := r.rtxn.Table(index.TableWordPrefixDocids).Get([]byte(prefix)); data != nil {
		docids, err := codec.DecodeBitmap(data)
		if err != nil {
			return err
		}
		out.byTypo[0].Or(docids)
		out.words[0] = append(out.words[0], prefix)
		return nil
	}

	count := 0
	for it := r.rtxn.Table(index.TableWordDocids).Prefix([]byte(prefix)); it.Next() && count < maxDerivedWords; count++ {
		docids, err := codec.DecodeBitmap(it.Value())
		if err != nil {
			return err
		}
		out.byTypo[0].Or(docids)
		out.words[0] = append(out.words[0], string(it.Key()))
	}
	return nil
}

// resolveSplit tries every split point of word; both halves must be indexed
// words and the posting is the pair at distance 1.
func (r *resolver) resolveSplit(word string, out *resolvedPosition) error {
	if r.fst == nil || len(word) < 2 {
		return nil
	}
	best := roaring.New()
	for i := 1; i < len(word); i++ {
		left, right := word[:i], word[i:]
		okLeft, err := r.fst.Contains([]byte(left))
		if err != nil {
			return err
		}
		if !okLeft {
			continue
		}
		okRight, err := r.fst.Contains([]byte(right))
		if err != nil {
			return err
		}
		if !okRight {
			continue
		}
		docids, err := r.pairPosting(1, left, right)
		if err != nil {
			return err
		}
		// The most frequent split wins, mirroring the DB-frequency pick.
		if docids.GetCardinality() > best.GetCardinality() {
			best = docids
		}
	}
	if !best.IsEmpty() {
		out.byTypo[1].Or(best)
	}
	return nil
}

// resolvePhrase intersects the words of a phrase with the pair-proximity
// postings of each consecutive slot pair. Empty slots (removed stop words)
// stretch the required distance.
func (r *resolver) resolvePhrase(phrase []string) (*roaring.Bitmap, error) {
	type slot struct {
		word string
		pos  int
	}
	var slots []slot
	for i, w := range phrase {
		if w != "" {
			slots = append(slots, slot{word: w, pos: i})
		}
	}
	if len(slots) == 0 {
		return roaring.New(), nil
	}

	out, err := r.wordPosting(slots[0].word)
	if err != nil {
		return nil, err
	}
	out = out.Clone()
	for i := 1; i < len(slots); i++ {
		docids, err := r.wordPosting(slots[i].word)
		if err != nil {
			return nil, err
		}
		out.And(docids)
		if out.IsEmpty() {
			return out, nil
		}
		distance := uint8(slots[i].pos - slots[i-1].pos)
		pair, err := r.pairPosting(distance, slots[i-1].word, slots[i].word)
		if err != nil {
			return nil, err
		}
		out.And(pair)
		if out.IsEmpty() {
			return out, nil
		}
	}
	return out, nil
}

// wordPosting unions the tolerant and exact postings of one word.
func (r *resolver) wordPosting(word string) (*roaring.Bitmap, error) {
	docids, err := codec.DecodeBitmap(r.rtxn.Table(index.TableWordDocids).Get([]byte(word)))
	if err != nil {
		return nil, err
	}
	if data := r.rtxn.Table(index.TableExactWordDocids).Get([]byte(word)); data != nil {
		exact, err := codec.DecodeBitmap(data)
		if err != nil {
			return nil, err
		}
		docids.Or(exact)
	}
	return docids, nil
}

func (r *resolver) pairPosting(distance uint8, w1, w2 string) (*roaring.Bitmap, error) {
	data := r.rtxn.Table(index.TableWordPairProximityDocids).Get(codec.WordPairKey(distance, w1, w2))
	return codec.DecodeBitmap(data)
}
