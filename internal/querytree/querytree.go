// Package querytree turns a raw query string into the query graph walked by
// the ranking engine.
//
// The graph is linear in query positions; each position carries a
// disjunction of terms (exact, typo-tolerant, prefix, phrase, synonym,
// ngram). Ngram terms span several positions. The graph owns no database
// state: candidate postings are resolved against a snapshot by the search
// package.
package querytree

import (
	"strings"

	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/tokenizer"
)

// MaxNgramLength bounds word concatenation across adjacent query words.
const MaxNgramLength = 3

// Term is one alternative at a graph position.
type Term struct {
	// Word is the normalised form to match. Empty for phrases.
	Word string
	// MaxTypos is the Levenshtein budget when matching Word.
	MaxTypos uint8
	// Prefix widens the match to every word starting with Word.
	Prefix bool
	// Phrase is the ordered word sequence of a quoted phrase. Empty slots
	// (removed stop words) are "" and match any single word.
	Phrase []string
	// NgramLen is the number of query positions this term spans (1 for
	// plain words, 2..3 for concatenations).
	NgramLen int
	// IsSynonym marks terms injected from the synonym map; they never
	// count typos.
	IsSynonym bool
}

// Position is one slot of the query with its term alternatives.
type Position struct {
	// Original is the word the user typed at this position.
	Original string
	// Terms are the alternatives, the exact word first.
	Terms []Term
}

// Graph is the parsed query.
type Graph struct {
	Positions []Position
}

// WordCount returns the number of positions.
func (g *Graph) WordCount() int { return len(g.Positions) }

// TypoBudget computes the standard typo allowance for a word: 0 below the
// one-typo threshold, 1 below the two-typo threshold, 2 beyond.
func TypoBudget(word string, tt index.TypoTolerance) uint8 {
	if !tt.Enabled {
		return 0
	}
	for _, w := range tt.DisabledWords {
		if w == word {
			return 0
		}
	}
	length := len([]rune(word))
	switch {
	case length < tt.MinWordSizeForOneTypo:
		return 0
	case length < tt.MinWordSizeForTwoTypos:
		return 1
	default:
		return 2
	}
}

// Build parses query into a graph using the index settings.
func Build(query string, settings *index.Settings) *Graph {
	tt := settings.EffectiveTypoTolerance()
	stopWords := settings.StopWordSet()
	trailingSpace := len(query) > 0 && strings.TrimRight(query, " \t\n") != query

	graph := &Graph{}

	segments := splitQuoted(query)
	for segIdx, seg := range segments {
		if seg.quoted {
			phrase := buildPhrase(seg.text, stopWords)
			if len(phrase) == 0 {
				continue
			}
			if len(phrase) == 1 && phrase[0] != "" {
				// A one-word phrase is an exact word: no typos, no prefix.
				graph.Positions = append(graph.Positions, Position{
					Original: phrase[0],
					Terms:    []Term{{Word: phrase[0], NgramLen: 1}},
				})
				continue
			}
			graph.Positions = append(graph.Positions, Position{
				Original: strings.Join(phrase, " "),
				Terms:    []Term{{Phrase: phrase, NgramLen: 1}},
			})
			continue
		}

		words := tokenizer.Words(seg.text, stopWords)
		for i, tok := range words {
			if tok.IsStopword {
				continue
			}
			isLast := segIdx == len(segments)-1 && i == len(words)-1
			position := Position{Original: tok.Lemma}

			term := Term{
				Word:     tok.Lemma,
				MaxTypos: TypoBudget(tok.Lemma, tt),
				NgramLen: 1,
			}
			if isLast && !trailingSpace {
				term.Prefix = true
			}
			position.Terms = append(position.Terms, term)

			for _, alt := range settings.Synonyms[tok.Lemma] {
				position.Terms = append(position.Terms, synonymTerm(alt))
			}

			graph.Positions = append(graph.Positions, position)
		}
	}

	addNgrams(graph, tt)
	return graph
}

// synonymTerm builds the term for one synonym alternative. Multi-word
// synonyms become phrases.
func synonymTerm(alt string) Term {
	words := tokenizer.Words(alt, nil)
	if len(words) == 1 {
		return Term{Word: words[0].Lemma, NgramLen: 1, IsSynonym: true}
	}
	phrase := make([]string, 0, len(words))
	for _, w := range words {
		phrase = append(phrase, w.Lemma)
	}
	return Term{Phrase: phrase, NgramLen: 1, IsSynonym: true}
}

// addNgrams injects concatenations of 2..3 adjacent Latin words as extra
// alternatives on the first covered position.
func addNgrams(graph *Graph, tt index.TypoTolerance) {
	for start := range graph.Positions {
		for n := 2; n <= MaxNgramLength && start+n <= len(graph.Positions); n++ {
			var parts []string
			ok := true
			for _, pos := range graph.Positions[start : start+n] {
				if len(pos.Terms) == 0 || pos.Terms[0].Phrase != nil || !isLatinWord(pos.Original) {
					ok = false
					break
				}
				parts = append(parts, pos.Original)
			}
			if !ok {
				break
			}
			word := strings.Join(parts, "")
			graph.Positions[start].Terms = append(graph.Positions[start].Terms, Term{
				Word:     word,
				MaxTypos: TypoBudget(word, tt),
				NgramLen: n,
			})
		}
	}
}

func isLatinWord(word string) bool {
	for _, r := range word {
		if r >= 0x2E80 {
			return false
		}
	}
	return word != ""
}

// buildPhrase tokenises quoted text, keeping stop words as empty slots.
func buildPhrase(text string, stopWords map[string]struct{}) []string {
	words := tokenizer.Words(text, stopWords)
	phrase := make([]string, 0, len(words))
	for _, tok := range words {
		if tok.IsStopword {
			phrase = append(phrase, "")
			continue
		}
		phrase = append(phrase, tok.Lemma)
	}
	// Trim leading and trailing empty slots: they constrain nothing.
	for len(phrase) > 0 && phrase[0] == "" {
		phrase = phrase[1:]
	}
	for len(phrase) > 0 && phrase[len(phrase)-1] == "" {
		phrase = phrase[:len(phrase)-1]
	}
	return phrase
}

type segment struct {
	text   string
	quoted bool
}

// splitQuoted cuts the query into quoted and unquoted segments. An
// unterminated quote runs to the end of the query.
func splitQuoted(query string) []segment {
	var segments []segment
	for len(query) > 0 {
		open := strings.IndexByte(query, '"')
		if open < 0 {
			segments = append(segments, segment{text: query})
			break
		}
		if open > 0 {
			segments = append(segments, segment{text: query[:open]})
		}
		rest := query[open+1:]
		close := strings.IndexByte(rest, '"')
		if close < 0 {
			segments = append(segments, segment{text: rest, quoted: true})
			break
		}
		segments = append(segments, segment{text: rest[:close], quoted: true})
		query = rest[close+1:]
	}
	return segments
}
