package querytree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/index"
)

func TestTypoBudget(t *testing.T) {
	tt := index.DefaultTypoTolerance()
	assert.Equal(t, uint8(0), TypoBudget("kiwi", tt))
	assert.Equal(t, uint8(1), TypoBudget("hello", tt))
	assert.Equal(t, uint8(2), TypoBudget("wonderful", tt))

	tt.Enabled = false
	assert.Equal(t, uint8(0), TypoBudget("wonderful", tt))

	tt = index.DefaultTypoTolerance()
	tt.DisabledWords = []string{"hello"}
	assert.Equal(t, uint8(0), TypoBudget("hello", tt))
}

func TestBuild_PrefixOnLastTokenOnly(t *testing.T) {
	s := &index.Settings{}

	g := Build("hello wor", s)
	require.Len(t, g.Positions, 2)
	assert.False(t, g.Positions[0].Terms[0].Prefix)
	assert.True(t, g.Positions[1].Terms[0].Prefix)

	g = Build("hello wor ", s)
	assert.False(t, g.Positions[1].Terms[0].Prefix, "trailing whitespace disables the prefix DFA")
}

func TestBuild_Phrase(t *testing.T) {
	s := &index.Settings{StopWords: []string{"the"}}
	g := Build(`"hello the world" after`, s)

	require.Len(t, g.Positions, 2)
	phrase := g.Positions[0].Terms[0].Phrase
	assert.Equal(t, []string{"hello", "", "world"}, phrase, "stop words leave empty slots")
	assert.Equal(t, "after", g.Positions[1].Original)
}

func TestBuild_SingleWordPhraseIsExact(t *testing.T) {
	g := Build(`"hello"`, &index.Settings{})
	require.Len(t, g.Positions, 1)
	term := g.Positions[0].Terms[0]
	assert.Equal(t, "hello", term.Word)
	assert.Equal(t, uint8(0), term.MaxTypos)
	assert.False(t, term.Prefix)
}

func TestBuild_StopWordsDropped(t *testing.T) {
	s := &index.Settings{StopWords: []string{"the"}}
	g := Build("the quick fox", s)
	require.Len(t, g.Positions, 2)
	assert.Equal(t, "quick", g.Positions[0].Original)
}

func TestBuild_Synonyms(t *testing.T) {
	s := &index.Settings{Synonyms: map[string][]string{
		"wolverine": {"xmen", "logan the beast"},
	}}
	g := Build("wolverine movie", s)
	require.Len(t, g.Positions, 2)

	terms := g.Positions[0].Terms
	require.GreaterOrEqual(t, len(terms), 3)
	assert.Equal(t, "xmen", terms[1].Word)
	assert.True(t, terms[1].IsSynonym)
	assert.Equal(t, []string{"logan", "the", "beast"}, terms[2].Phrase)
}

func TestBuild_Ngrams(t *testing.T) {
	g := Build("sun flower seeds today", &index.Settings{})
	require.Len(t, g.Positions, 4)

	var ngrams []string
	for _, term := range g.Positions[0].Terms {
		if term.NgramLen > 1 {
			ngrams = append(ngrams, term.Word)
		}
	}
	assert.Equal(t, []string{"sunflower", "sunflowerseeds"}, ngrams)

	// Ngrams never span more than three words.
	for _, pos := range g.Positions {
		for _, term := range pos.Terms {
			assert.LessOrEqual(t, term.NgramLen, MaxNgramLength)
		}
	}
}

func TestBuild_CJKStandsAlone(t *testing.T) {
	g := Build("日本", &index.Settings{})
	require.Len(t, g.Positions, 2)
	// CJK positions never form ngrams.
	for _, pos := range g.Positions {
		for _, term := range pos.Terms {
			assert.Equal(t, 1, term.NgramLen)
		}
	}
}
