package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lemmas(tokens []Token) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Lemma)
	}
	return out
}

func TestWords_LowercasesAndSplits(t *testing.T) {
	tokens := Words("Hello, World! x86_64", nil)
	assert.Equal(t, []string{"hello", "world", "x86", "64"}, lemmas(tokens))
}

func TestWords_Positions(t *testing.T) {
	tokens := Words("hello world. bye", nil)
	require.Len(t, tokens, 3)
	assert.Equal(t, uint32(0), tokens[0].Position)
	assert.Equal(t, uint32(1), tokens[1].Position)
	// The period is a hard separator: it widens the gap.
	assert.Equal(t, uint32(2+HardSeparatorGap), tokens[2].Position)
}

func TestWords_Spans(t *testing.T) {
	tokens := Words("héllo wörld", nil)
	require.Len(t, tokens, 2)

	assert.Equal(t, 0, tokens[0].ByteStart)
	assert.Equal(t, 6, tokens[0].ByteEnd)
	assert.Equal(t, 0, tokens[0].CharStart)
	assert.Equal(t, 5, tokens[0].CharEnd)

	assert.Equal(t, 7, tokens[1].ByteStart)
	assert.Equal(t, 13, tokens[1].ByteEnd)
	assert.Equal(t, 6, tokens[1].CharStart)
	assert.Equal(t, 11, tokens[1].CharEnd)
}

func TestWords_CJKStandsAlone(t *testing.T) {
	tokens := Words("日本語 hello", nil)
	assert.Equal(t, []string{"日", "本", "語", "hello"}, lemmas(tokens))
	for _, tok := range tokens[:3] {
		assert.Equal(t, ScriptCJK, tok.Script)
	}
	assert.Equal(t, ScriptLatin, tokens[3].Script)
	// Each CJK rune advances the position.
	assert.Equal(t, uint32(3), tokens[3].Position)
}

func TestWords_Stopwords(t *testing.T) {
	stop := map[string]struct{}{"the": {}}
	tokens := Words("the quick fox", stop)
	require.Len(t, tokens, 3)
	assert.True(t, tokens[0].IsStopword)
	assert.False(t, tokens[1].IsStopword)
}

func TestTokenizer_EmitsSeparators(t *testing.T) {
	tk := New("a. b", nil)
	var kinds []Kind
	for {
		tok, ok := tk.Next()
		if !ok {
			break
		}
		kinds = append(kinds, tok.Kind)
	}
	assert.Equal(t, []Kind{KindWord, KindHardSeparator, KindWord}, kinds)
}

func TestBucketPosition(t *testing.T) {
	assert.Equal(t, uint16(0), BucketPosition(0))
	assert.Equal(t, uint16(999), BucketPosition(999))
	assert.Equal(t, uint16(1000), BucketPosition(1000))
	assert.Equal(t, uint16(1000), BucketPosition(1009))
	assert.Equal(t, uint16(1001), BucketPosition(1010))
}

func TestPackPosition(t *testing.T) {
	assert.Equal(t, uint32(0x0005_0010), PackPosition(5, 16))
}
