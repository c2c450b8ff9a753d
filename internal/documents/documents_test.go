package documents

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/quillerr"
)

func TestValidateExternalID(t *testing.T) {
	id, err := ValidateExternalID(json.RawMessage(`"movie_42-a"`))
	require.NoError(t, err)
	assert.Equal(t, "movie_42-a", id)

	id, err = ValidateExternalID(json.RawMessage(`17`))
	require.NoError(t, err)
	assert.Equal(t, "17", id)

	for _, bad := range []string{`"café"`, `"a b"`, `""`, `1.5`, `{"x":1}`, `true`} {
		_, err := ValidateExternalID(json.RawMessage(bad))
		require.Error(t, err, bad)
		assert.Equal(t, quillerr.CodeInvalidDocumentID, quillerr.CodeOf(err), bad)
	}

	_, err = ValidateExternalID(json.RawMessage(`"` + strings.Repeat("x", 512) + `"`))
	require.Error(t, err)

	id, err = ValidateExternalID(json.RawMessage(`"` + strings.Repeat("x", 511) + `"`))
	require.NoError(t, err)
	assert.Len(t, id, 511)
}

func TestExternalID_Missing(t *testing.T) {
	_, err := ExternalID(Raw{"title": json.RawMessage(`"Dune"`)}, "id")
	require.Error(t, err)
	assert.Equal(t, quillerr.CodeMissingDocumentID, quillerr.CodeOf(err))
}

func TestInferPrimaryKey(t *testing.T) {
	pk, err := InferPrimaryKey(Raw{
		"movie_id": json.RawMessage(`1`),
		"title":    json.RawMessage(`"Dune"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "movie_id", pk)

	_, err = InferPrimaryKey(Raw{"title": json.RawMessage(`"Dune"`)})
	require.Error(t, err)

	_, err = InferPrimaryKey(Raw{
		"id":      json.RawMessage(`1`),
		"user_id": json.RawMessage(`2`),
	})
	require.Error(t, err)
}

func TestParseJSONArray(t *testing.T) {
	docs, err := ParseJSONArray(strings.NewReader(`[{"id":1,"title":"Hello"},{"id":2}]`))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, json.RawMessage(`"Hello"`), docs[0]["title"])

	_, err = ParseJSONArray(strings.NewReader(`{"id":1}`))
	require.Error(t, err)
	assert.Equal(t, quillerr.CodeMalformedPayload, quillerr.CodeOf(err))

	_, err = ParseJSONArray(strings.NewReader(`[{"id":1}`))
	require.Error(t, err)
}

func TestParseNDJSON(t *testing.T) {
	payload := "{\"id\":1}\n\n{\"id\":2}\n"
	docs, err := ParseNDJSON(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = ParseNDJSON(strings.NewReader("{\"id\":1}\nnot json\n"))
	require.Error(t, err)
}

func TestParseCSV_TypedHeaders(t *testing.T) {
	payload := "id:number,title,seen:boolean\n1,Hello,true\n2,World,false\n"
	docs, err := ParseCSV(strings.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, json.RawMessage(`1`), docs[0]["id"])
	assert.Equal(t, json.RawMessage(`"Hello"`), docs[0]["title"])
	assert.Equal(t, json.RawMessage(`true`), docs[0]["seen"])
}

func TestParseCSV_Errors(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("id:number\nabc\n"))
	require.Error(t, err)
	assert.Equal(t, quillerr.CodeMalformedPayload, quillerr.CodeOf(err))

	_, err = ParseCSV(strings.NewReader("id:datetime\n1\n"))
	require.Error(t, err)

	_, err = ParseCSV(strings.NewReader("seen:boolean\nyes\n"))
	require.Error(t, err)
}
