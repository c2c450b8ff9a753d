// Package documents parses raw document payloads and resolves primary keys.
package documents

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/quillsearch/quill/internal/quillerr"
)

// MaxExternalIDLength bounds an external document id.
const MaxExternalIDLength = 511

// Raw is one parsed document: field name → raw JSON value.
type Raw map[string]json.RawMessage

// ValidateExternalID checks a primary-key value and returns its canonical
// string form. Accepted shapes: a string of [A-Za-z0-9_-]{1,511}, or an
// integer.
func ValidateExternalID(value json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(value, &asString); err == nil {
		if err := validateIDString(asString); err != nil {
			return "", err
		}
		return asString, nil
	}
	var asNumber float64
	if err := json.Unmarshal(value, &asNumber); err == nil {
		if asNumber != math.Trunc(asNumber) || math.IsInf(asNumber, 0) {
			return "", quillerr.New(quillerr.CodeInvalidDocumentID,
				"document id %v is not an integer", asNumber)
		}
		return fmt.Sprintf("%.0f", asNumber), nil
	}
	return "", quillerr.New(quillerr.CodeInvalidDocumentID,
		"document id must be a string or an integer, got %s", compact(value))
}

func validateIDString(id string) error {
	if id == "" || len(id) > MaxExternalIDLength {
		return quillerr.New(quillerr.CodeInvalidDocumentID,
			"document id must be 1 to %d characters long", MaxExternalIDLength)
	}
	for _, c := range []byte(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return quillerr.New(quillerr.CodeInvalidDocumentID,
				"document id %q contains invalid character %q", id, string(c))
		}
	}
	return nil
}

func compact(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 64 {
		s = s[:64] + "…"
	}
	return s
}

// ExternalID extracts and validates the primary-key value of doc.
func ExternalID(doc Raw, primaryKey string) (string, error) {
	value, ok := doc[primaryKey]
	if !ok {
		return "", quillerr.New(quillerr.CodeMissingDocumentID,
			"document is missing the primary key %q", primaryKey)
	}
	return ValidateExternalID(value)
}

// InferPrimaryKey guesses the primary key from the first document of a
// batch: the single field whose name ends in "id" (case-insensitive).
// Zero or several candidates is an error.
func InferPrimaryKey(doc Raw) (string, error) {
	var candidates []string
	for name := range doc {
		if lower := strings.ToLower(name); lower == "id" || strings.HasSuffix(lower, "id") {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", quillerr.New(quillerr.CodePrimaryKeyInferenceFailed,
			"no field name ends in \"id\"; set the primary key explicitly")
	default:
		return "", quillerr.New(quillerr.CodePrimaryKeyInferenceFailed,
			"several fields end in \"id\" (%s); set the primary key explicitly",
			strings.Join(candidates, ", "))
	}
}
