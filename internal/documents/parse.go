package documents

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/quillsearch/quill/internal/quillerr"
)

// Format names a supported payload format.
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// Parse reads a payload in the given format into a document stream.
func Parse(r io.Reader, format Format) ([]Raw, error) {
	switch format {
	case FormatJSON:
		return ParseJSONArray(r)
	case FormatNDJSON:
		return ParseNDJSON(r)
	case FormatCSV:
		return ParseCSV(r)
	default:
		return nil, quillerr.New(quillerr.CodeMalformedPayload, "unknown payload format %q", format)
	}
}

// ParseJSONArray parses a JSON array of objects. A single top-level object
// is rejected as a malformed payload.
func ParseJSONArray(r io.Reader) ([]Raw, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, malformed(err)
	}
	if delim, ok := tok.(json.Delim); ok && delim == '{' {
		// A bare object is not a batch: the payload must be an array.
		return nil, quillerr.New(quillerr.CodeMalformedPayload,
			"expected a JSON array of documents, got a single object")
	} else if !ok || delim != '[' {
		return nil, quillerr.New(quillerr.CodeMalformedPayload,
			"expected a JSON array of documents")
	}

	var docs []Raw
	for dec.More() {
		var doc Raw
		if err := dec.Decode(&doc); err != nil {
			return nil, malformed(err)
		}
		docs = append(docs, doc)
	}
	if _, err := dec.Token(); err != nil {
		return nil, malformed(err)
	}
	return docs, nil
}

// ParseNDJSON parses newline-delimited JSON objects, skipping blank lines.
func ParseNDJSON(r io.Reader) ([]Raw, error) {
	var docs []Raw
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var doc Raw
		if err := json.Unmarshal(text, &doc); err != nil {
			return nil, quillerr.New(quillerr.CodeMalformedPayload,
				"line %d: %v", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed(err)
	}
	return docs, nil
}

type csvColumn struct {
	name string
	kind string // string | number | boolean
}

// ParseCSV parses a CSV payload with typed headers:
// "name:{string|number|boolean}", untyped defaults to string.
func ParseCSV(r io.Reader) ([]Raw, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, malformed(err)
	}

	columns := make([]csvColumn, len(header))
	for i, h := range header {
		name, kind := h, "string"
		if idx := strings.LastIndex(h, ":"); idx >= 0 {
			declared := h[idx+1:]
			switch declared {
			case "string", "number", "boolean":
				name, kind = h[:idx], declared
			default:
				return nil, quillerr.New(quillerr.CodeMalformedPayload,
					"invalid CSV header type %q in column %q", declared, h)
			}
		}
		if name == "" {
			return nil, quillerr.New(quillerr.CodeMalformedPayload,
				"empty CSV column name in header %q", h)
		}
		columns[i] = csvColumn{name: name, kind: kind}
	}

	var docs []Raw
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(err)
		}
		row++
		if len(record) != len(columns) {
			return nil, quillerr.New(quillerr.CodeMalformedPayload,
				"row %d has %d cells, expected %d", row, len(record), len(columns))
		}
		doc := make(Raw, len(columns))
		for i, cell := range record {
			value, err := csvCell(columns[i], cell, row)
			if err != nil {
				return nil, err
			}
			if value != nil {
				doc[columns[i].name] = value
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func csvCell(col csvColumn, cell string, row int) (json.RawMessage, error) {
	if cell == "" {
		// Empty cells of typed columns become null; empty strings stay.
		if col.kind == "string" {
			return json.RawMessage(`""`), nil
		}
		return json.RawMessage("null"), nil
	}
	switch col.kind {
	case "number":
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return nil, quillerr.New(quillerr.CodeMalformedPayload,
				"row %d: column %q: %q is not a number", row, col.name, cell)
		}
		return json.RawMessage(cell), nil
	case "boolean":
		switch cell {
		case "true", "false":
			return json.RawMessage(cell), nil
		default:
			return nil, quillerr.New(quillerr.CodeMalformedPayload,
				"row %d: column %q: %q is not a boolean", row, col.name, cell)
		}
	default:
		encoded, err := json.Marshal(cell)
		if err != nil {
			return nil, malformed(err)
		}
		return encoded, nil
	}
}

func malformed(err error) error {
	return quillerr.Wrap(quillerr.CodeMalformedPayload, fmt.Errorf("malformed payload: %w", err))
}
