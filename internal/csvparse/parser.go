// Package csvparse turns uploaded CSV files into records.
package csvparse

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bull/recordsync/internal/storage"
)

// DefaultDelimiter separates fields when the caller does not pick one.
const DefaultDelimiter = ';'

// Recognized column names.
const (
	ColumnCode          = "code"
	ColumnMetadataSmall = "metadata_small"
	ColumnMetadataBig1  = "metadata_big_1"
	ColumnMetadataBig2  = "metadata_big_2"
	ColumnMetadataBig3  = "metadata_big_3"
)

var (
	ErrEmptyInput    = errors.New("csv input is empty")
	ErrMissingColumn = errors.New("required column missing from header")
)

// candidateDelimiters are tried when the header does not use the configured one.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// RowError describes a dropped row.
type RowError struct {
	Line   int
	Code   string
	Reason string
}

func (e RowError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("line %d (%s): %s", e.Line, e.Code, e.Reason)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Result is the outcome of parsing one file.
type Result struct {
	Records []storage.Record
	Dropped []RowError
	// HeaderNormalized is set when the header delimiter was rewritten.
	HeaderNormalized bool
}

// Parser converts CSV bytes into records.
type Parser struct {
	Delimiter rune
}

func NewParser(delimiter rune) *Parser {
	if delimiter == 0 {
		delimiter = DefaultDelimiter
	}
	return &Parser{Delimiter: delimiter}
}

// Parse reads data as CSV with a header row. Rows lacking code or
// metadata_small, malformed rows and repeated codes are dropped and reported.
func (p *Parser) Parse(data []byte, fileName, namespace string) (*Result, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyInput
	}
	if namespace == "" {
		namespace = storage.DefaultNamespace
	}

	result := &Result{}
	data, result.HeaderNormalized = normalizeHeader(data, p.Delimiter)

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = p.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := indexColumns(header)
	for _, required := range []string{ColumnCode, ColumnMetadataSmall} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	seen := make(map[string]struct{})
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				result.Dropped = append(result.Dropped, RowError{Line: perr.Line, Reason: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("read row: %w", err)
		}
		if isBlank(row) {
			continue
		}
		line, _ := r.FieldPos(0)

		raw := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		field := func(name string) string { return DecodeField(raw(name)) }

		code := raw(ColumnCode)
		small := field(ColumnMetadataSmall)
		switch {
		case code == "":
			result.Dropped = append(result.Dropped, RowError{Line: line, Reason: "missing code"})
			continue
		case small == "":
			result.Dropped = append(result.Dropped, RowError{Line: line, Code: code, Reason: "missing metadata_small"})
			continue
		}
		if _, dup := seen[code]; dup {
			result.Dropped = append(result.Dropped, RowError{Line: line, Code: code, Reason: "duplicate code"})
			continue
		}
		seen[code] = struct{}{}

		result.Records = append(result.Records, storage.Record{
			Code:          code,
			FileName:      fileName,
			Namespace:     namespace,
			MetadataSmall: small,
			MetadataBig1:  field(ColumnMetadataBig1),
			MetadataBig2:  field(ColumnMetadataBig2),
			MetadataBig3:  field(ColumnMetadataBig3),
		})
	}
	return result, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, ok := cols[name]; !ok {
			cols[name] = i
		}
	}
	return cols
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// normalizeHeader rewrites the header line when it is split by a different
// delimiter than the body. Only the header is touched.
func normalizeHeader(data []byte, delim rune) ([]byte, bool) {
	end := bytes.IndexByte(data, '\n')
	if end < 0 {
		return data, false
	}
	header := string(bytes.TrimRight(data[:end], "\r"))
	body := data[end+1:]

	if strings.ContainsRune(header, delim) || !bytes.ContainsRune(firstLine(body), delim) {
		return data, false
	}
	for _, c := range candidateDelimiters {
		if c == delim || !strings.ContainsRune(header, c) {
			continue
		}
		fixed := strings.ReplaceAll(header, string(c), string(delim))
		out := make([]byte, 0, len(fixed)+1+len(body))
		out = append(out, fixed...)
		out = append(out, '\n')
		out = append(out, body...)
		return out, true
	}
	return data, false
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

// DecodeField returns the base64 decoding of s when it decodes to readable
// text, and s unchanged otherwise. Unpadded input is only tried from eight
// characters on, and shorter values must decode to printable ASCII, so that
// short plain words are not mistaken for base64.
func DecodeField(s string) string {
	if s == "" || strings.ContainsAny(s, " \t") {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil && len(s) >= minUnpaddedLen && !strings.Contains(s, "=") {
		decoded, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil || !isReadable(decoded) {
		return s
	}
	if len(s) < minUnpaddedLen && !isASCII(decoded) {
		return s
	}
	return string(decoded)
}

const minUnpaddedLen = 8

func isASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func isReadable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}
