package markdown

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultSummaryRunes bounds metadata_small, the embedded part of a row.
	DefaultSummaryRunes = 300

	// DefaultBigFieldBytes bounds each metadata_big column.
	DefaultBigFieldBytes = 8000
)

// Row is one CSV record produced from a section.
type Row struct {
	Code          string
	MetadataSmall string
	MetadataBig   [3]string
	// Truncated is set when the body did not fit the three big columns.
	Truncated bool
}

// ConverterConfig tunes a Converter. Zero values select the defaults.
type ConverterConfig struct {
	SummaryRunes  int
	BigFieldBytes int
	// Base64 encodes metadata columns, which keeps multi-line bodies on one
	// CSV line. The CSV parser decodes them transparently.
	Base64 bool
}

type Converter struct {
	splitter *Splitter
	cfg      ConverterConfig
}

func NewConverter(cfg ConverterConfig) *Converter {
	if cfg.SummaryRunes <= 0 {
		cfg.SummaryRunes = DefaultSummaryRunes
	}
	if cfg.BigFieldBytes <= 0 {
		cfg.BigFieldBytes = DefaultBigFieldBytes
	}
	return &Converter{splitter: NewSplitter(), cfg: cfg}
}

// Convert splits source and builds one row per section. Codes are
// "<document slug>-<heading id>" so they stay unique across documents.
func (c *Converter) Convert(source []byte, docName string) ([]Row, error) {
	sections, err := c.splitter.Split(source)
	if err != nil {
		return nil, err
	}
	prefix := slug(strings.TrimSuffix(path.Base(docName), path.Ext(docName)))

	rows := make([]Row, 0, len(sections))
	for _, s := range sections {
		if s.Body == "" && s.Title == "" {
			continue
		}
		row := Row{
			Code:          prefix + "-" + s.ID,
			MetadataSmall: c.summary(s),
		}
		row.MetadataBig, row.Truncated = splitBody(s.Body, c.cfg.BigFieldBytes)
		rows = append(rows, row)
	}
	return rows, nil
}

// summary is the header path followed by the first paragraph.
func (c *Converter) summary(s Section) string {
	var parts []string
	if s.HeaderPath != "" {
		parts = append(parts, strings.NewReplacer("# ", "", "#", "").Replace(s.HeaderPath))
	}
	if para := firstParagraph(s.Body); para != "" {
		parts = append(parts, para)
	}
	return truncateRunes(strings.Join(parts, ": "), c.cfg.SummaryRunes)
}

// WriteCSV writes rows with a header line using delim.
func (c *Converter) WriteCSV(w io.Writer, rows []Row, delim rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim

	if err := cw.Write([]string{"code", "metadata_small", "metadata_big_1", "metadata_big_2", "metadata_big_3"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Code, c.encode(r.MetadataSmall), c.encode(r.MetadataBig[0]), c.encode(r.MetadataBig[1]), c.encode(r.MetadataBig[2])}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %s: %w", r.Code, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (c *Converter) encode(s string) string {
	// Below four bytes the encoding is too short to be recognized on read.
	if !c.cfg.Base64 || len(s) < 4 {
		return s
	}
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func firstParagraph(body string) string {
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "#") || strings.HasPrefix(para, "```") {
			continue
		}
		return strings.Join(strings.Fields(para), " ")
	}
	return ""
}

// splitBody spreads body over three columns of at most size bytes each,
// cutting on rune boundaries.
func splitBody(body string, size int) ([3]string, bool) {
	var out [3]string
	for i := range out {
		if body == "" {
			break
		}
		cut := min(size, len(body))
		for cut < len(body) && cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		out[i], body = body[:cut], body[cut:]
	}
	return out, body != ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "doc"
	}
	return out
}
