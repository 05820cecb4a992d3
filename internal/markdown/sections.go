// Package markdown turns Markdown documents into record CSV files, one
// record per H1/H2 section.
package markdown

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// PreambleID names the text before the first heading.
const PreambleID = "preamble"

// Section is the text under one H1 or H2 heading, up to the next H1 or H2.
type Section struct {
	Index      int
	ID         string // auto-generated heading id, unique within the document
	Title      string
	HeaderPath string // Hierarchy: "# Doc Title > ## Section Name"
	Body       string // text below the heading, H3 and deeper included
}

// Splitter splits markdown documents at header boundaries while preserving context.
type Splitter struct {
	md goldmark.Markdown
}

func NewSplitter() *Splitter {
	return &Splitter{
		md: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
}

// Split returns the sections of source in document order. A document
// without H1/H2 headings is a single preamble section.
func (s *Splitter) Split(source []byte) ([]Section, error) {
	doc := s.md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	headings := boundaryHeadings(doc)
	var sections []Section

	preambleEnd := len(source)
	if len(headings) > 0 {
		preambleEnd = lineStart(source, headings[0].Lines().At(0).Start)
	}
	if body := strings.TrimSpace(string(source[:preambleEnd])); body != "" {
		sections = append(sections, Section{ID: PreambleID, Body: body})
	}

	bodies := make(map[string]string, len(headings))
	for i, h := range headings {
		id, ok := headingID(h)
		if !ok {
			continue
		}
		start := lineEnd(source, h.Lines().At(0).Stop)
		end := len(source)
		if i+1 < len(headings) {
			end = lineStart(source, headings[i+1].Lines().At(0).Start)
		}
		if start > end {
			start = end
		}
		bodies[id] = strings.TrimSpace(string(source[start:end]))
	}

	walkItems(tree.Items, nil, func(item *toc.Item, path []string) {
		id := string(item.ID)
		body, ok := bodies[id]
		if !ok {
			return
		}
		sections = append(sections, Section{
			ID:         id,
			Title:      string(item.Title),
			HeaderPath: formatHeaderPath(path),
			Body:       body,
		})
	})

	for i := range sections {
		sections[i].Index = i
	}
	return sections, nil
}

// walkItems visits the TOC depth first, which is document order.
func walkItems(items toc.Items, ancestors []string, visit func(*toc.Item, []string)) {
	for _, item := range items {
		path := ancestors
		if len(item.Title) > 0 {
			path = append(append([]string(nil), ancestors...), string(item.Title))
			visit(item, path)
		}
		walkItems(item.Items, path, visit)
	}
}

// boundaryHeadings returns the H1 and H2 nodes in document order.
func boundaryHeadings(doc ast.Node) []*ast.Heading {
	var out []*ast.Heading
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			if h.Level <= 2 && h.Lines().Len() > 0 {
				out = append(out, h)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return out
}

func headingID(h *ast.Heading) (string, bool) {
	v, ok := h.AttributeString("id")
	if !ok {
		return "", false
	}
	b, ok := v.([]byte)
	return string(b), ok
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = strings.Repeat("#", i+1) + " " + segment
	}
	return strings.Join(parts, " > ")
}

// lineStart returns the offset of the first byte of the line holding pos.
func lineStart(source []byte, pos int) int {
	for pos > 0 && source[pos-1] != '\n' {
		pos--
	}
	return pos
}

// lineEnd returns the offset just past the newline ending the line holding pos.
func lineEnd(source []byte, pos int) int {
	for pos < len(source) && source[pos] != '\n' {
		pos++
	}
	if pos < len(source) {
		pos++
	}
	return pos
}
