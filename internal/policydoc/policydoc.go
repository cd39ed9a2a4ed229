// Package policydoc defines the ingested-policy artifacts of §3.5 —
// combined_policy.md with page markers, its line index, and citation
// parsing/resolution — shared between the offline policy ingestion stage
// (R, the producer) and the online adjudicator (Q, the consumer of
// source_citation strings stamped onto every graph node).
package policydoc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IndexEntry locates one source page's span of lines within
// combined_policy.md.
type IndexEntry struct {
	Filename  string `json:"filename"`
	Page      int    `json:"page"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// PageMarker is the literal HTML-comment marker ingestion stamps ahead of
// each source page's content, e.g. "<!-- PAGE:policy.pdf:3:120:180 -->".
func PageMarker(filename string, page, startLine, endLine int) string {
	return fmt.Sprintf("<!-- PAGE:%s:%d:%d:%d -->", filename, page, startLine, endLine)
}

var pageMarkerPattern = regexp.MustCompile(`^<!-- PAGE:(.+):(\d+):(\d+):(\d+) -->$`)

// Corpus is the compiled policy document the graph's source_citation
// strings point into.
type Corpus struct {
	Markdown string
	Index    []IndexEntry
}

// BuildIndexFromMarkdown derives the index by scanning for page markers,
// used when ingestion writes markdown incrementally and needs a
// consistent index.json in the same pass.
func BuildIndexFromMarkdown(markdown string) []IndexEntry {
	var entries []IndexEntry
	lines := strings.Split(markdown, "\n")
	for _, line := range lines {
		m := pageMarkerPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		page, _ := strconv.Atoi(m[2])
		start, _ := strconv.Atoi(m[3])
		end, _ := strconv.Atoi(m[4])
		entries = append(entries, IndexEntry{Filename: m[1], Page: page, StartLine: start, EndLine: end})
	}
	return entries
}

var citationPattern = regexp.MustCompile(`^(.+):page(\d+):line(\d+)$`)

// Citation is a parsed `<filename>:page<N>:line<M>` reference.
type Citation struct {
	Filename string
	Page     int
	Line     int
}

func ParseCitation(s string) (Citation, error) {
	m := citationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Citation{}, fmt.Errorf("policydoc: malformed citation %q", s)
	}
	page, _ := strconv.Atoi(m[2])
	line, _ := strconv.Atoi(m[3])
	return Citation{Filename: m[1], Page: page, Line: line}, nil
}

func (c Citation) String() string {
	return fmt.Sprintf("%s:page%d:line%d", c.Filename, c.Page, c.Line)
}

// Resolve slices ±contextLines around the citation's target line from the
// corpus markdown, truncated to 500 characters, matching §4.Q.5. The
// citation's line number is interpreted directly as a line index into
// Markdown — the index entry is consulted only to validate the page/file
// is known, mirroring the original's index-assisted lookup.
func (c *Corpus) Resolve(citation Citation, contextLines int) (string, error) {
	found := false
	for _, e := range c.Index {
		if e.Filename == citation.Filename && e.Page == citation.Page {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("policydoc: citation %s references an unknown page", citation)
	}

	lines := strings.Split(c.Markdown, "\n")
	target := citation.Line - 1 // 1-indexed in the citation
	if target < 0 {
		target = 0
	}
	if target >= len(lines) {
		target = len(lines) - 1
	}
	start := target - contextLines
	if start < 0 {
		start = 0
	}
	end := target + contextLines + 1
	if end > len(lines) {
		end = len(lines)
	}
	slice := strings.Join(lines[start:end], "\n")
	if len(slice) > 500 {
		slice = slice[:500]
	}
	return slice, nil
}
