package policydoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCitationRoundTrips(t *testing.T) {
	c, err := ParseCitation("policy.pdf:page3:line120")
	require.NoError(t, err)
	require.Equal(t, "policy.pdf", c.Filename)
	require.Equal(t, 3, c.Page)
	require.Equal(t, 120, c.Line)
	require.Equal(t, "policy.pdf:page3:line120", c.String())
}

func TestParseCitationRejectsMalformed(t *testing.T) {
	_, err := ParseCitation("not-a-citation")
	require.Error(t, err)
}

func TestBuildIndexFromMarkdownFindsMarkers(t *testing.T) {
	md := "intro\n" + PageMarker("policy.pdf", 1, 2, 10) + "\nsome text\n" + PageMarker("policy.pdf", 2, 11, 20) + "\nmore text"
	idx := BuildIndexFromMarkdown(md)
	require.Len(t, idx, 2)
	require.Equal(t, 1, idx[0].Page)
	require.Equal(t, 2, idx[1].Page)
}

func TestResolveSlicesContextAroundLine(t *testing.T) {
	lines := []string{"l0", "l1", "l2 TARGET", "l3", "l4"}
	corpus := &Corpus{
		Markdown: joinLines(lines),
		Index:    []IndexEntry{{Filename: "policy.pdf", Page: 1, StartLine: 0, EndLine: 4}},
	}
	text, err := corpus.Resolve(Citation{Filename: "policy.pdf", Page: 1, Line: 3}, 1)
	require.NoError(t, err)
	require.Contains(t, text, "TARGET")
}

func TestResolveRejectsUnknownPage(t *testing.T) {
	corpus := &Corpus{Markdown: "x", Index: nil}
	_, err := corpus.Resolve(Citation{Filename: "missing.pdf", Page: 1, Line: 1}, 1)
	require.Error(t, err)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
