package policyingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/policydoc"
)

func TestCombineStampsPageMarkersAndBuildsIndex(t *testing.T) {
	docs := []Document{
		{Filename: "a.pdf", Pages: []string{"hello\nworld"}},
		{Filename: "b.pdf", Pages: []string{"first page", "second page"}},
	}
	markdown, index := Combine("/policies", docs)

	require.Contains(t, markdown, "<!-- PAGE:a.pdf:1:")
	require.Contains(t, markdown, "<!-- PAGE:b.pdf:1:")
	require.Contains(t, markdown, "<!-- PAGE:b.pdf:2:")
	require.Len(t, index, 3)
	require.Equal(t, "a.pdf", index[0].Filename)
	require.Equal(t, 1, index[0].Page)
	require.Equal(t, "b.pdf", index[2].Filename)
	require.Equal(t, 2, index[2].Page)
}

func TestCombineIndexMatchesBuildIndexFromMarkdown(t *testing.T) {
	docs := []Document{{Filename: "policy.pdf", Pages: []string{"line one\nline two\nline three"}}}
	markdown, index := Combine("/policies", docs)

	rebuilt := policydoc.BuildIndexFromMarkdown(markdown)
	require.Equal(t, index, rebuilt)
}

func TestCombineProducesResolvableCorpus(t *testing.T) {
	docs := []Document{{Filename: "policy.pdf", Pages: []string{"alpha\nbeta TARGET\ngamma"}}}
	markdown, index := Combine("/policies", docs)
	corpus := &policydoc.Corpus{Markdown: markdown, Index: index}

	lines := strings.Split(markdown, "\n")
	targetLineNo := 0
	for i, l := range lines {
		if strings.Contains(l, "TARGET") {
			targetLineNo = i + 1
		}
	}
	require.NotZero(t, targetLineNo)

	text, err := corpus.Resolve(policydoc.Citation{Filename: "policy.pdf", Page: 1, Line: targetLineNo}, 1)
	require.NoError(t, err)
	require.Contains(t, text, "TARGET")
}
