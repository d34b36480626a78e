package segment

import (
	"testing"

	"github.com/frozenspider/rosetta/internal/document"
	"github.com/frozenspider/rosetta/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseDoc(t *testing.T, src string) *document.Node {
	t.Helper()
	doc, err := document.NewReader().Parse([]byte(src))
	require.NoError(t, err)
	return doc
}

func TestSegmenter_SplitAssignsPreOrderOrdinals(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "# Title\n\nFirst paragraph.\n\n- one\n- two\n")
	segments, placeholder, err := NewSegmenter().Split(doc, "job-1")
	require.NoError(t, err)

	require.Len(t, segments, 4)
	assert.Equal(t, "Title", segments[0].SourceText)
	assert.Equal(t, "First paragraph.", segments[1].SourceText)
	assert.Equal(t, "one", segments[2].SourceText)
	assert.Equal(t, "two", segments[3].SourceText)
	for i, seg := range segments {
		assert.Equal(t, i, seg.Ordinal)
		assert.Equal(t, jobs.SegmentPending, seg.Status)
		assert.Equal(t, "job-1", seg.JobID)
	}

	// The placeholder tree keeps the structure but loses the leaf text.
	assert.Equal(t, doc.CountNodes(), placeholder.CountNodes())
	refs := 0
	require.NoError(t, placeholder.Walk(func(n *document.Node) error {
		if n.SegmentRef != "" {
			refs++
			assert.Empty(t, n.Text)
		}
		return nil
	}))
	assert.Equal(t, len(segments), refs)
}

func TestSegmenter_SplitIsDeterministic(t *testing.T) {
	t.Parallel()

	src := "# Title\n\nSome text here. More text there.\n"
	first, _, err := NewSegmenter().Split(parseDoc(t, src), "job-1")
	require.NoError(t, err)
	second, _, err := NewSegmenter().Split(parseDoc(t, src), "job-1")
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Ordinal, second[i].Ordinal)
		assert.Equal(t, first[i].SourceText, second[i].SourceText)
	}

	// A different job id yields different segment ids.
	other, _, err := NewSegmenter().Split(parseDoc(t, src), "job-2")
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, other[0].ID)
}

func TestSegmenter_SkipsCodeBlocksAndWhitespace(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "Prose before.\n\n```sh\nmake all\n```\n\nProse after.\n")
	segments, placeholder, err := NewSegmenter().Split(doc, "job-1")
	require.NoError(t, err)

	require.Len(t, segments, 2)
	assert.Equal(t, "Prose before.", segments[0].SourceText)
	assert.Equal(t, "Prose after.", segments[1].SourceText)

	// The code block leaf survives verbatim in the placeholder tree.
	var codeText string
	require.NoError(t, placeholder.Walk(func(n *document.Node) error {
		if n.NoTranslate {
			codeText = n.Text
		}
		return nil
	}))
	assert.Contains(t, codeText, "make all")
}

func TestSegmenter_CustomExclude(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "# KEEP\n\nTranslate me.\n")
	segments, _, err := NewSegmenter().
		WithExclude(func(n *document.Node) bool { return n.NoTranslate || n.Text == "KEEP" }).
		Split(doc, "job-1")
	require.NoError(t, err)

	require.Len(t, segments, 1)
	assert.Equal(t, "Translate me.", segments[0].SourceText)
}

func TestSegmenter_RejectsMalformedTree(t *testing.T) {
	t.Parallel()

	_, _, err := NewSegmenter().Split(&document.Node{Kind: document.KindParagraph}, "job-1")
	require.Error(t, err)
	var segErr *SegmentationError
	assert.ErrorAs(t, err, &segErr)

	bad := &document.Node{Kind: document.KindDocument, Children: []*document.Node{
		{Kind: document.KindParagraph, Children: []*document.Node{nil}},
	}}
	_, _, err = NewSegmenter().Split(bad, "job-1")
	require.Error(t, err)
	assert.ErrorAs(t, err, &segErr)
}

func TestReassembler_JoinRestoresOriginalOrder(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "Hello\n\nworld\n\n!\n")
	segments, placeholder, err := NewSegmenter().Split(doc, "job-1")
	require.NoError(t, err)
	require.Len(t, segments, 3)

	translations := map[string]string{"Hello": "Bonjour", "world": "monde", "!": "!"}
	// Resolve out of order: completion order must not matter.
	for i := len(segments) - 1; i >= 0; i-- {
		segments[i].Status = jobs.SegmentDone
		segments[i].TranslatedText = translations[segments[i].SourceText]
	}

	translated, err := NewReassembler().Join(placeholder, segments)
	require.NoError(t, err)

	var leaves []string
	require.NoError(t, translated.Walk(func(n *document.Node) error {
		if n.IsTextLeaf() {
			leaves = append(leaves, n.Text)
		}
		return nil
	}))
	assert.Equal(t, []string{"Bonjour", "monde", "!"}, leaves)
	assert.Equal(t, doc.CountNodes(), translated.CountNodes())
}

func TestReassembler_FailedSegmentFallsBackToSource(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "Hello\n\nworld\n")
	segments, placeholder, err := NewSegmenter().Split(doc, "job-1")
	require.NoError(t, err)

	segments[0].Status = jobs.SegmentDone
	segments[0].TranslatedText = "Bonjour"
	segments[1].Status = jobs.SegmentFailed
	segments[1].LastError = "content policy rejection"

	translated, err := NewReassembler().Join(placeholder, segments)
	require.NoError(t, err)

	var leaves []string
	require.NoError(t, translated.Walk(func(n *document.Node) error {
		if n.IsTextLeaf() {
			leaves = append(leaves, n.Text)
		}
		return nil
	}))
	assert.Equal(t, []string{"Bonjour", "world"}, leaves)
}

func TestReassembler_MissingSegmentIsFatal(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "Hello\n")
	segments, placeholder, err := NewSegmenter().Split(doc, "job-1")
	require.NoError(t, err)
	require.Len(t, segments, 1)

	_, err = NewReassembler().Join(placeholder, nil)
	require.Error(t, err)
	var reErr *ReassemblyError
	assert.ErrorAs(t, err, &reErr)
}

func TestReassembler_UnresolvedSegmentIsFatal(t *testing.T) {
	t.Parallel()

	doc := parseDoc(t, "Hello\n")
	segments, placeholder, err := NewSegmenter().Split(doc, "job-1")
	require.NoError(t, err)

	// Still pending: reassembly must refuse rather than emit a gap.
	_, err = NewReassembler().Join(placeholder, segments)
	require.Error(t, err)
	var reErr *ReassemblyError
	assert.ErrorAs(t, err, &reErr)
}
