package segment

import (
	"fmt"
	"strings"
	"time"

	"github.com/frozenspider/rosetta/internal/document"
	"github.com/frozenspider/rosetta/internal/jobs"
)

// ExcludeFunc decides whether a text leaf passes through verbatim instead of
// becoming a segment. The default excludes leaves the reader marked
// do-not-translate (code blocks and the like).
type ExcludeFunc func(*document.Node) bool

func DefaultExclude(n *document.Node) bool {
	return n.NoTranslate
}

// Segmenter extracts translatable text leaves from a content tree as ordered,
// identity-stable segments, replacing them in place with segment references.
// Splitting is a pure function of the tree and the job id: the same input
// always yields the same ids and ordinals, which is what makes resume safe.
type Segmenter struct {
	exclude ExcludeFunc
}

func NewSegmenter() *Segmenter {
	return &Segmenter{exclude: DefaultExclude}
}

// WithExclude overrides the exclusion predicate.
func (s *Segmenter) WithExclude(fn ExcludeFunc) *Segmenter {
	if fn != nil {
		s.exclude = fn
	}
	return s
}

// Split returns the segments of the tree in pre-order together with the
// placeholder tree. The input tree is not modified.
func (s *Segmenter) Split(tree *document.Node, jobID string) ([]jobs.Segment, *document.Node, error) {
	if tree == nil || tree.Kind != document.KindDocument {
		return nil, nil, &SegmentationError{Message: "root node must be a document"}
	}

	placeholder := tree.Clone()
	now := time.Now().UTC()

	var segments []jobs.Segment
	ordinal := 0
	err := placeholder.Walk(func(n *document.Node) error {
		if n.IsTextLeaf() && len(n.Children) > 0 {
			return fmt.Errorf("text leaf with children")
		}
		if !n.IsTextLeaf() {
			return nil
		}
		if strings.TrimSpace(n.Text) == "" || s.exclude(n) {
			// Passed through verbatim, never dispatched.
			return nil
		}

		segments = append(segments, jobs.Segment{
			ID:         jobs.SegmentID(jobID, ordinal, n.Text),
			JobID:      jobID,
			Ordinal:    ordinal,
			SourceText: n.Text,
			Status:     jobs.SegmentPending,
			UpdatedAt:  now,
		})
		n.SegmentRef = segments[len(segments)-1].ID
		n.Text = ""
		ordinal++
		return nil
	})
	if err != nil {
		return nil, nil, &SegmentationError{Message: "malformed content tree", Cause: err}
	}

	return segments, placeholder, nil
}
