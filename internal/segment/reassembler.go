package segment

import (
	"fmt"

	"github.com/frozenspider/rosetta/internal/document"
	"github.com/frozenspider/rosetta/internal/jobs"
)

// Reassembler substitutes resolved segments back into a placeholder tree,
// yielding the translated content tree. Traversal order matches the
// segmenter's so ordinal-indexed lookups stay correct.
type Reassembler struct{}

func NewReassembler() Reassembler {
	return Reassembler{}
}

// Join replaces every segment reference in the placeholder tree with the
// segment's translated text, or with its source text if the segment failed —
// a failed translation must never leave a gap in the document. The input
// tree is not modified.
func (r Reassembler) Join(placeholder *document.Node, segments []jobs.Segment) (*document.Node, error) {
	if placeholder == nil || placeholder.Kind != document.KindDocument {
		return nil, &ReassemblyError{Message: "root node must be a document"}
	}

	byID := make(map[string]jobs.Segment, len(segments))
	for _, seg := range segments {
		byID[seg.ID] = seg
	}

	translated := placeholder.Clone()
	err := translated.Walk(func(n *document.Node) error {
		if !n.IsTextLeaf() || n.SegmentRef == "" {
			return nil
		}

		seg, ok := byID[n.SegmentRef]
		if !ok {
			return fmt.Errorf("placeholder references unknown segment %s", n.SegmentRef)
		}
		switch seg.Status {
		case jobs.SegmentDone:
			n.Text = seg.TranslatedText
		case jobs.SegmentFailed:
			n.Text = seg.SourceText
		default:
			return fmt.Errorf("segment %s is still %s at reassembly", seg.ID, seg.Status)
		}
		n.SegmentRef = ""
		return nil
	})
	if err != nil {
		return nil, &ReassemblyError{Message: err.Error()}
	}

	return translated, nil
}
