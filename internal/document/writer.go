package document

import (
	"fmt"
	"strings"
)

// Writer serializes a content tree back to markdown. Blocks are separated by
// blank lines; sentence-split leaves of one block are rejoined with newlines.
type Writer struct{}

func NewWriter() Writer {
	return Writer{}
}

func (w Writer) Serialize(doc *Node) ([]byte, error) {
	if doc == nil || doc.Kind != KindDocument {
		return nil, &FormatError{Message: "root node must be a document"}
	}

	var blocks []string
	for _, block := range doc.Children {
		rendered, err := w.renderBlock(block)
		if err != nil {
			return nil, err
		}
		if rendered != "" {
			blocks = append(blocks, rendered)
		}
	}

	if len(blocks) == 0 {
		return []byte{}, nil
	}
	return []byte(strings.Join(blocks, "\n\n") + "\n"), nil
}

func (w Writer) renderBlock(n *Node) (string, error) {
	switch n.Kind {
	case KindHeading:
		text, err := joinLeaves(n.Children, " ")
		if err != nil {
			return "", err
		}
		return strings.Repeat("#", n.Level) + " " + text, nil

	case KindParagraph:
		return joinLeaves(n.Children, "\n")

	case KindQuote:
		text, err := joinLeaves(n.Children, "\n")
		if err != nil {
			return "", err
		}
		quoted := make([]string, 0)
		for _, line := range strings.Split(text, "\n") {
			quoted = append(quoted, "> "+line)
		}
		return strings.Join(quoted, "\n"), nil

	case KindList:
		items := make([]string, 0, len(n.Children))
		for _, item := range n.Children {
			if item.Kind != KindListItem {
				return "", &FormatError{Message: fmt.Sprintf("unexpected %s node inside list", item.Kind)}
			}
			text, err := joinLeaves(item.Children, " ")
			if err != nil {
				return "", err
			}
			items = append(items, item.Marker+" "+text)
		}
		return strings.Join(items, "\n"), nil

	case KindCodeBlock:
		return joinLeaves(n.Children, "\n")

	case KindRule:
		return n.Marker, nil

	default:
		return "", &FormatError{Message: fmt.Sprintf("unexpected %s node at block level", n.Kind)}
	}
}

func joinLeaves(leaves []*Node, sep string) (string, error) {
	parts := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if !leaf.IsTextLeaf() {
			return "", &FormatError{Message: fmt.Sprintf("unexpected %s node where a text leaf was expected", leaf.Kind)}
		}
		if leaf.SegmentRef != "" {
			return "", &FormatError{Message: "cannot serialize a placeholder tree with unresolved segment refs"}
		}
		parts = append(parts, leaf.Text)
	}
	return strings.Join(parts, sep), nil
}
