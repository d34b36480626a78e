package document

import "fmt"

// NodeKind discriminates content tree nodes.
type NodeKind string

const (
	KindDocument  NodeKind = "document"
	KindHeading   NodeKind = "heading"
	KindParagraph NodeKind = "paragraph"
	KindQuote     NodeKind = "quote"
	KindList      NodeKind = "list"
	KindListItem  NodeKind = "list_item"
	KindCodeBlock NodeKind = "code_block"
	KindRule      NodeKind = "rule"
	KindText      NodeKind = "text"
)

// Node is one element of a document content tree. Text leaves carry the
// translatable content; all other kinds are structural and pass through a
// translation unchanged. In a placeholder tree a text leaf carries a
// SegmentRef instead of its Text.
type Node struct {
	Kind NodeKind `json:"kind"`

	// Text is the literal content of text leaves and verbatim blocks.
	Text string `json:"text,omitempty"`

	// SegmentRef references the segment that resolves this leaf.
	SegmentRef string `json:"segment_ref,omitempty"`

	// Level is the heading depth, 1-6.
	Level int `json:"level,omitempty"`

	// Marker preserves the source marker of lists, rules and code fences.
	Marker string `json:"marker,omitempty"`

	// NoTranslate marks leaves that must pass through verbatim.
	NoTranslate bool `json:"no_translate,omitempty"`

	Children []*Node `json:"children,omitempty"`
}

// IsTextLeaf reports whether the node is a translatable text leaf.
func (n *Node) IsTextLeaf() bool {
	return n != nil && n.Kind == KindText
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	tmp := *n
	if len(n.Children) > 0 {
		tmp.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			tmp.Children[i] = child.Clone()
		}
	}
	return &tmp
}

// Walk visits the node and its descendants in pre-order. Traversal stops at
// the first error.
func (n *Node) Walk(fn func(*Node) error) error {
	if n == nil {
		return nil
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if child == nil {
			return fmt.Errorf("nil child under %s node", n.Kind)
		}
		if err := child.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// CountNodes returns the total number of nodes in the tree.
func (n *Node) CountNodes() int {
	count := 0
	_ = n.Walk(func(*Node) error {
		count++
		return nil
	})
	return count
}

// FormatError reports an unparseable or unserializable document.
type FormatError struct {
	Message string
	Cause   error
}

func (e *FormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("document format error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("document format error: %s", e.Message)
}

func (e *FormatError) Unwrap() error {
	return e.Cause
}
