package document

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxSectionLen bounds the length of a single text leaf. Longer
// paragraphs are split at sentence boundaries so each leaf stays within what
// a translation model handles reliably in one call.
const DefaultMaxSectionLen = 5000

// sentenceBreakRe matches the end of a sentence followed by the start of the
// next one (terminal punctuation, whitespace, uppercase letter).
var sentenceBreakRe = regexp.MustCompile(`[.!?]\s+\p{Lu}`)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	ruleRe     = regexp.MustCompile(`^(\s{0,3})(-{3,}|\*{3,}|_{3,})\s*$`)
	listItemRe = regexp.MustCompile(`^(\s*)([-*+]|\d+[.)])\s+(.*)$`)
	fenceRe    = regexp.MustCompile("^(```+|~~~+)")
)

// Reader parses markdown bytes into a content tree.
type Reader struct {
	maxSectionLen int
}

func NewReader() *Reader {
	return &Reader{maxSectionLen: DefaultMaxSectionLen}
}

// WithMaxSectionLen overrides the text leaf length bound.
func (r *Reader) WithMaxSectionLen(n int) *Reader {
	if n > 0 {
		r.maxSectionLen = n
	}
	return r
}

// Parse builds the content tree for a markdown document. The tree is a
// document node whose children are block nodes; translatable text lives in
// text leaves beneath them.
func (r *Reader) Parse(data []byte) (*Node, error) {
	doc := &Node{Kind: KindDocument}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			i++
			continue
		}

		if fenceRe.MatchString(trimmed) {
			block, next, err := r.readFencedBlock(lines, i)
			if err != nil {
				return nil, err
			}
			doc.Children = append(doc.Children, block)
			i = next
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			doc.Children = append(doc.Children, &Node{
				Kind:     KindHeading,
				Level:    len(m[1]),
				Children: []*Node{{Kind: KindText, Text: m[2]}},
			})
			i++
			continue
		}

		if ruleRe.MatchString(line) {
			doc.Children = append(doc.Children, &Node{Kind: KindRule, Marker: trimmed})
			i++
			continue
		}

		if listItemRe.MatchString(line) {
			block, next := r.readList(lines, i)
			doc.Children = append(doc.Children, block)
			i = next
			continue
		}

		if strings.HasPrefix(trimmed, ">") {
			block, next, err := r.readQuote(lines, i)
			if err != nil {
				return nil, err
			}
			doc.Children = append(doc.Children, block)
			i = next
			continue
		}

		block, next, err := r.readParagraph(lines, i)
		if err != nil {
			return nil, err
		}
		doc.Children = append(doc.Children, block)
		i = next
	}

	return doc, nil
}

// readFencedBlock consumes a fenced code block, fences included, as a single
// verbatim leaf.
func (r *Reader) readFencedBlock(lines []string, start int) (*Node, int, error) {
	fence := fenceRe.FindString(strings.TrimSpace(lines[start]))
	var body []string
	body = append(body, lines[start])

	i := start + 1
	for ; i < len(lines); i++ {
		body = append(body, lines[i])
		if strings.HasPrefix(strings.TrimSpace(lines[i]), fence) {
			return &Node{
				Kind:   KindCodeBlock,
				Marker: fence,
				Children: []*Node{{
					Kind:        KindText,
					Text:        strings.Join(body, "\n"),
					NoTranslate: true,
				}},
			}, i + 1, nil
		}
	}
	return nil, 0, &FormatError{Message: fmt.Sprintf("unterminated code fence opened at line %d", start+1)}
}

func (r *Reader) readList(lines []string, start int) (*Node, int) {
	list := &Node{Kind: KindList}
	i := start
	for ; i < len(lines); i++ {
		m := listItemRe.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		list.Children = append(list.Children, &Node{
			Kind:     KindListItem,
			Marker:   m[1] + m[2],
			Children: []*Node{{Kind: KindText, Text: m[3]}},
		})
	}
	return list, i
}

func (r *Reader) readQuote(lines []string, start int) (*Node, int, error) {
	var content []string
	i := start
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, ">") {
			break
		}
		content = append(content, strings.TrimPrefix(strings.TrimPrefix(trimmed, ">"), " "))
	}

	leaves, err := r.splitSection(strings.Join(content, " "))
	if err != nil {
		return nil, 0, err
	}
	return &Node{Kind: KindQuote, Marker: ">", Children: leaves}, i, nil
}

func (r *Reader) readParagraph(lines []string, start int) (*Node, int, error) {
	var content []string
	i := start
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || headingRe.MatchString(lines[i]) || fenceRe.MatchString(trimmed) ||
			listItemRe.MatchString(lines[i]) || strings.HasPrefix(trimmed, ">") {
			break
		}
		content = append(content, trimmed)
	}

	leaves, err := r.splitSection(strings.Join(content, " "))
	if err != nil {
		return nil, 0, err
	}
	return &Node{Kind: KindParagraph, Children: leaves}, i, nil
}

// splitSection breaks an over-long section into sentence-bounded leaves. The
// break point is searched from half the limit onward so leaves do not
// degenerate into fragments.
func (r *Reader) splitSection(s string) ([]*Node, error) {
	s = strings.TrimSpace(s)
	var leaves []*Node
	for len(s) > r.maxSectionLen {
		minBreak := r.maxSectionLen / 2
		loc := sentenceBreakRe.FindStringIndex(s[minBreak:])
		if loc == nil {
			return nil, &FormatError{Message: "could not find a suitable break point to split a section"}
		}
		// Cut just past the terminal punctuation.
		cut := minBreak + loc[0] + 1
		leaves = append(leaves, &Node{Kind: KindText, Text: strings.TrimSpace(s[:cut])})
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		leaves = append(leaves, &Node{Kind: KindText, Text: s})
	}
	return leaves, nil
}
