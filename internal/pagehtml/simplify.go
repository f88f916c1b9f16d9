// Package pagehtml reduces captured page HTML to what the model needs to
// plan actions, and keeps it inside a token budget.
package pagehtml

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/saccessco/internal/llmutil"
)

// TruncationMarker is appended when a document is cut to fit the budget.
const TruncationMarker = "\n<!-- page truncated -->"

var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
}

// Simplify parses src and removes scripts, styles, embedded documents and
// comments, plus inline style attributes and on* event handlers.
func Simplify(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("failed to parse page HTML: %w", err)
	}
	prune(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("failed to render simplified HTML: %w", err)
	}
	return buf.String(), nil
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && droppedElements[c.DataAtom]:
			n.RemoveChild(c)
		default:
			if c.Type == html.ElementNode {
				c.Attr = keepAttrs(c.Attr)
			}
			prune(c)
		}
		c = next
	}
}

func keepAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if key == "style" || strings.HasPrefix(key, "on") {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// Trimmer cuts documents down to a token budget.
type Trimmer struct {
	budget int
}

// NewTrimmer returns a Trimmer for budget tokens. Zero means unlimited.
func NewTrimmer(budget int) *Trimmer {
	return &Trimmer{budget: budget}
}

// Trim returns doc unchanged when it fits, otherwise its leading tokens
// followed by TruncationMarker. The bool reports whether it was cut.
func (t *Trimmer) Trim(doc string) (string, bool, error) {
	out, cut, err := llmutil.TruncateTokens(doc, t.budget)
	if err != nil {
		return "", false, fmt.Errorf("failed to trim page to %d tokens: %w", t.budget, err)
	}
	if cut {
		out += TruncationMarker
	}
	return out, cut, nil
}

// Prepare simplifies and then trims a page.
func (t *Trimmer) Prepare(src string) (string, error) {
	simplified, err := Simplify(src)
	if err != nil {
		return "", err
	}
	out, _, err := t.Trim(simplified)
	return out, err
}
