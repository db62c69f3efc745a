// ABOUTME: Renders the denormalized last-message preview shown in conversation lists
// ABOUTME: Strips markdown with goldmark and bounds the result to a rune limit

package preview

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/parley/internal/chat"
)

const (
	// ImagePlaceholder stands in for messages that only carry an image.
	ImagePlaceholder = "📷 Photo"

	// DefaultMaxRunes bounds previews produced by the default renderer.
	DefaultMaxRunes = 80
)

// Renderer turns message bodies into single-line plain-text previews.
// It is safe for concurrent use.
type Renderer struct {
	md       goldmark.Markdown
	maxRunes int
}

// New creates a Renderer. maxRunes <= 0 selects DefaultMaxRunes.
func New(maxRunes int) *Renderer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &Renderer{
		md:       goldmark.New(),
		maxRunes: maxRunes,
	}
}

var defaultRenderer = New(DefaultMaxRunes)

// ForMessage returns the preview for msg using the default renderer.
func ForMessage(msg *chat.Message) string {
	return defaultRenderer.Message(msg)
}

// Message returns the preview for msg: its text when present, otherwise
// the image placeholder.
func (r *Renderer) Message(msg *chat.Message) string {
	if msg == nil {
		return ""
	}
	if s := r.Text(msg.Text); s != "" {
		return s
	}
	if msg.HasImage() {
		return ImagePlaceholder
	}
	return ""
}

// Text flattens markdown source into plain text with collapsed whitespace.
func (r *Renderer) Text(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	source := []byte(src)
	doc := r.md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(source))
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
				b.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return truncate(strings.Join(strings.Fields(b.String()), " "), r.maxRunes)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
