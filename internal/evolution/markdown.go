package evolution

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// mdParser is shared across calls; goldmark parsers are safe for
// concurrent use.
var mdParser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// FormatForWhatsApp converts model-produced Markdown into WhatsApp's
// formatting dialect: *bold*, _italic_, ~strike~, ```mono```. Headings
// become bold lines, links become "text (url)", and list markers are
// normalized. Text that is not Markdown passes through unchanged.
func FormatForWhatsApp(markdown string) string {
	source := []byte(markdown)
	doc := mdParser.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	renderBlocks(&b, doc, source, "")
	return strings.TrimRight(b.String(), "\n")
}

// renderBlocks walks the block-level children of node.
func renderBlocks(b *strings.Builder, node ast.Node, source []byte, prefix string) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Heading:
			b.WriteString(prefix)
			b.WriteString("*")
			renderInline(b, n, source)
			b.WriteString("*\n\n")
		case *ast.Paragraph, *ast.TextBlock:
			b.WriteString(prefix)
			renderInline(b, n, source)
			b.WriteString("\n")
			if _, isPara := child.(*ast.Paragraph); isPara {
				b.WriteString("\n")
			}
		case *ast.List:
			renderList(b, n, source, prefix)
			b.WriteString("\n")
		case *ast.Blockquote:
			var inner strings.Builder
			renderBlocks(&inner, n, source, "")
			for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
				b.WriteString(prefix + "> " + line + "\n")
			}
			b.WriteString("\n")
		case *ast.FencedCodeBlock:
			b.WriteString(prefix + "```\n")
			writeCodeLines(b, n, source)
			b.WriteString("```\n\n")
		case *ast.CodeBlock:
			b.WriteString(prefix + "```\n")
			writeCodeLines(b, n, source)
			b.WriteString("```\n\n")
		case *ast.ThematicBreak:
			b.WriteString(prefix + "———\n\n")
		default:
			renderBlocks(b, child, source, prefix)
		}
	}
}

func renderList(b *strings.Builder, list *ast.List, source []byte, prefix string) {
	index := list.Start
	if index == 0 {
		index = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", index)
			index++
		}

		var inner strings.Builder
		renderBlocks(&inner, item, source, "")
		lines := strings.Split(strings.TrimRight(inner.String(), "\n"), "\n")
		for i, line := range lines {
			if i == 0 {
				b.WriteString(prefix + marker + line + "\n")
				continue
			}
			if line == "" {
				continue
			}
			b.WriteString(prefix + strings.Repeat(" ", len(marker)) + line + "\n")
		}
	}
}

// renderInline flattens the inline children of a block into WhatsApp
// formatting.
func renderInline(b *strings.Builder, node ast.Node, source []byte) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Text:
			b.Write(n.Segment.Value(source))
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.String:
			b.Write(n.Value)
		case *ast.Emphasis:
			// WhatsApp swaps the markers: * is bold, _ is italic.
			marker := "_"
			if n.Level >= 2 {
				marker = "*"
			}
			b.WriteString(marker)
			renderInline(b, n, source)
			b.WriteString(marker)
		case *east.Strikethrough:
			b.WriteString("~")
			renderInline(b, n, source)
			b.WriteString("~")
		case *ast.CodeSpan:
			b.WriteString("```")
			renderInline(b, n, source)
			b.WriteString("```")
		case *ast.Link:
			var label strings.Builder
			renderInline(&label, n, source)
			url := string(n.Destination)
			if label.Len() == 0 || label.String() == url {
				b.WriteString(url)
			} else {
				fmt.Fprintf(b, "%s (%s)", label.String(), url)
			}
		case *ast.AutoLink:
			b.Write(n.URL(source))
		case *ast.Image:
			// Images cannot be inlined in a text message; keep the URL.
			b.Write(n.Destination)
		default:
			renderInline(b, child, source)
		}
	}
}

func writeCodeLines(b *strings.Builder, node ast.Node, source []byte) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
}
