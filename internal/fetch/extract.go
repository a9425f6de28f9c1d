package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped elements never contribute text.
var dropped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Button:   true,
}

// blocks start on a new paragraph.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
	atom.Ul: true, atom.Ol: true, atom.Dl: true, atom.Figure: true,
	atom.Details: true, atom.Hr: true,
}

var headingDepth = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// extractHTML returns the page title and its readable text. When the
// page marks up its content with <main> or <article>, only that subtree
// is used. Headings keep Markdown markers and list items become "- "
// lines, so the splitter can break on structure.
func extractHTML(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", cleanWhitespace(raw)
	}

	if t := find(doc, atom.Title); t != nil {
		title = strings.Join(strings.Fields(textOf(t)), " ")
	}

	root := find(doc, atom.Main)
	if root == nil {
		root = find(doc, atom.Article)
	}
	if root == nil {
		root = doc
	}

	var b strings.Builder
	render(root, &b)
	return title, cleanWhitespace(b.String())
}

// find returns the first element of type a in document order.
func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func render(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
		if depth, ok := headingDepth[n.DataAtom]; ok {
			b.WriteString("\n\n" + strings.Repeat("#", depth) + " ")
			b.WriteString(strings.Join(strings.Fields(textOf(n)), " "))
			b.WriteString("\n\n")
			return
		}
		switch {
		case n.DataAtom == atom.Li:
			b.WriteString("\n- ")
		case n.DataAtom == atom.Br, n.DataAtom == atom.Tr:
			b.WriteString("\n")
		case n.DataAtom == atom.Td, n.DataAtom == atom.Th:
			b.WriteString(" ")
		case blocks[n.DataAtom]:
			b.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(c, b)
	}

	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		b.WriteString("\n\n")
	}
}

// cleanWhitespace collapses spaces within lines, keeps at most one
// blank line between paragraphs, and trims the result.
func cleanWhitespace(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
