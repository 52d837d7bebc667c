package fetch

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Pre: true, atom.Blockquote: true,
	atom.Table: true, atom.Tr: true, atom.Br: true, atom.Hr: true, atom.Header: true,
	atom.Footer: true, atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Figure: true,
}

// extractHTML returns the page title and its visible text, one paragraph per
// block element separated by blank lines.
func extractHTML(r io.Reader) (string, string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("%w: parse html: %v", ErrMalformed, err)
	}

	var (
		title    string
		heading  string
		paras    []string
		cur      strings.Builder
		inHeader bool
	)
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			paras = append(paras, s)
			if inHeader && heading == "" {
				heading = s
			}
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Title {
				if title == "" {
					title = strings.Join(strings.Fields(textContent(n)), " ")
				}
				return
			}
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		}

		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			flush()
		}
		h1 := n.DataAtom == atom.H1
		if h1 {
			inHeader = true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
		if h1 {
			inHeader = false
		}
	}
	walk(root)
	flush()

	if title == "" {
		title = heading
	}
	return title, strings.Join(paras, "\n\n"), nil
}

// htmlFragmentText flattens an HTML fragment such as a Q&A body.
func htmlFragmentText(fragment string) string {
	_, text, err := extractHTML(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return text
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
