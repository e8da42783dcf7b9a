package tools

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Head: true,
	atom.Svg: true, atom.Template: true, atom.Iframe: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Br: true, atom.Tr: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.Pre: true, atom.Blockquote: true, atom.Header: true, atom.Footer: true,
	atom.Main: true, atom.Nav: true, atom.Hr: true,
}

var headings = map[atom.Atom]string{
	atom.H1: "# ", atom.H2: "## ", atom.H3: "### ",
	atom.H4: "#### ", atom.H5: "##### ", atom.H6: "###### ",
}

// HTMLToText renders an HTML document as lightly formatted markdown text.
// Markup outside the body, scripts and styles are dropped; whitespace inside
// a line is collapsed.
func HTMLToText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var (
		b     strings.Builder
		line  strings.Builder
		skip  int
		lines []string
	)
	flush := func() {
		s := strings.Join(strings.Fields(line.String()), " ")
		line.Reset()
		if s == "" {
			return
		}
		lines = append(lines, s)
	}
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			flush()
			for i, l := range lines {
				if i > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString(l)
			}
			return b.String(), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skipped[tok.DataAtom] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			switch {
			case headings[tok.DataAtom] != "":
				flush()
				line.WriteString(headings[tok.DataAtom])
			case tok.DataAtom == atom.Li:
				flush()
				line.WriteString("- ")
			case blocks[tok.DataAtom]:
				flush()
			case tok.DataAtom == atom.Td || tok.DataAtom == atom.Th:
				line.WriteString(" ")
			}
		case html.EndTagToken:
			tok := z.Token()
			if skipped[tok.DataAtom] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			if blocks[tok.DataAtom] || headings[tok.DataAtom] != "" || tok.DataAtom == atom.Li {
				flush()
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			line.WriteString(" ")
			line.Write(z.Text())
		}
	}
}
