package artifact

import (
	"net/url"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

func parseMarkdown(src []byte) ast.Node {
	return markdown.Parser().Parse(text.NewReader(src))
}

// nodeText concatenates the literal text below n, code spans included.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// firstCodeSpan returns the text of the first code span in n.
func firstCodeSpan(n ast.Node, src []byte) (string, bool) {
	var found string
	ok := false
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if cs, isCode := c.(*ast.CodeSpan); isCode {
			found, ok = nodeText(cs, src), true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found, ok
}

// leadingCodeSpan returns the code span a list item starts with, as in
// "- `age`: years since birth".
func leadingCodeSpan(item *ast.ListItem, src []byte) (string, bool) {
	block := item.FirstChild()
	if block == nil {
		return "", false
	}
	first := block.FirstChild()
	for first != nil {
		if t, isText := first.(*ast.Text); isText && strings.TrimSpace(string(t.Segment.Value(src))) == "" {
			first = first.NextSibling()
			continue
		}
		break
	}
	cs, ok := first.(*ast.CodeSpan)
	if !ok {
		return "", false
	}
	name := nodeText(cs, src)
	return name, name != ""
}

// listNames collects the leading code span of every item under list,
// nested lists included.
func listNames(list ast.Node, src []byte) []string {
	var names []string
	_ = ast.Walk(list, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if item, ok := c.(*ast.ListItem); ok {
			if name, ok := leadingCodeSpan(item, src); ok {
				names = append(names, name)
			}
		}
		return ast.WalkContinue, nil
	})
	return names
}

// tableNames returns the first cell of every body row of a table.
func tableNames(table *extast.Table, src []byte) []string {
	var names []string
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		if _, isRow := row.(*extast.TableRow); !isRow {
			continue
		}
		cell := row.FirstChild()
		if cell == nil {
			continue
		}
		name := strings.Trim(nodeText(cell, src), "`* ")
		if name == "" || strings.Trim(name, "-—") == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// ParseLinks returns the project-local link and image targets of a
// markdown document, without fragments or query strings.
func ParseLinks(content []byte) []string {
	src := normalizeNewlines(content)
	doc := parseMarkdown(src)
	seen := map[string]bool{}
	var links []string
	add := func(dest string) {
		target, ok := LocalTarget(dest)
		if !ok || seen[target] {
			return
		}
		seen[target] = true
		links = append(links, target)
	}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch l := n.(type) {
		case *ast.Link:
			add(string(l.Destination))
		case *ast.Image:
			add(string(l.Destination))
		}
		return ast.WalkContinue, nil
	})
	return links
}

// LocalTarget reports whether dest refers to a file rather than a URL or an
// in-page anchor, and returns the cleaned path.
func LocalTarget(dest string) (string, bool) {
	dest = strings.TrimSpace(dest)
	if dest == "" || strings.HasPrefix(dest, "#") || strings.HasPrefix(dest, "//") {
		return "", false
	}
	u, err := url.Parse(dest)
	if err != nil {
		return dest, true
	}
	if u.Scheme != "" {
		if u.Scheme != "file" {
			return "", false
		}
		return u.Path, u.Path != ""
	}
	if u.Path == "" {
		return "", false
	}
	return path.Clean(u.Path), true
}
