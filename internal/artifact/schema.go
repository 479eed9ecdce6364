package artifact

import (
	"errors"
	"path"
	"strings"

	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
)

// Schema is the parsed content of data/schema.md.
//
// In the markdown form every level-two heading names a dataset, e.g.
// "## `survey.csv`", and the columns of that dataset are the first cells of
// any table below it or the leading code spans of list items below it.
type Schema struct {
	Datasets []Dataset
}

// Dataset is one documented input file.
type Dataset struct {
	Name    string
	Columns []string
}

// HasColumn reports whether the dataset documents the column.
func (d Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ParseSchema reads a schema document. Frontmatter datasets, when present,
// are authoritative.
func ParseSchema(content []byte) (Schema, error) {
	front, body, err := ParseFrontMatter(content)
	switch {
	case err == nil:
		if len(front.Datasets) > 0 {
			return schemaFromFront(front), nil
		}
	case errors.Is(err, ErrMissingFrontMatter):
	default:
		return Schema{}, err
	}
	return parseSchemaMarkdown(body), nil
}

func schemaFromFront(front FrontMatter) Schema {
	var s Schema
	for _, ds := range front.Datasets {
		name := strings.TrimSpace(ds.Name)
		if name == "" {
			continue
		}
		cols := make([]string, 0, len(ds.Columns))
		for _, c := range ds.Columns {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
		s.Datasets = append(s.Datasets, Dataset{Name: name, Columns: cols})
	}
	return s
}

func parseSchemaMarkdown(src []byte) Schema {
	doc := parseMarkdown(src)
	var s Schema
	current := -1
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level > 2 {
				continue
			}
			current = -1
			if node.Level < 2 {
				continue
			}
			if name := datasetName(node, src); name != "" {
				s.Datasets = append(s.Datasets, Dataset{Name: name})
				current = len(s.Datasets) - 1
			}
		case *extast.Table:
			if current >= 0 {
				s.Datasets[current].Columns = appendUnique(s.Datasets[current].Columns, tableNames(node, src)...)
			}
		case *ast.List:
			if current >= 0 {
				s.Datasets[current].Columns = appendUnique(s.Datasets[current].Columns, listNames(node, src)...)
			}
		}
	}
	return s
}

func datasetName(h *ast.Heading, src []byte) string {
	if code, ok := firstCodeSpan(h, src); ok && code != "" {
		return code
	}
	name := nodeText(h, src)
	if i := strings.Index(name, ":"); i >= 0 && strings.EqualFold(strings.TrimSpace(name[:i]), "dataset") {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

// HasDataset reports whether the schema documents the data file at rel, a
// project-relative path such as "data/survey.csv". Headings may name the
// file with or without its directory or extension.
func (s Schema) HasDataset(rel string) bool {
	rel = strings.ToLower(path.Clean(strings.ReplaceAll(rel, "\\", "/")))
	candidates := []string{rel, strings.TrimPrefix(rel, "data/"), path.Base(rel), stem(path.Base(rel))}
	for _, ds := range s.Datasets {
		name := strings.ToLower(strings.TrimSpace(ds.Name))
		for _, c := range candidates {
			if c == name || c == stem(name) {
				return true
			}
		}
	}
	return false
}

// HasVariable reports whether v names a documented column, either bare
// ("age") or qualified by its dataset ("survey.csv.age" or "survey.age").
func (s Schema) HasVariable(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, ds := range s.Datasets {
		if ds.HasColumn(v) {
			return true
		}
	}
	for _, ds := range s.Datasets {
		for _, prefix := range []string{ds.Name, stem(ds.Name)} {
			if prefix == "" || len(v) <= len(prefix)+1 || v[len(prefix)] != '.' {
				continue
			}
			if strings.EqualFold(v[:len(prefix)], prefix) && ds.HasColumn(v[len(prefix)+1:]) {
				return true
			}
		}
	}
	return false
}

// ParseVariables reads the selected variables document. Frontmatter
// variables, when present, are authoritative; otherwise every list item
// starting with a code span and the first cell of every table row count.
func ParseVariables(content []byte) ([]string, error) {
	front, body, err := ParseFrontMatter(content)
	switch {
	case err == nil:
		if len(front.Variables) > 0 {
			return appendUnique(nil, front.Variables...), nil
		}
	case errors.Is(err, ErrMissingFrontMatter):
	default:
		return nil, err
	}

	doc := parseMarkdown(body)
	var names []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *extast.Table:
			names = appendUnique(names, tableNames(node, body)...)
		case *ast.List:
			names = appendUnique(names, listNames(node, body)...)
		}
	}
	return names, nil
}

func stem(name string) string {
	if ext := path.Ext(name); ext != "" && ext != name {
		return strings.TrimSuffix(name, ext)
	}
	return name
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d] = true
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		dst = append(dst, v)
	}
	return dst
}
