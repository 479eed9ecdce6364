// Package notebook reads and writes Jupyter notebooks (nbformat 4) and
// assembles a reproducible notebook from successful pipeline scripts.
package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kingrea/autoscience/internal/project"
)

// Cell types.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
	CellRaw      = "raw"
)

// ErrInvalid is returned for documents that are not nbformat 4 notebooks.
var ErrInvalid = errors.New("notebook: invalid notebook")

// Notebook is the subset of nbformat 4 this tool reads and writes.
type Notebook struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// Cell is one notebook cell.
type Cell struct {
	ID             string            `json:"id,omitempty"`
	CellType       string            `json:"cell_type"`
	Metadata       map[string]any    `json:"metadata"`
	Source         Source            `json:"source"`
	Outputs        []json.RawMessage `json:"outputs,omitempty"`
	ExecutionCount *int              `json:"execution_count,omitempty"`
}

// MarshalJSON emits the fields nbformat requires per cell type: code cells
// always carry outputs and execution_count, other cells never do.
func (c Cell) MarshalJSON() ([]byte, error) {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	fields := map[string]any{
		"cell_type": c.CellType,
		"metadata":  meta,
		"source":    c.Source,
	}
	if c.ID != "" {
		fields["id"] = c.ID
	}
	if c.CellType == CellCode {
		outputs := c.Outputs
		if outputs == nil {
			outputs = []json.RawMessage{}
		}
		fields["outputs"] = outputs
		fields["execution_count"] = c.ExecutionCount
	}
	return json.Marshal(fields)
}

// Source is cell text. nbformat allows a string or a list of lines.
type Source []string

// UnmarshalJSON accepts both encodings.
func (s *Source) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = SplitLines(text)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*s = lines
	return nil
}

// String joins the source back into one text.
func (s Source) String() string { return strings.Join(s, "") }

// SplitLines splits text into lines that keep their newline, the way
// nbformat stores multi-line sources.
func SplitLines(text string) Source {
	if text == "" {
		return Source{}
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return Source(lines)
}

// CodeCells counts code cells with non-blank source.
func (nb Notebook) CodeCells() int {
	n := 0
	for _, c := range nb.Cells {
		if c.CellType == CellCode && strings.TrimSpace(c.Source.String()) != "" {
			n++
		}
	}
	return n
}

// MarkdownSources returns the text of every markdown cell.
func (nb Notebook) MarkdownSources() []string {
	var out []string
	for _, c := range nb.Cells {
		if c.CellType == CellMarkdown {
			out = append(out, c.Source.String())
		}
	}
	return out
}

// Parse decodes and validates a notebook.
func Parse(data []byte) (Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return Notebook{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if nb.NBFormat != 4 {
		return Notebook{}, fmt.Errorf("%w: nbformat %d, want 4", ErrInvalid, nb.NBFormat)
	}
	for i, c := range nb.Cells {
		switch c.CellType {
		case CellCode, CellMarkdown, CellRaw:
		default:
			return Notebook{}, fmt.Errorf("%w: cell %d has type %q", ErrInvalid, i, c.CellType)
		}
	}
	return nb, nil
}

// Script is one source file to include in a built notebook.
type Script struct {
	// Name labels the script, e.g. "analysis_scripts/01_load.py".
	Name string
	// Dir is the script directory relative to the notebook's directory.
	Dir  string
	Code string
}

// Build assembles a notebook that replays scripts in order. Each script
// runs from its own directory, as it did in the pipeline.
func Build(title, intro string, scripts []Script) Notebook {
	nb := New()
	header := "# " + strings.TrimSpace(title)
	if intro = strings.TrimSpace(intro); intro != "" {
		header += "\n\n" + intro
	}
	nb.Cells = append(nb.Cells,
		markdownCell(header),
		codeCell("import os\n\nNOTEBOOK_DIR = os.getcwd()"),
	)
	for _, s := range scripts {
		nb.Cells = append(nb.Cells, markdownCell(fmt.Sprintf("## `%s`", s.Name)))
		code := fmt.Sprintf("os.chdir(os.path.join(NOTEBOOK_DIR, %s))\n\n%s", strconv.Quote(s.Dir), strings.TrimRight(s.Code, "\n"))
		nb.Cells = append(nb.Cells, codeCell(code))
	}
	nb.Cells = append(nb.Cells, codeCell("os.chdir(NOTEBOOK_DIR)"))
	return nb
}

// New returns an empty nbformat 4.5 notebook with a Python 3 kernel.
func New() Notebook {
	return Notebook{
		Cells: []Cell{},
		Metadata: map[string]any{
			"kernelspec": map[string]any{
				"display_name": "Python 3",
				"language":     "python",
				"name":         "python3",
			},
			"language_info": map[string]any{
				"name": "python",
			},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
}

// Encode renders the notebook as indented JSON.
func Encode(nb Notebook) ([]byte, error) {
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("notebook: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// Write stores the notebook at path. An existing file is only replaced
// when overwrite is set.
func Write(path string, nb Notebook, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", project.ErrArtifactConflict, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("notebook: stat %s: %w", path, err)
		}
	}
	data, err := Encode(nb)
	if err != nil {
		return err
	}
	return project.WriteFileAtomic(path, data, 0o644)
}

func markdownCell(text string) Cell {
	return Cell{ID: cellID(), CellType: CellMarkdown, Source: SplitLines(text)}
}

func codeCell(text string) Cell {
	return Cell{ID: cellID(), CellType: CellCode, Source: SplitLines(text)}
}

func cellID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
