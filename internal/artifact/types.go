// Package artifact defines the files each pipeline stage must leave behind
// and the parsers the stage gates use to inspect them. Each artifact has a
// stable identifier, a kind and a resolver that maps to its path inside the
// project directory.

package artifact

import (
	"fmt"
	"path/filepath"

	"github.com/kingrea/autoscience/internal/project"
)

// Kind captures the storage shape of an artifact.
type Kind string

const (
	// KindDocument is a markdown document, optionally with YAML frontmatter.
	KindDocument Kind = "document"
	// KindScripts is a directory that must hold at least one script.
	KindScripts Kind = "scripts"
	// KindNotebook is a Jupyter notebook file.
	KindNotebook Kind = "notebook"
)

// PathResolver returns the absolute path of an artifact for a project.
type PathResolver func(*project.Project) string

// Ref declares a stable identifier and metadata for an artifact.
type Ref struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	// Stage is the id of the stage that produces the artifact.
	Stage string
	path  PathResolver
}

// Path resolves the artifact path for the provided project.
func (r Ref) Path(p *project.Project) string {
	if p == nil || r.path == nil {
		return ""
	}
	return filepath.Clean(r.path(p))
}

// Validate ensures the reference is well-formed.
func (r Ref) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("artifact: id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("artifact: kind is required for %s", r.ID)
	}
	if r.path == nil {
		return fmt.Errorf("artifact: path resolver missing for %s", r.ID)
	}
	return nil
}

var (
	SchemaDoc = Ref{
		ID:          "data-schema",
		Name:        "Data schema",
		Description: "Documents every raw dataset and its columns",
		Kind:        KindDocument,
		Stage:       "parsing-data",
		path:        (*project.Project).SchemaPath,
	}
	VariablesDoc = Ref{
		ID:          "selected-variables",
		Name:        "Selected variables",
		Description: "Variables chosen to answer the research question",
		Kind:        KindDocument,
		Stage:       "selecting-variables",
		path:        (*project.Project).VariablesPath,
	}
	AnalysisScripts = Ref{
		ID:          "analysis-scripts",
		Name:        "Analysis scripts",
		Description: "Python scripts computing the statistics",
		Kind:        KindScripts,
		Stage:       "running-analysis",
		path:        (*project.Project).AnalysisDir,
	}
	VisualizationScripts = Ref{
		ID:          "visualization-scripts",
		Name:        "Visualization scripts",
		Description: "Python scripts producing figures",
		Kind:        KindScripts,
		Stage:       "visualizing",
		path:        (*project.Project).VisualizationDir,
	}
	ReportDoc = Ref{
		ID:          "report",
		Name:        "Report",
		Description: "Narrative write-up of the findings",
		Kind:        KindDocument,
		Stage:       "reporting",
		path:        (*project.Project).ReportPath,
	}
	NotebookDoc = Ref{
		ID:          "notebook",
		Name:        "Reproducible notebook",
		Description: "Notebook that replays the analysis",
		Kind:        KindNotebook,
		Stage:       "reporting",
		path:        (*project.Project).NotebookPath,
	}
)

// All returns every artifact in pipeline order.
func All() []Ref {
	return []Ref{SchemaDoc, VariablesDoc, AnalysisScripts, VisualizationScripts, ReportDoc, NotebookDoc}
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	Ref   Ref
	Path  string
	State State
	// Files lists the scripts found for KindScripts artifacts.
	Files []string
	Err   error
}

// Ready reports whether the artifact is present and well-formed.
func (r CheckResult) Ready() bool { return r.State == StateReady }
