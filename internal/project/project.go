// internal/project/project.go
//
// Defines the on-disk layout of an AutoScience project and the operations
// that create and inspect it. Every path handed out by this package is
// confined to the project root.

package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/kingrea/autoscience/internal/config"
)

// Stage directories at the project root.
const (
	DataDir          = "data"
	AnalysisDir      = "analysis_scripts"
	VisualizationDir = "visualization_scripts"
	ReportingDir     = "reporting"
)

// Files at the project root.
const (
	FileResearchQuestion = "research_question.md"
	FileStageMarker      = "pipeline_state.txt"
)

// Files and directories under .autoscience/.
const (
	StateDir        = config.StateDir
	InstructionsDir = "instructions"
	LogsDir         = "logs"
	FileMetadata    = "project.yaml"
	FileRunLog      = "run_log.jsonl"
	FileLock        = "pipeline.lock"
)

// Stage artifacts with fixed names.
const (
	FileSchema    = "schema.md"
	FileVariables = "selected_variables.md"
	FileReport    = "report.md"
	// FocusedSuffix marks per-dataset extracts of the selected variables.
	FocusedSuffix = "_focused.csv"
)

const researchQuestionTemplate = `# Research question

<!-- Describe the goal of this research: the question to answer, the
population of interest and any constraints on the analysis. Replace this
comment with your question. -->
`

// templateMarker identifies an untouched research question template.
const templateMarker = "Describe the goal"

var (
	// ErrPathEscape is returned when a path resolves outside the project root.
	ErrPathEscape = errors.New("project: path escapes project root")
	// ErrArtifactConflict is returned instead of overwriting an existing artifact.
	ErrArtifactConflict = errors.New("project: artifact already exists")
	// ErrNotFound is returned when opening a project that was never created.
	ErrNotFound = errors.New("project: not found")
	// ErrInvalidName is returned for names that normalize to nothing.
	ErrInvalidName = errors.New("project: invalid name")
)

// Project is a handle on one project directory.
type Project struct {
	name  string
	root  string
	clock clockwork.Clock
}

// Option customises a Project handle.
type Option func(*Project)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Project) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NormalizeName turns user input into a directory-safe project name.
// Separators become underscores and leading or trailing dots are removed.
// Names containing a ".." segment are rejected outright.
func NormalizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	for _, seg := range strings.FieldsFunc(trimmed, isSeparator) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
		}
	}
	normalized := strings.Map(func(r rune) rune {
		if isSeparator(r) {
			return '_'
		}
		return r
	}, trimmed)
	normalized = strings.Trim(normalized, ".")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return normalized, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// Ensure creates the project directory tree if needed and returns a handle.
// Existing files are never modified.
//
// Structure created:
//
//	<root>/<name>/
//	├── data/
//	├── analysis_scripts/
//	├── visualization_scripts/
//	├── reporting/
//	├── research_question.md   <- template until the user fills it in
//	└── .autoscience/
//	    ├── config.yaml
//	    ├── project.yaml
//	    ├── instructions/
//	    └── logs/
func Ensure(name, projectsRoot string, opts ...Option) (*Project, error) {
	p, err := newProject(name, projectsRoot, opts...)
	if err != nil {
		return nil, err
	}
	dirs := []string{
		p.DataDir(),
		p.AnalysisDir(),
		p.VisualizationDir(),
		p.ReportingDir(),
		p.InstructionsDir(),
		p.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("project: create %s: %w", dir, err)
		}
	}
	if err := writeIfMissing(p.ResearchQuestionPath(), []byte(researchQuestionTemplate)); err != nil {
		return nil, err
	}
	if err := config.EnsureFile(config.Path(p.root)); err != nil {
		return nil, err
	}
	if err := p.ensureMetadata(); err != nil {
		return nil, err
	}
	if err := EnsureGitignore(p.root, filepath.ToSlash(filepath.Join(StateDir, FileLock)), ".env"); err != nil {
		return nil, err
	}
	return p, nil
}

// Open returns a handle on an existing project.
func Open(name, projectsRoot string, opts ...Option) (*Project, error) {
	p, err := newProject(name, projectsRoot, opts...)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p.root)
		}
		return nil, fmt.Errorf("project: stat %s: %w", p.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project: %s is not a directory", p.root)
	}
	return p, nil
}

func newProject(name, projectsRoot string, opts ...Option) (*Project, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	base, err := filepath.Abs(projectsRoot)
	if err != nil {
		return nil, fmt.Errorf("project: resolve projects root: %w", err)
	}
	p := &Project{
		name:  normalized,
		root:  filepath.Join(base, normalized),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the normalized project name.
func (p *Project) Name() string { return p.name }

// Root returns the absolute project directory.
func (p *Project) Root() string { return p.root }

// DataDir returns <root>/data.
func (p *Project) DataDir() string { return filepath.Join(p.root, DataDir) }

// AnalysisDir returns <root>/analysis_scripts.
func (p *Project) AnalysisDir() string { return filepath.Join(p.root, AnalysisDir) }

// VisualizationDir returns <root>/visualization_scripts.
func (p *Project) VisualizationDir() string { return filepath.Join(p.root, VisualizationDir) }

// ReportingDir returns <root>/reporting.
func (p *Project) ReportingDir() string { return filepath.Join(p.root, ReportingDir) }

// StateDir returns <root>/.autoscience.
func (p *Project) StateDir() string { return filepath.Join(p.root, StateDir) }

// InstructionsDir returns the directory holding per-stage role documents.
func (p *Project) InstructionsDir() string { return filepath.Join(p.StateDir(), InstructionsDir) }

// LogsDir returns the directory holding the diagnostic log.
func (p *Project) LogsDir() string { return filepath.Join(p.StateDir(), LogsDir) }

// ResearchQuestionPath returns <root>/research_question.md.
func (p *Project) ResearchQuestionPath() string {
	return filepath.Join(p.root, FileResearchQuestion)
}

// StageMarkerPath returns <root>/pipeline_state.txt.
func (p *Project) StageMarkerPath() string { return filepath.Join(p.root, FileStageMarker) }

// MetadataPath returns .autoscience/project.yaml.
func (p *Project) MetadataPath() string { return filepath.Join(p.StateDir(), FileMetadata) }

// RunLogPath returns .autoscience/run_log.jsonl.
func (p *Project) RunLogPath() string { return filepath.Join(p.StateDir(), FileRunLog) }

// LockPath returns .autoscience/pipeline.lock.
func (p *Project) LockPath() string { return filepath.Join(p.StateDir(), FileLock) }

// ConfigPath returns .autoscience/config.yaml.
func (p *Project) ConfigPath() string { return config.Path(p.root) }

// SchemaPath returns data/schema.md.
func (p *Project) SchemaPath() string { return filepath.Join(p.DataDir(), FileSchema) }

// VariablesPath returns analysis_scripts/selected_variables.md.
func (p *Project) VariablesPath() string { return filepath.Join(p.AnalysisDir(), FileVariables) }

// ReportPath returns reporting/report.md.
func (p *Project) ReportPath() string { return filepath.Join(p.ReportingDir(), FileReport) }

// NotebookName returns the file name of the reproducible notebook.
func (p *Project) NotebookName() string { return p.name + "_reproducible.ipynb" }

// NotebookPath returns reporting/<name>_reproducible.ipynb.
func (p *Project) NotebookPath() string { return filepath.Join(p.ReportingDir(), p.NotebookName()) }

// ResearchQuestion returns the trimmed research question text.
func (p *Project) ResearchQuestion() (string, error) {
	data, err := os.ReadFile(p.ResearchQuestionPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("project: read research question: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HasResearchQuestion reports whether the user replaced the template with
// an actual question.
func (p *Project) HasResearchQuestion() (bool, error) {
	text, err := p.ResearchQuestion()
	if err != nil {
		return false, err
	}
	return text != "" && !strings.Contains(text, templateMarker), nil
}

// WriteResearchQuestion stores the question. An existing non-template
// question is only replaced when overwrite is set.
func (p *Project) WriteResearchQuestion(question string, overwrite bool) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return fmt.Errorf("project: research question is empty")
	}
	has, err := p.HasResearchQuestion()
	if err != nil {
		return err
	}
	if has && !overwrite {
		return fmt.Errorf("%w: %s", ErrArtifactConflict, FileResearchQuestion)
	}
	if !strings.HasPrefix(question, "#") {
		question = "# Research question\n\n" + question
	}
	return WriteFileAtomic(p.ResearchQuestionPath(), []byte(question+"\n"), 0o644)
}

// DataFiles lists regular files under data/ as slash-separated paths
// relative to the project root, sorted.
func (p *Project) DataFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.DataDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == p.DataDir() {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if path != p.DataDir() && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := p.Rel(path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("project: list data files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func writeIfMissing(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("project: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("project: write %s: %w", path, err)
	}
	return nil
}
