package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/autoscience/internal/artifact"
	"github.com/kingrea/autoscience/internal/notebook"
	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/runlog"
	"github.com/kingrea/autoscience/internal/scripts"
)

// Predicate is one named condition of a stage gate.
type Predicate struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	OK          bool   `json:"ok"`
	Detail      string `json:"detail,omitempty"`
}

// GateReport is the evaluation of every predicate of one stage.
type GateReport struct {
	Stage      Stage       `json:"stage"`
	Predicates []Predicate `json:"predicates"`
}

// Passed reports whether every predicate holds.
func (r GateReport) Passed() bool {
	if len(r.Predicates) == 0 {
		return false
	}
	for _, p := range r.Predicates {
		if !p.OK {
			return false
		}
	}
	return true
}

// Unmet returns the predicates that do not hold.
func (r GateReport) Unmet() []Predicate {
	var out []Predicate
	for _, p := range r.Predicates {
		if !p.OK {
			out = append(out, p)
		}
	}
	return out
}

// Summary renders the unmet predicates on one line.
func (r GateReport) Summary() string {
	unmet := r.Unmet()
	if len(unmet) == 0 {
		return "all predicates hold"
	}
	parts := make([]string, 0, len(unmet))
	for _, p := range unmet {
		if p.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.ID, p.Detail))
		} else {
			parts = append(parts, p.ID)
		}
	}
	return strings.Join(parts, "; ")
}

// Expectations describes the gate of stage in words for the collaborator.
func Expectations(stage Stage, p *project.Project) []string {
	switch stage {
	case ParsingData:
		return []string{
			"data/schema.md exists and is not empty",
			"data/schema.md documents every raw file in data/ under its own level-two heading, with its columns",
		}
	case SelectingVariables:
		return []string{
			"analysis_scripts/selected_variables.md exists and lists at least one variable",
			"every selected variable is a column documented in data/schema.md",
		}
	case RunningAnalysis:
		return []string{
			"analysis_scripts/ holds at least one Python script",
			"every analysis script exits with status 0 when run from analysis_scripts/",
		}
	case Visualizing:
		return []string{
			"visualization_scripts/ holds at least one Python script and every script exits with status 0",
			"every visualization script declares its figures with a '# output: <path>' line",
			"every declared figure is an image file that exists after the script ran, inside the project",
		}
	case Reporting:
		return []string{
			"reporting/report.md exists and is not empty",
			fmt.Sprintf("reporting/%s is a valid Jupyter notebook with at least one code cell", p.NotebookName()),
			"every relative link or image in the report and notebook resolves to an existing pipeline file inside the project",
		}
	}
	return nil
}

var figureExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".svg": true,
	".pdf": true, ".gif": true, ".webp": true,
}

// evaluator inspects one project snapshot. entries is the run log, used to
// tell whether scripts ran successfully in their current form.
type evaluator struct {
	project *project.Project
	store   *artifact.Store
	entries []runlog.Entry
	raw     map[string]bool
}

func (e *evaluator) evaluate(stage Stage) GateReport {
	report := GateReport{Stage: stage}
	switch stage {
	case ParsingData:
		report.Predicates = e.parsingData()
	case SelectingVariables:
		report.Predicates = e.selectingVariables()
	case RunningAnalysis:
		report.Predicates = e.scriptStage(artifact.AnalysisScripts, false)
	case Visualizing:
		report.Predicates = e.scriptStage(artifact.VisualizationScripts, true)
	case Reporting:
		report.Predicates = e.reporting()
	}
	return report
}

func (e *evaluator) present(id string, ref artifact.Ref) (Predicate, artifact.CheckResult) {
	res, _ := e.store.Check(ref)
	pred := Predicate{
		ID:          id,
		Description: fmt.Sprintf("%s exists", e.rel(ref.Path(e.project))),
		OK:          res.Ready(),
	}
	if !pred.OK {
		pred.Detail = string(res.State)
		if res.Err != nil {
			pred.Detail = res.Err.Error()
		}
	}
	return pred, res
}

func (e *evaluator) schema() (artifact.Schema, error) {
	data, err := e.store.Read(artifact.SchemaDoc)
	if err != nil {
		return artifact.Schema{}, err
	}
	return artifact.ParseSchema(data)
}

func (e *evaluator) parsingData() []Predicate {
	present, _ := e.present("schema-present", artifact.SchemaDoc)
	parsed := Predicate{ID: "schema-parses", Description: "schema.md documents at least one dataset"}
	documented := Predicate{ID: "datasets-documented", Description: "every raw data file is documented in schema.md"}
	if !present.OK {
		parsed.Detail = "schema.md missing"
		documented.Detail = "schema.md missing"
		return []Predicate{present, parsed, documented}
	}
	schema, err := e.schema()
	switch {
	case err != nil:
		parsed.Detail = err.Error()
	case len(schema.Datasets) == 0:
		parsed.Detail = "no datasets found"
	default:
		parsed.OK = true
	}
	var rawFiles, missing []string
	for rel := range e.raw {
		rawFiles = append(rawFiles, rel)
	}
	sort.Strings(rawFiles)
	for _, rel := range rawFiles {
		if !schema.HasDataset(rel) {
			missing = append(missing, rel)
		}
	}
	switch {
	case len(rawFiles) == 0:
		documented.Detail = "no raw data files"
	case len(missing) > 0:
		documented.Detail = "undocumented: " + strings.Join(missing, ", ")
	default:
		documented.OK = true
	}
	return []Predicate{present, parsed, documented}
}

func (e *evaluator) selectingVariables() []Predicate {
	present, _ := e.present("variables-present", artifact.VariablesDoc)
	named := Predicate{ID: "variables-named", Description: "selected_variables.md lists at least one variable"}
	known := Predicate{ID: "variables-in-schema", Description: "every selected variable is documented in schema.md"}
	if !present.OK {
		named.Detail = "selected_variables.md missing"
		known.Detail = "selected_variables.md missing"
		return []Predicate{present, named, known}
	}
	var vars []string
	data, err := e.store.Read(artifact.VariablesDoc)
	if err == nil {
		vars, err = artifact.ParseVariables(data)
	}
	switch {
	case err != nil:
		named.Detail = err.Error()
	case len(vars) == 0:
		named.Detail = "no variables found"
	default:
		named.OK = true
	}
	if len(vars) == 0 {
		known.Detail = "no variables to check"
		return []Predicate{present, named, known}
	}
	schema, err := e.schema()
	if err != nil {
		known.Detail = "schema unreadable: " + err.Error()
		return []Predicate{present, named, known}
	}
	var unknown []string
	for _, v := range vars {
		if !schema.HasVariable(v) {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) > 0 {
		known.Detail = "not in schema: " + strings.Join(unknown, ", ")
	} else {
		known.OK = true
	}
	return []Predicate{present, named, known}
}

// lastScriptRun returns the most recent script entry for rel.
func (e *evaluator) lastScriptRun(rel string) (runlog.Entry, bool) {
	for i := len(e.entries) - 1; i >= 0; i-- {
		entry := e.entries[i]
		if entry.Kind == runlog.KindScript && entry.Script == rel {
			return entry, true
		}
	}
	return runlog.Entry{}, false
}

func (e *evaluator) scriptStage(ref artifact.Ref, figures bool) []Predicate {
	present, res := e.present("scripts-present", ref)
	present.Description = fmt.Sprintf("%s/ holds at least one script", e.rel(ref.Path(e.project)))
	succeeded := Predicate{ID: "scripts-succeeded", Description: "every script exited 0 in its current form"}
	preds := []Predicate{present, succeeded}
	if !present.OK {
		succeeded.Detail = "no scripts"
		preds[1] = succeeded
		if figures {
			preds = append(preds,
				Predicate{ID: "outputs-declared", Description: "every script declares its figures", Detail: "no scripts"},
				Predicate{ID: "outputs-exist", Description: "every declared figure exists", Detail: "no scripts"})
		}
		return preds
	}

	var bad []string
	for _, abs := range res.Files {
		rel := e.rel(abs)
		sum, err := project.Checksum(abs)
		if err != nil {
			bad = append(bad, rel+" (unreadable)")
			continue
		}
		entry, ok := e.lastScriptRun(rel)
		switch {
		case !ok:
			bad = append(bad, rel+" (not run)")
		case entry.Checksum != sum:
			bad = append(bad, rel+" (changed since last run)")
		case entry.Outcome != runlog.OutcomeSuccess:
			bad = append(bad, fmt.Sprintf("%s (%s)", rel, entry.Outcome))
		}
	}
	if len(bad) > 0 {
		succeeded.Detail = strings.Join(bad, ", ")
	} else {
		succeeded.OK = true
	}
	preds[1] = succeeded
	if !figures {
		return preds
	}

	declared := Predicate{ID: "outputs-declared", Description: "every script declares its figures with '# output:'"}
	exist := Predicate{ID: "outputs-exist", Description: "every declared figure is an image inside the project"}
	var undeclared, problems []string
	for _, abs := range res.Files {
		rel := e.rel(abs)
		src, err := os.ReadFile(abs)
		if err != nil {
			undeclared = append(undeclared, rel)
			continue
		}
		outputs := scripts.DeclaredOutputs(src)
		if len(outputs) == 0 {
			undeclared = append(undeclared, rel)
			continue
		}
		for _, out := range outputs {
			if problem := e.checkFigure(path.Dir(rel), out); problem != "" {
				problems = append(problems, problem)
			}
		}
	}
	if len(undeclared) > 0 {
		declared.Detail = "no '# output:' line: " + strings.Join(undeclared, ", ")
	} else {
		declared.OK = true
	}
	if len(problems) > 0 {
		exist.Detail = strings.Join(problems, ", ")
	} else if len(undeclared) < len(res.Files) {
		exist.OK = true
	} else {
		exist.Detail = "nothing declared"
	}
	return append(preds, declared, exist)
}

func (e *evaluator) checkFigure(baseRel, out string) string {
	rel, abs, err := resolveFrom(e.project, baseRel, out)
	if err != nil {
		if errors.Is(err, project.ErrPathEscape) {
			return out + " (outside project)"
		}
		return out + " (" + err.Error() + ")"
	}
	if !figureExts[strings.ToLower(path.Ext(rel))] {
		return rel + " (not an image)"
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return rel + " (missing)"
	}
	return ""
}

func (e *evaluator) reporting() []Predicate {
	report, _ := e.present("report-present", artifact.ReportDoc)
	nbPresent, _ := e.present("notebook-present", artifact.NotebookDoc)
	nbValid := Predicate{ID: "notebook-valid", Description: "the notebook parses and has at least one code cell"}
	refs := Predicate{ID: "references-resolve", Description: "every relative link resolves to a pipeline file"}

	var sources [][]byte
	if report.OK {
		if data, err := e.store.Read(artifact.ReportDoc); err == nil {
			sources = append(sources, data)
		}
	}
	if nbPresent.OK {
		data, err := e.store.Read(artifact.NotebookDoc)
		var nb notebook.Notebook
		if err == nil {
			nb, err = notebook.Parse(data)
		}
		switch {
		case err != nil:
			nbValid.Detail = err.Error()
		case nb.CodeCells() == 0:
			nbValid.Detail = "no code cells"
		default:
			nbValid.OK = true
		}
		if err == nil {
			for _, md := range nb.MarkdownSources() {
				sources = append(sources, []byte(md))
			}
		}
	} else {
		nbValid.Detail = "notebook missing"
	}

	if !report.OK {
		refs.Detail = "report missing"
		return []Predicate{report, nbPresent, nbValid, refs}
	}
	seen := map[string]bool{}
	var broken []string
	for _, src := range sources {
		for _, link := range artifact.ParseLinks(src) {
			if seen[link] {
				continue
			}
			seen[link] = true
			if problem := e.checkReference(link); problem != "" {
				broken = append(broken, problem)
			}
		}
	}
	if len(broken) > 0 {
		refs.Detail = strings.Join(broken, ", ")
	} else {
		refs.OK = true
	}
	return []Predicate{report, nbPresent, nbValid, refs}
}

func (e *evaluator) checkReference(link string) string {
	rel, abs, err := resolveFrom(e.project, project.ReportingDir, link)
	if err != nil {
		if errors.Is(err, project.ErrPathEscape) {
			return link + " (outside project)"
		}
		return link + " (" + err.Error() + ")"
	}
	if _, err := os.Stat(abs); err != nil {
		return link + " (missing)"
	}
	if _, ok := classify(rel, e.raw, producedOutputs(e.entries)); !ok {
		return link + " (not a pipeline file)"
	}
	return ""
}

// resolveFrom resolves target relative to the project directory baseRel
// and returns the cleaned project-relative and absolute paths.
func resolveFrom(p *project.Project, baseRel, target string) (string, string, error) {
	if path.IsAbs(target) || filepath.IsAbs(target) {
		abs, err := p.Resolve(target)
		if err != nil {
			return "", "", err
		}
		rel, err := p.Rel(abs)
		return rel, abs, err
	}
	joined := path.Join(baseRel, target)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return "", "", fmt.Errorf("%w: %s", project.ErrPathEscape, target)
	}
	abs, err := p.Resolve(filepath.FromSlash(joined))
	if err != nil {
		return "", "", err
	}
	return joined, abs, nil
}

func (e *evaluator) rel(abs string) string {
	rel, err := e.project.Rel(abs)
	if err != nil {
		return abs
	}
	return rel
}
