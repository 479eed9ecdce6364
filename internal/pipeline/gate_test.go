package pipeline

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/autoscience/internal/artifact"
	"github.com/kingrea/autoscience/internal/notebook"
	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/runlog"
)

func newEvaluator(t *testing.T, p *project.Project, entries ...runlog.Entry) *evaluator {
	t.Helper()
	raw, err := rawSet(p)
	if err != nil {
		t.Fatal(err)
	}
	return &evaluator{project: p, store: artifact.NewStore(p), entries: entries, raw: raw}
}

func predicate(t *testing.T, r GateReport, id string) Predicate {
	t.Helper()
	for _, pr := range r.Predicates {
		if pr.ID == id {
			return pr
		}
	}
	t.Fatalf("report for %v has no predicate %s", r.Stage, id)
	return Predicate{}
}

func scriptEntry(t *testing.T, p *project.Project, rel string, outcome runlog.Outcome) runlog.Entry {
	t.Helper()
	sum, err := project.Checksum(filepath.Join(p.Root(), filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return runlog.Entry{Kind: runlog.KindScript, Script: rel, Checksum: sum, Outcome: outcome, FinishedAt: time.Now()}
}

func TestParsingDataGate(t *testing.T) {
	p := newStudy(t)
	writeFile(t, filepath.Join(p.DataDir(), "codebook.pdf"), "%PDF")

	report := newEvaluator(t, p).evaluate(ParsingData)
	if report.Passed() || predicate(t, report, "schema-present").OK {
		t.Fatalf("gate without schema should fail: %+v", report)
	}

	writeFile(t, p.SchemaPath(), schemaDoc)
	report = newEvaluator(t, p).evaluate(ParsingData)
	documented := predicate(t, report, "datasets-documented")
	if documented.OK || !strings.Contains(documented.Detail, "data/codebook.pdf") {
		t.Fatalf("undocumented file not reported: %+v", documented)
	}
	if !predicate(t, report, "schema-parses").OK {
		t.Fatalf("schema should parse")
	}
	if !strings.Contains(report.Summary(), "datasets-documented") {
		t.Fatalf("summary = %q", report.Summary())
	}

	writeFile(t, p.SchemaPath(), schemaDoc+"\n## Dataset: codebook.pdf\n\nVariable descriptions.\n")
	if report := newEvaluator(t, p).evaluate(ParsingData); !report.Passed() {
		t.Fatalf("gate should pass: %s", report.Summary())
	}
}

func TestSelectingVariablesGate(t *testing.T) {
	p := newStudy(t)
	writeFile(t, p.SchemaPath(), schemaDoc)
	writeFile(t, p.VariablesPath(), "# Selected\n\n- `age`\n- `region`\n")

	report := newEvaluator(t, p).evaluate(SelectingVariables)
	known := predicate(t, report, "variables-in-schema")
	if known.OK || known.Detail != "not in schema: region" {
		t.Fatalf("unknown variable not reported: %+v", known)
	}

	writeFile(t, p.VariablesPath(), "# Selected\n\nNothing useful here.\n")
	report = newEvaluator(t, p).evaluate(SelectingVariables)
	if predicate(t, report, "variables-named").OK {
		t.Fatalf("document without variables should fail")
	}

	writeFile(t, p.VariablesPath(), "# Selected\n\n| Variable | Role |\n| --- | --- |\n| survey.age | predictor |\n| income | outcome |\n")
	if report := newEvaluator(t, p).evaluate(SelectingVariables); !report.Passed() {
		t.Fatalf("gate should pass: %s", report.Summary())
	}
}

func TestScriptGateRequiresCurrentSuccessfulRuns(t *testing.T) {
	p := newStudy(t)
	rel := "analysis_scripts/01_model.py"
	writeFile(t, filepath.Join(p.Root(), rel), "print('fit')\n")

	report := newEvaluator(t, p).evaluate(RunningAnalysis)
	if got := predicate(t, report, "scripts-succeeded"); got.OK || !strings.Contains(got.Detail, "not run") {
		t.Fatalf("unrun script accepted: %+v", got)
	}

	failed := scriptEntry(t, p, rel, runlog.OutcomeFailure)
	report = newEvaluator(t, p, failed).evaluate(RunningAnalysis)
	if got := predicate(t, report, "scripts-succeeded"); got.OK || !strings.Contains(got.Detail, "failure") {
		t.Fatalf("failed script accepted: %+v", got)
	}

	ok := scriptEntry(t, p, rel, runlog.OutcomeSuccess)
	if report := newEvaluator(t, p, failed, ok).evaluate(RunningAnalysis); !report.Passed() {
		t.Fatalf("gate should pass: %s", report.Summary())
	}

	writeFile(t, filepath.Join(p.Root(), rel), "print('edited')\n")
	report = newEvaluator(t, p, failed, ok).evaluate(RunningAnalysis)
	if got := predicate(t, report, "scripts-succeeded"); got.OK || !strings.Contains(got.Detail, "changed") {
		t.Fatalf("edited script accepted: %+v", got)
	}
}

func TestVisualizingGateChecksDeclaredFigures(t *testing.T) {
	rel := "visualization_scripts/01_plot.py"

	cases := []struct {
		name   string
		script string
		files  []string
		detail string
		pass   bool
	}{
		{name: "undeclared", script: "print('plot')\n", detail: "no '# output:' line"},
		{name: "missing figure", script: "# output: fig.png\n", detail: "visualization_scripts/fig.png (missing)"},
		{name: "escapes project", script: "# output: ../../elsewhere.png\n", detail: "outside project"},
		{name: "not an image", script: "# output: table.csv\n", files: []string{"visualization_scripts/table.csv"}, detail: "not an image"},
		{name: "ok", script: "# outputs: fig.png, ../reporting/figures/b.svg\n", files: []string{"visualization_scripts/fig.png", "reporting/figures/b.svg"}, pass: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newStudy(t)
			writeFile(t, filepath.Join(p.Root(), rel), tc.script)
			for _, f := range tc.files {
				writeFile(t, filepath.Join(p.Root(), f), "img")
			}
			report := newEvaluator(t, p, scriptEntry(t, p, rel, runlog.OutcomeSuccess)).evaluate(Visualizing)
			if report.Passed() != tc.pass {
				t.Fatalf("passed = %v, want %v: %s", report.Passed(), tc.pass, report.Summary())
			}
			if tc.detail != "" && !strings.Contains(report.Summary(), tc.detail) {
				t.Fatalf("summary %q lacks %q", report.Summary(), tc.detail)
			}
		})
	}
}

func TestReportingGate(t *testing.T) {
	p := newStudy(t)
	nb := notebook.Build("study", "See [the figure](figures/age.png).", []notebook.Script{
		{Name: "analysis_scripts/01.py", Dir: "../analysis_scripts", Code: "print(1)"},
	})
	if err := notebook.Write(p.NotebookPath(), nb, false); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(p.ReportingDir(), "figures", "age.png"), "img")

	cases := []struct {
		name   string
		report string
		detail string
		pass   bool
	}{
		{name: "urls and anchors ignored", report: "# R\n\n[web](https://example.com) [top](#r) ![fig](figures/age.png)\n", pass: true},
		{name: "raw data link", report: "# R\n\n[data](../data/survey.csv)\n", pass: true},
		{name: "missing target", report: "# R\n\n![fig](figures/none.png)\n", detail: "figures/none.png (missing)"},
		{name: "outside project", report: "# R\n\n[x](../../secrets.txt)\n", detail: "(outside project)"},
		{name: "internal state", report: "# R\n\n[log](../.autoscience/run_log.jsonl)\n", detail: "not a pipeline file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeFile(t, p.ReportPath(), tc.report)
			writeFile(t, p.RunLogPath(), "")
			report := newEvaluator(t, p).evaluate(Reporting)
			if report.Passed() != tc.pass {
				t.Fatalf("passed = %v, want %v: %s", report.Passed(), tc.pass, report.Summary())
			}
			if tc.detail != "" && !strings.Contains(report.Summary(), tc.detail) {
				t.Fatalf("summary %q lacks %q", report.Summary(), tc.detail)
			}
		})
	}
}

func TestReportingGateRejectsInvalidNotebook(t *testing.T) {
	p := newStudy(t)
	writeFile(t, p.ReportPath(), "# Report\n")
	writeFile(t, p.NotebookPath(), `{"nbformat": 3, "cells": []}`)

	report := newEvaluator(t, p).evaluate(Reporting)
	if predicate(t, report, "notebook-valid").OK {
		t.Fatalf("nbformat 3 notebook accepted")
	}

	empty := notebook.New()
	if err := notebook.Write(p.NotebookPath(), empty, true); err != nil {
		t.Fatal(err)
	}
	report = newEvaluator(t, p).evaluate(Reporting)
	if got := predicate(t, report, "notebook-valid"); got.OK || got.Detail != "no code cells" {
		t.Fatalf("notebook without code accepted: %+v", got)
	}
}

func TestClassify(t *testing.T) {
	raw := map[string]bool{"data/survey.csv": true}
	produced := producedOutputs([]runlog.Entry{
		{Kind: runlog.KindScript, Stage: "visualizing", Script: "visualization_scripts/01_plot.py",
			Outputs: []string{"../reporting/figures/age.png", "../../outside.png", "/tmp/abs.png"}},
		{Kind: runlog.KindScript, Stage: "running-analysis", Script: "analysis_scripts/01_fit.py",
			Outputs: []string{"fit.csv", "../data/survey.csv"}},
	})
	cases := []struct {
		rel   string
		stage Stage
		input bool
		owned bool
	}{
		{rel: "research_question.md", input: true, owned: true},
		{rel: "data/survey.csv", input: true, owned: true},
		{rel: "data/schema.md", stage: ParsingData, owned: true},
		{rel: "data/notes.txt", stage: ParsingData, owned: true},
		{rel: "data/survey_focused.csv", stage: SelectingVariables, owned: true},
		{rel: "analysis_scripts/selected_variables.md", stage: SelectingVariables, owned: true},
		{rel: "analysis_scripts/01.py", stage: RunningAnalysis, owned: true},
		{rel: "visualization_scripts/plot.py", stage: Visualizing, owned: true},
		{rel: "reporting/report.md", stage: Reporting, owned: true},
		{rel: "reporting/figures/age.png", stage: Visualizing, owned: true},
		{rel: "reporting/figures/other.png", stage: Reporting, owned: true},
		{rel: "analysis_scripts/fit.csv", stage: RunningAnalysis, owned: true},
		{rel: ".autoscience/run_log.jsonl"},
		{rel: "pipeline_state.txt"},
	}
	for _, tc := range cases {
		own, ok := classify(tc.rel, raw, produced)
		if ok != tc.owned {
			t.Fatalf("classify(%q) owned = %v", tc.rel, ok)
		}
		if !ok {
			continue
		}
		if own.input != tc.input || (!tc.input && own.stage != tc.stage) {
			t.Fatalf("classify(%q) = %+v", tc.rel, own)
		}
	}
	if _, ok := produced["../outside.png"]; ok {
		t.Fatalf("output outside the project recorded: %v", produced)
	}
	if len(produced) != 3 {
		t.Fatalf("produced = %v", produced)
	}
}
