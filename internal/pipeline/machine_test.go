package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/autoscience/internal/agent"
	"github.com/kingrea/autoscience/internal/notebook"
	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/runlog"
	"github.com/kingrea/autoscience/internal/scripts"
)

const schemaDoc = `# Data schema

## survey.csv

Household survey, one row per respondent.

| Column | Type | Description |
| --- | --- | --- |
| age | int | Age in years |
| income | float | Yearly income |
`

const variablesDoc = "# Selected variables\n\n- `age`: predictor\n- `income`: outcome\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newStudy(t *testing.T) *project.Project {
	t.Helper()
	p, err := project.Ensure("study", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WriteResearchQuestion("Does age predict income?", false); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(p.DataDir(), "survey.csv"), "age,income\n30,100\n41,180\n")
	return p
}

// produce writes what a well-behaved collaborator leaves behind for stage.
func produce(t *testing.T, p *project.Project, stage string) {
	t.Helper()
	switch stage {
	case "parsing-data":
		writeFile(t, p.SchemaPath(), schemaDoc)
	case "selecting-variables":
		writeFile(t, p.VariablesPath(), variablesDoc)
		writeFile(t, filepath.Join(p.DataDir(), "survey_focused.csv"), "age,income\n30,100\n")
	case "running-analysis":
		writeFile(t, filepath.Join(p.AnalysisDir(), "01_summary.py"), "print('summary')\n")
	case "visualizing":
		writeFile(t, filepath.Join(p.VisualizationDir(), "01_plot.py"),
			"# output: ../reporting/figures/age.png\nprint('plot')\n")
	case "reporting":
		writeFile(t, p.ReportPath(), "# Findings\n\n![Age](figures/age.png)\n\nColumns are described in [the schema](../data/schema.md).\n")
		nb := notebook.Build("study", "Replays the analysis.", []notebook.Script{
			{Name: "analysis_scripts/01_summary.py", Dir: "../analysis_scripts", Code: "print('summary')\n"},
		})
		if err := notebook.Write(p.NotebookPath(), nb, true); err != nil {
			t.Fatal(err)
		}
	}
}

type call struct {
	stage   string
	attempt int
	prompt  string
	env     []string
}

// collaborator stands in for the coding agent. behave may override what
// happens for a call; by default every stage is completed.
type collaborator struct {
	t      *testing.T
	p      *project.Project
	calls  []call
	behave func(c call) (agent.Result, bool, error)
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func (c *collaborator) Invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	attempt, _ := strconv.Atoi(envValue(req.Env, "AUTOSCIENCE_ATTEMPT"))
	cl := call{stage: envValue(req.Env, "AUTOSCIENCE_STAGE"), attempt: attempt, prompt: req.Prompt, env: req.Env}
	c.calls = append(c.calls, cl)
	if c.behave != nil {
		if res, handled, err := c.behave(cl); handled {
			return res, err
		}
	}
	produce(c.t, c.p, cl.stage)
	return agent.Result{}, nil
}

func (c *collaborator) stages() []string {
	out := make([]string, len(c.calls))
	for i, cl := range c.calls {
		out[i] = cl.stage
	}
	return out
}

// fakeRunner executes nothing; it pretends scripts ran and creates their
// declared outputs. failures counts how many more times a script fails.
type fakeRunner struct {
	failures map[string]int
	runs     []string
}

func (r *fakeRunner) Discover(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.py"))
	sort.Strings(matches)
	return matches, err
}

func (r *fakeRunner) Run(ctx context.Context, path string) scripts.Result {
	base := filepath.Base(path)
	r.runs = append(r.runs, base)
	src, _ := os.ReadFile(path)
	sum, _ := project.Checksum(path)
	now := time.Now()
	res := scripts.Result{Path: path, Checksum: sum, Outputs: scripts.DeclaredOutputs(src), StartedAt: now, FinishedAt: now}
	if r.failures[base] > 0 {
		r.failures[base]--
		res.ExitCode = 1
		res.Stderr = "Traceback (most recent call last): boom"
		return res
	}
	for _, out := range res.Outputs {
		target := filepath.Join(filepath.Dir(path), filepath.FromSlash(out))
		_ = os.MkdirAll(filepath.Dir(target), 0o755)
		_ = os.WriteFile(target, []byte("PNG"), 0o644)
	}
	return res
}

func newMachine(t *testing.T, p *project.Project, inv Invoker, runner ScriptRunner, opts ...Option) *Machine {
	t.Helper()
	base := []Option{
		WithInvoker(inv),
		WithScriptRunner(runner),
		WithRetryBackoff(0, 0),
		WithMaxAttempts(2),
	}
	m, err := New(p, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func entriesOf(t *testing.T, p *project.Project, kind runlog.Kind) []runlog.Entry {
	t.Helper()
	log, err := runlog.Open(p.RunLogPath())
	if err != nil {
		t.Fatal(err)
	}
	all, err := log.Entries()
	if err != nil {
		t.Fatal(err)
	}
	var out []runlog.Entry
	for _, e := range all {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func marker(t *testing.T, p *project.Project) string {
	t.Helper()
	data, err := os.ReadFile(p.StageMarkerPath())
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunHappyPathReachesDone(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	runner := &fakeRunner{}
	m := newMachine(t, p, collab, runner)

	snap, err := m.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Stage != Done {
		t.Fatalf("stage = %v, want Done", snap.Stage)
	}
	if got := marker(t, p); got != "Done\n" {
		t.Fatalf("marker = %q", got)
	}
	want := []string{"parsing-data", "selecting-variables", "running-analysis", "visualizing", "reporting"}
	if diff := cmp.Diff(want, collab.stages()); diff != "" {
		t.Fatalf("invocations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"01_summary.py", "01_plot.py"}, runner.runs); diff != "" {
		t.Fatalf("script runs mismatch (-want +got):\n%s", diff)
	}

	first := collab.calls[0]
	if envValue(first.env, "AUTOSCIENCE_PROJECT") != "study" {
		t.Fatalf("project env missing: %v", first.env)
	}
	if !strings.Contains(first.prompt, "Does age predict income?") {
		t.Fatalf("prompt lacks the research question:\n%s", first.prompt)
	}
	if !strings.Contains(first.prompt, p.DataDir()) {
		t.Fatalf("prompt lacks the data directory:\n%s", first.prompt)
	}
	if !fileExists(filepath.Join(p.InstructionsDir(), "parsing-data.md")) {
		t.Fatalf("stage instructions were not written")
	}

	attempts := entriesOf(t, p, runlog.KindAttempt)
	if len(attempts) != 5 {
		t.Fatalf("attempt entries = %d, want 5", len(attempts))
	}
	for _, e := range attempts {
		if e.Outcome != runlog.OutcomeSuccess {
			t.Fatalf("attempt %s outcome %s: %s", e.Stage, e.Outcome, e.Error)
		}
	}
	if n := len(entriesOf(t, p, runlog.KindTransition)); n != 5 {
		t.Fatalf("transition entries = %d, want 5", n)
	}
	scriptEntries := entriesOf(t, p, runlog.KindScript)
	if len(scriptEntries) != 2 || scriptEntries[1].Script != "visualization_scripts/01_plot.py" {
		t.Fatalf("script entries = %+v", scriptEntries)
	}
	if diff := cmp.Diff([]string{"../reporting/figures/age.png"}, scriptEntries[1].Outputs); diff != "" {
		t.Fatalf("declared outputs mismatch (-want +got):\n%s", diff)
	}

	meta, err := p.LoadMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.RawData) != 1 || meta.RawData[0].Path != "data/survey.csv" {
		t.Fatalf("raw manifest = %+v", meta.RawData)
	}
	if meta.LastRunAt == nil {
		t.Fatalf("last_run_at not recorded")
	}

	// A completed project runs to completion again without invoking anything.
	again, err := m.Run(context.Background(), RunOptions{})
	if err != nil || again.Stage != Done {
		t.Fatalf("second Run = %v, %v", again.Stage, err)
	}
	if len(collab.calls) != 5 {
		t.Fatalf("completed project invoked the collaborator again")
	}
}

func TestRunStopAfter(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})

	stop := SelectingVariables
	snap, err := m.Run(context.Background(), RunOptions{StopAfter: &stop})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Stage != RunningAnalysis {
		t.Fatalf("stage = %v, want RunningAnalysis", snap.Stage)
	}
	if len(collab.calls) != 2 {
		t.Fatalf("calls = %v", collab.stages())
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		return agent.Result{Stdout: "I looked at the data"}, true, nil
	}}
	m := newMachine(t, p, collab, &fakeRunner{})

	_, err := m.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrStageGateUnmet) {
		t.Fatalf("expected ErrStageGateUnmet, got %v", err)
	}
	var gateErr *GateError
	if !errors.As(err, &gateErr) || gateErr.Report.Stage != ParsingData {
		t.Fatalf("expected GateError for ParsingData, got %v", err)
	}
	if !strings.Contains(err.Error(), "schema-present") {
		t.Fatalf("error should name the unmet predicate: %v", err)
	}
	if len(collab.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(collab.calls))
	}
	if !strings.Contains(collab.calls[1].prompt, "Earlier attempts of this stage did not pass") {
		t.Fatalf("retry prompt lacks failure feedback:\n%s", collab.calls[1].prompt)
	}
	stage, err := NewMarkerStore(p).Load()
	if err != nil || stage != ParsingData {
		t.Fatalf("stage after failure = %v, %v", stage, err)
	}
	for _, e := range entriesOf(t, p, runlog.KindAttempt) {
		if e.Outcome != runlog.OutcomeGateUnmet {
			t.Fatalf("outcome = %s, want gate_unmet", e.Outcome)
		}
	}
}

func TestRunRecoversOnSecondAttempt(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		if c.attempt == 1 {
			return agent.Result{ExitCode: 2, Stderr: "rate limited"}, true, nil
		}
		return agent.Result{}, false, nil
	}}
	m := newMachine(t, p, collab, &fakeRunner{})

	stop := ParsingData
	snap, err := m.Run(context.Background(), RunOptions{StopAfter: &stop})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Stage != SelectingVariables {
		t.Fatalf("stage = %v", snap.Stage)
	}
	attempts := entriesOf(t, p, runlog.KindAttempt)
	if len(attempts) != 2 || attempts[0].Outcome != runlog.OutcomeFailure || attempts[0].ExitCode != 2 {
		t.Fatalf("attempts = %+v", attempts)
	}
	if !strings.Contains(attempts[0].Error, "rate limited") {
		t.Fatalf("failure excerpt missing: %q", attempts[0].Error)
	}
	if !strings.Contains(collab.calls[1].prompt, "rate limited") {
		t.Fatalf("retry prompt should quote the earlier failure")
	}
}

func TestRunTimeout(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		return agent.Result{TimedOut: true, Stdout: "still thinking"}, true, fmt.Errorf("%w after 1s", agent.ErrTimeout)
	}}
	m := newMachine(t, p, collab, &fakeRunner{}, WithMaxAttempts(1), WithStageTimeout(time.Second))

	_, err := m.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrInvocationTimeout) {
		t.Fatalf("expected ErrInvocationTimeout, got %v", err)
	}
	attempts := entriesOf(t, p, runlog.KindAttempt)
	if len(attempts) != 1 || attempts[0].Outcome != runlog.OutcomeTimeout {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestRunNumbersAttemptsAcrossRuns(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		if c.stage == "running-analysis" {
			return agent.Result{TimedOut: true}, true, fmt.Errorf("%w after 1s", agent.ErrTimeout)
		}
		return agent.Result{}, false, nil
	}}
	m := newMachine(t, p, collab, &fakeRunner{}, WithMaxAttempts(1), WithStageTimeout(time.Second))

	for i := 0; i < 2; i++ {
		snap, err := m.Run(context.Background(), RunOptions{})
		if !errors.Is(err, ErrInvocationTimeout) {
			t.Fatalf("run %d: expected ErrInvocationTimeout, got %v", i+1, err)
		}
		if snap.Stage != RunningAnalysis || marker(t, p) != "Running Analysis\n" {
			t.Fatalf("run %d: stage = %v, marker %q", i+1, snap.Stage, marker(t, p))
		}
	}

	var logged, seen []int
	for _, e := range entriesOf(t, p, runlog.KindAttempt) {
		if e.Stage == "running-analysis" {
			logged = append(logged, e.Attempt)
		}
	}
	var last call
	for _, c := range collab.calls {
		if c.stage == "running-analysis" {
			seen = append(seen, c.attempt)
			last = c
		}
	}
	if diff := cmp.Diff([]int{1, 2}, logged); diff != "" {
		t.Fatalf("logged attempts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, seen); diff != "" {
		t.Fatalf("AUTOSCIENCE_ATTEMPT mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(last.prompt, "Attempt 2.") {
		t.Fatalf("second run prompt should carry attempt 2:\n%s", last.prompt)
	}

	if _, err := m.Reset(context.Background(), RunningAnalysis); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := m.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrInvocationTimeout) {
		t.Fatalf("expected ErrInvocationTimeout, got %v", err)
	}
	if got := collab.calls[len(collab.calls)-1].attempt; got != 1 {
		t.Fatalf("attempt after reset = %d, want 1", got)
	}
}

func TestRunAgentNotFoundIsNotRetried(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		return agent.Result{ExitCode: -1}, true, fmt.Errorf("%w: codex", agent.ErrAgentNotFound)
	}}
	m := newMachine(t, p, collab, &fakeRunner{}, WithMaxAttempts(3))

	_, err := m.Run(context.Background(), RunOptions{})
	if !errors.Is(err, agent.ErrAgentNotFound) || !errors.Is(err, ErrInvocationFailed) {
		t.Fatalf("expected agent-not-found invocation failure, got %v", err)
	}
	if len(collab.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(collab.calls))
	}
}

func TestRunCancelled(t *testing.T) {
	p := newStudy(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		cancel()
		return agent.Result{ExitCode: -1}, true, agent.ErrCancelled
	}}
	m := newMachine(t, p, collab, &fakeRunner{}, WithMaxAttempts(3))

	_, err := m.Run(ctx, RunOptions{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(collab.calls) != 1 {
		t.Fatalf("cancelled run retried: %d calls", len(collab.calls))
	}
	attempts := entriesOf(t, p, runlog.KindAttempt)
	if len(attempts) != 1 || attempts[0].Outcome != runlog.OutcomeCancelled {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestRunScriptFailureFeedsNextPrompt(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	runner := &fakeRunner{failures: map[string]int{"01_summary.py": 1}}
	m := newMachine(t, p, collab, runner)

	stop := RunningAnalysis
	snap, err := m.Run(context.Background(), RunOptions{StopAfter: &stop})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Stage != Visualizing {
		t.Fatalf("stage = %v, want Visualizing", snap.Stage)
	}
	var analysisCalls []call
	for _, c := range collab.calls {
		if c.stage == "running-analysis" {
			analysisCalls = append(analysisCalls, c)
		}
	}
	if len(analysisCalls) != 2 {
		t.Fatalf("running-analysis calls = %d, want 2", len(analysisCalls))
	}
	if !strings.Contains(analysisCalls[1].prompt, "boom") {
		t.Fatalf("retry prompt should quote the script error:\n%s", analysisCalls[1].prompt)
	}
	scriptEntries := entriesOf(t, p, runlog.KindScript)
	if len(scriptEntries) != 2 || scriptEntries[0].Outcome != runlog.OutcomeFailure || scriptEntries[1].Outcome != runlog.OutcomeSuccess {
		t.Fatalf("script entries = %+v", scriptEntries)
	}
}

func TestRunMissingPreconditions(t *testing.T) {
	p, err := project.Ensure("empty", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})

	if _, err := m.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrMissingPrecondition) {
		t.Fatalf("template question: expected ErrMissingPrecondition, got %v", err)
	}
	if err := p.WriteResearchQuestion("Why?", false); err != nil {
		t.Fatal(err)
	}
	writeFile(t, p.SchemaPath(), schemaDoc)
	if _, err := m.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrMissingPrecondition) {
		t.Fatalf("no raw data: expected ErrMissingPrecondition, got %v", err)
	}
	if len(collab.calls) != 0 {
		t.Fatalf("collaborator invoked without preconditions")
	}
}

func TestRunWithoutInvoker(t *testing.T) {
	p := newStudy(t)
	m, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrNoInvoker) {
		t.Fatalf("expected ErrNoInvoker, got %v", err)
	}
}

func TestRunBusy(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})

	held := flock.New(p.LockPath())
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not take lock: %v", err)
	}
	defer held.Unlock()

	if _, err := m.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := m.Reset(context.Background(), ParsingData); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reset: expected ErrBusy, got %v", err)
	}
	snap, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !snap.Busy {
		t.Fatalf("status should report the project busy")
	}
	if len(collab.calls) != 0 {
		t.Fatalf("collaborator invoked while locked")
	}
}

func TestStatusWritesNothing(t *testing.T) {
	p := newStudy(t)
	m := newMachine(t, p, nil, &fakeRunner{})

	snap, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Busy || snap.Stage != ParsingData {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, path := range []string{p.LockPath(), p.StageMarkerPath(), p.RunLogPath()} {
		if fileExists(path) {
			t.Fatalf("Status created %s", path)
		}
	}
}

func TestRunDetectsLaterArtifacts(t *testing.T) {
	p := newStudy(t)
	writeFile(t, filepath.Join(p.VisualizationDir(), "old_plot.py"), "print(1)\n")
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})

	_, err := m.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrArtifactConflict) {
		t.Fatalf("expected ErrArtifactConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T", err)
	}
	if diff := cmp.Diff([]string{"visualization_scripts/old_plot.py"}, conflict.Paths); diff != "" {
		t.Fatalf("conflict paths mismatch (-want +got):\n%s", diff)
	}
	if len(collab.calls) != 0 {
		t.Fatalf("collaborator invoked despite conflict")
	}
}

func TestRunCorruptMarker(t *testing.T) {
	p := newStudy(t)
	writeFile(t, p.StageMarkerPath(), "Celebrating\n")
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})

	if _, err := m.Run(context.Background(), RunOptions{}); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	if _, err := m.Status(); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("Status: expected ErrCorruptState, got %v", err)
	}
	snap, err := m.Reset(context.Background(), ParsingData)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap.Stage != ParsingData || marker(t, p) != "Parsing Data\n" {
		t.Fatalf("reset did not repair the marker: %v %q", snap.Stage, marker(t, p))
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	p := newStudy(t)
	writeFile(t, p.SchemaPath(), schemaDoc)
	writeFile(t, p.VariablesPath(), variablesDoc)
	m := newMachine(t, p, nil, &fakeRunner{})

	snap, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if snap.Stage != RunningAnalysis {
		t.Fatalf("stage = %v, want RunningAnalysis", snap.Stage)
	}
	before := len(entriesOf(t, p, ""))
	if before != 2 {
		t.Fatalf("entries after first check = %d, want 2 transitions", before)
	}

	snap, err = m.Check(context.Background())
	if err != nil || snap.Stage != RunningAnalysis {
		t.Fatalf("second Check = %v, %v", snap.Stage, err)
	}
	if after := len(entriesOf(t, p, "")); after != before {
		t.Fatalf("second check wrote %d entries", after-before)
	}
	gate, ok := snap.Gate(RunningAnalysis)
	if !ok || gate.Passed() {
		t.Fatalf("RunningAnalysis gate should be unmet: %+v", gate)
	}
}

func TestResetPreservesInputs(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})
	if _, err := m.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	question, _ := os.ReadFile(p.ResearchQuestionPath())
	raw, _ := os.ReadFile(filepath.Join(p.DataDir(), "survey.csv"))

	snap, err := m.Reset(context.Background(), RunningAnalysis)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap.Stage != RunningAnalysis || marker(t, p) != "Running Analysis\n" {
		t.Fatalf("stage after reset = %v", snap.Stage)
	}
	for _, gone := range []string{
		filepath.Join(p.AnalysisDir(), "01_summary.py"),
		filepath.Join(p.VisualizationDir(), "01_plot.py"),
		p.ReportPath(),
		p.NotebookPath(),
		filepath.Join(p.ReportingDir(), "figures"),
	} {
		if fileExists(gone) {
			t.Fatalf("%s survived the reset", gone)
		}
	}
	for _, kept := range []string{p.SchemaPath(), p.VariablesPath(), filepath.Join(p.DataDir(), "survey_focused.csv")} {
		if !fileExists(kept) {
			t.Fatalf("%s belongs to an earlier stage and was removed", kept)
		}
	}
	for _, e := range entriesOf(t, p, "") {
		if e.Kind == runlog.KindReset {
			continue
		}
		if s, _ := ParseStage(e.Stage); s >= RunningAnalysis {
			t.Fatalf("run log kept %s entry for %s", e.Kind, e.Stage)
		}
	}

	if _, err := m.Reset(context.Background(), ParsingData); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for _, gone := range []string{p.SchemaPath(), p.VariablesPath(), filepath.Join(p.DataDir(), "survey_focused.csv")} {
		if fileExists(gone) {
			t.Fatalf("%s survived the reset", gone)
		}
	}
	gotQuestion, _ := os.ReadFile(p.ResearchQuestionPath())
	gotRaw, _ := os.ReadFile(filepath.Join(p.DataDir(), "survey.csv"))
	if string(gotQuestion) != string(question) || string(gotRaw) != string(raw) {
		t.Fatalf("reset touched the research question or raw data")
	}

	snap, err = m.Run(context.Background(), RunOptions{})
	if err != nil || snap.Stage != Done {
		t.Fatalf("rerun after reset = %v, %v", snap.Stage, err)
	}
}

func TestResetToReportingKeepsFigures(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})
	if _, err := m.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	figure := filepath.Join(p.ReportingDir(), "figures", "age.png")

	snap, err := m.Reset(context.Background(), Reporting)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap.Stage != Reporting {
		t.Fatalf("stage = %v, want Reporting", snap.Stage)
	}
	if fileExists(p.ReportPath()) {
		t.Fatalf("report survived the reset")
	}
	if !fileExists(figure) {
		t.Fatalf("figure written by a visualization script was removed")
	}
	if gate, ok := snap.Gate(Visualizing); !ok || !gate.Passed() {
		t.Fatalf("Visualizing gate no longer holds: %+v", gate)
	}

	snap, err = m.Run(context.Background(), RunOptions{})
	if err != nil || snap.Stage != Done {
		t.Fatalf("rerun = %v, %v", snap.Stage, err)
	}
	if got := collab.calls[len(collab.calls)-1].stage; got != "reporting" || len(collab.calls) != 6 {
		t.Fatalf("rerun invoked %v", collab.stages())
	}
}

func TestRunAfterFailedVisualizationHasNoConflict(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p, behave: func(c call) (agent.Result, bool, error) {
		if c.stage != "visualizing" {
			return agent.Result{}, false, nil
		}
		writeFile(t, filepath.Join(p.VisualizationDir(), "01_plot.py"),
			"# output: ../reporting/figures/age.png\nprint('plot')\n")
		writeFile(t, filepath.Join(p.VisualizationDir(), "02_plot.py"),
			"# output: ../reporting/figures/income.png\nprint('plot')\n")
		return agent.Result{}, true, nil
	}}
	runner := &fakeRunner{failures: map[string]int{"02_plot.py": 2}}
	m := newMachine(t, p, collab, runner)

	if _, err := m.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatalf("visualization should fail while 02_plot.py fails")
	}
	if got := marker(t, p); got != "Visualizing\n" {
		t.Fatalf("marker = %q", got)
	}
	if !fileExists(filepath.Join(p.ReportingDir(), "figures", "age.png")) {
		t.Fatalf("first script did not leave its figure")
	}

	snap, err := m.Run(context.Background(), RunOptions{})
	if errors.Is(err, ErrArtifactConflict) {
		t.Fatalf("figure from a failed attempt reported as a conflict: %v", err)
	}
	if err != nil || snap.Stage != Done {
		t.Fatalf("second Run = %v, %v", snap.Stage, err)
	}
}

func TestResetPastCurrentStageKeepsMarker(t *testing.T) {
	p := newStudy(t)
	writeFile(t, filepath.Join(p.ReportingDir(), "draft.md"), "stray\n")
	m := newMachine(t, p, nil, &fakeRunner{})

	snap, err := m.Reset(context.Background(), Reporting)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap.Stage != ParsingData {
		t.Fatalf("stage = %v, want ParsingData", snap.Stage)
	}
	if fileExists(filepath.Join(p.ReportingDir(), "draft.md")) {
		t.Fatalf("later-stage artifact should be cleared")
	}
	if _, err := m.Reset(context.Background(), Done); err == nil {
		t.Fatalf("reset to Done should be rejected")
	}
}

func TestResetKeepsDataAddedAfterRun(t *testing.T) {
	p := newStudy(t)
	collab := &collaborator{t: t, p: p}
	m := newMachine(t, p, collab, &fakeRunner{})
	stop := ParsingData
	if _, err := m.Run(context.Background(), RunOptions{StopAfter: &stop}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// File timestamps come from a coarse clock.
	time.Sleep(50 * time.Millisecond)
	extra := filepath.Join(p.DataDir(), "wave2.csv")
	writeFile(t, extra, "age,income\n50,200\n")

	if _, err := m.Reset(context.Background(), ParsingData); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !fileExists(extra) {
		t.Fatalf("data added after the run was deleted by reset")
	}
	if fileExists(p.SchemaPath()) {
		t.Fatalf("schema survived the reset")
	}
	meta, _ := p.LoadMetadata()
	if !meta.RawPaths()["data/wave2.csv"] {
		t.Fatalf("new data file was not recorded as raw: %+v", meta.RawData)
	}
}
