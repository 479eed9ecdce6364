package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"

	"github.com/kingrea/autoscience/internal/agent"
	"github.com/kingrea/autoscience/internal/artifact"
	"github.com/kingrea/autoscience/internal/instructions"
	"github.com/kingrea/autoscience/internal/logging"
	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/runlog"
	"github.com/kingrea/autoscience/internal/scripts"
)

const (
	defaultMaxAttempts  = 3
	defaultStageTimeout = 30 * time.Minute
	defaultRetryInitial = 2 * time.Second
	defaultRetryMax     = 30 * time.Second
	// failureHistory bounds how many earlier failures are quoted in a prompt.
	failureHistory = 3
)

// Invoker runs the collaborator once.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (agent.Result, error)
}

// ScriptRunner discovers and executes generated scripts.
type ScriptRunner interface {
	Discover(dir string) ([]string, error)
	Run(ctx context.Context, path string) scripts.Result
}

// Machine drives one project through the stages. A Machine holds no
// stage in memory; every operation starts from the marker on disk.
type Machine struct {
	project      *project.Project
	store        *artifact.Store
	state        StateStore
	log          *runlog.Log
	invoker      Invoker
	runner       ScriptRunner
	logger       *slog.Logger
	clock        clockwork.Clock
	maxAttempts  int
	stageTimeout time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	stdout       io.Writer
	stderr       io.Writer
	env          []string
	pattern      string
}

// Option customises a Machine.
type Option func(*Machine)

// WithInvoker sets the collaborator. Run requires one.
func WithInvoker(inv Invoker) Option {
	return func(m *Machine) { m.invoker = inv }
}

// WithScriptRunner replaces the default python3 runner.
func WithScriptRunner(r ScriptRunner) Option {
	return func(m *Machine) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the clock used for timestamps and retry waits.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMaxAttempts bounds collaborator invocations per stage per Run.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithStageTimeout bounds each collaborator invocation.
func WithStageTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.stageTimeout = d
		}
	}
}

// WithRetryBackoff sets the exponential wait between attempts. Zero
// values retry immediately.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(m *Machine) {
		if initial >= 0 {
			m.retryInitial = initial
		}
		if max >= initial {
			m.retryMax = max
		}
	}
}

// WithOutput streams collaborator output to the given writers.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(m *Machine) {
		m.stdout = stdout
		m.stderr = stderr
	}
}

// WithEnv adds KEY=VALUE pairs to every collaborator invocation.
func WithEnv(env ...string) Option {
	return func(m *Machine) { m.env = append(m.env, env...) }
}

// WithScriptPattern sets the glob that selects generated scripts.
func WithScriptPattern(pattern string) Option {
	return func(m *Machine) {
		if pattern != "" {
			m.pattern = pattern
		}
	}
}

// New builds a Machine for an existing project.
func New(p *project.Project, opts ...Option) (*Machine, error) {
	if p == nil {
		return nil, errors.New("pipeline: project is required")
	}
	m := &Machine{
		project:      p,
		logger:       logging.Discard(),
		clock:        clockwork.NewRealClock(),
		maxAttempts:  defaultMaxAttempts,
		stageTimeout: defaultStageTimeout,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
		pattern:      "*.py",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.state == nil {
		m.state = NewMarkerStore(p)
	}
	if m.runner == nil {
		m.runner = scripts.NewRunner("python3", scripts.WithClock(m.clock), scripts.WithPattern(m.pattern))
	}
	m.store = artifact.NewStore(p, artifact.WithScriptPattern(m.pattern))
	log, err := runlog.Open(p.RunLogPath(), runlog.WithClock(m.clock))
	if err != nil {
		return nil, err
	}
	m.log = log
	m.logger = m.logger.With("project", p.Name())
	return m, nil
}

// RunOptions tunes a single Run.
type RunOptions struct {
	// StopAfter ends the run once this stage has passed. Nil runs to Done.
	StopAfter *Stage
}

// Snapshot is the observable state of a project.
type Snapshot struct {
	Project   string
	Root      string
	Stage     Stage
	Busy      bool
	Gates     []GateReport
	Attempts  map[Stage]int
	RawData   int
	LastRunAt *time.Time
	Recent    []runlog.Entry
}

// Gate returns the report for stage.
func (s Snapshot) Gate(stage Stage) (GateReport, bool) {
	for _, g := range s.Gates {
		if g.Stage == stage {
			return g, true
		}
	}
	return GateReport{}, false
}

// Status reports the current stage and gate evaluations without holding
// the lock. It writes nothing; a missing lock file means no run is active.
func (m *Machine) Status() (Snapshot, error) {
	snap, err := m.snapshot()
	if err != nil {
		return snap, err
	}
	if _, err := os.Stat(m.project.LockPath()); err != nil {
		return snap, nil
	}
	fl := flock.New(m.project.LockPath())
	locked, err := fl.TryLock()
	if err == nil && locked {
		_ = fl.Unlock()
	}
	snap.Busy = err == nil && !locked
	return snap, nil
}

// Check advances past every stage whose gate already holds without
// invoking the collaborator. Calling it twice changes nothing the second
// time.
func (m *Machine) Check(ctx context.Context) (Snapshot, error) {
	unlock, err := m.lock()
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()
	stage, err := m.state.Load()
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := m.advance(ctx, stage); err != nil {
		return Snapshot{}, err
	}
	return m.snapshot()
}

// Run drives the project from its current stage towards Done. Each stage
// is attempted up to the configured number of times; the first failure
// that exhausts them ends the run with the stage unchanged.
func (m *Machine) Run(ctx context.Context, opts RunOptions) (Snapshot, error) {
	if m.invoker == nil {
		return Snapshot{}, ErrNoInvoker
	}
	unlock, err := m.lock()
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	stage, err := m.state.Load()
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.checkPreconditions(); err != nil {
		return Snapshot{}, err
	}
	if err := m.recordManifest(stage); err != nil {
		return Snapshot{}, err
	}
	if changed, err := m.project.VerifyManifest(); err != nil {
		return Snapshot{}, err
	} else if len(changed) > 0 {
		m.logger.Warn("raw data changed since it was recorded", "files", changed)
	}
	if err := m.project.TouchLastRun(); err != nil {
		return Snapshot{}, err
	}

	stage, err = m.advance(ctx, stage)
	if err != nil {
		return Snapshot{}, err
	}
	if !stage.Terminal() {
		entries, err := m.log.Entries()
		if err != nil {
			return Snapshot{}, err
		}
		later, err := laterArtifacts(m.project, stage, entries)
		if err != nil {
			return Snapshot{}, err
		}
		if len(later) > 0 {
			return Snapshot{}, &ConflictError{Stage: stage, Paths: later}
		}
	}

	m.logger.Info("pipeline run started", "stage", stage.ID())
	for !stage.Terminal() {
		if opts.StopAfter != nil && stage > *opts.StopAfter {
			m.logger.Info("stopping as requested", "after", opts.StopAfter.ID())
			break
		}
		if err := ctx.Err(); err != nil {
			return m.snapshotAfter(fmt.Errorf("%w: %v", ErrCancelled, err))
		}
		next, err := m.runStage(ctx, stage)
		if err != nil {
			return m.snapshotAfter(err)
		}
		stage = next
	}
	if stage.Terminal() {
		m.logger.Info("pipeline complete", "notebook", m.project.NotebookPath())
	}
	return m.snapshot()
}

// Reset clears the artifacts of target and every later stage, drops their
// run log entries and moves the marker back to target. The research
// question and raw data are never touched. A target past the current
// stage removes stray later artifacts but leaves the marker where it is.
func (m *Machine) Reset(ctx context.Context, target Stage) (Snapshot, error) {
	if !target.Valid() || target.Terminal() {
		return Snapshot{}, fmt.Errorf("pipeline: cannot reset to %s", target)
	}
	unlock, err := m.lock()
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	current, err := m.state.Load()
	switch {
	case errors.Is(err, ErrCorruptState):
		m.logger.Warn("stage marker unreadable, resetting anyway", "error", err)
		current = Done
	case err != nil:
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	entries, err := m.log.Entries()
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := m.project.RecordManifest(lastActivity(entries)); err != nil {
		return Snapshot{}, err
	}
	removed, err := removeFrom(m.project, target, entries)
	if err != nil {
		return Snapshot{}, err
	}
	dropped, err := m.log.Truncate(func(e runlog.Entry) bool {
		s, err := ParseStage(e.Stage)
		return err == nil && s < target
	})
	if err != nil {
		return Snapshot{}, err
	}
	next := min(target, current)
	if _, err := m.log.Append(runlog.Entry{
		Kind:    runlog.KindReset,
		Stage:   next.ID(),
		From:    current.ID(),
		Outcome: runlog.OutcomeSuccess,
	}); err != nil {
		return Snapshot{}, err
	}
	if err := m.state.Save(next); err != nil {
		return Snapshot{}, err
	}
	m.logger.Info("project reset", "from", current.ID(), "to", next.ID(),
		"removed", len(removed), "log_entries_dropped", dropped)
	return m.snapshot()
}

func (m *Machine) lock() (func(), error) {
	if err := os.MkdirAll(m.project.StateDir(), 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create state dir: %w", err)
	}
	fl := flock.New(m.project.LockPath())
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pipeline: lock %s: %w", m.project.LockPath(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrBusy, m.project.LockPath())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("failed to release project lock", "error", err)
		}
	}, nil
}

func (m *Machine) checkPreconditions() error {
	has, err := m.project.HasResearchQuestion()
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s is missing or still the template", ErrMissingPrecondition, project.FileResearchQuestion)
	}
	files, err := m.project.DataFiles()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if !project.IsGeneratedData(rel) {
			return nil
		}
	}
	return fmt.Errorf("%w: no raw data files in %s/", ErrMissingPrecondition, project.DataDir)
}

// recordManifest adds raw data files to the manifest. Files are only
// taken while the first stage is still open, and only if they arrived
// after the pipeline last did anything, so collaborator output in data/
// is never mistaken for input.
func (m *Machine) recordManifest(stage Stage) error {
	meta, err := m.project.LoadMetadata()
	if err != nil {
		return err
	}
	if stage != ParsingData && len(meta.RawData) > 0 {
		return nil
	}
	entries, err := m.log.Entries()
	if err != nil {
		return err
	}
	meta, err = m.project.RecordManifest(lastActivity(entries))
	if err != nil {
		return err
	}
	m.logger.Debug("raw data manifest", "files", len(meta.RawData))
	return nil
}

func lastActivity(entries []runlog.Entry) time.Time {
	var last time.Time
	for _, e := range entries {
		if e.FinishedAt.After(last) {
			last = e.FinishedAt
		}
		if e.StartedAt.After(last) {
			last = e.StartedAt
		}
	}
	return last
}

func (m *Machine) evaluator() (*evaluator, error) {
	entries, err := m.log.Entries()
	if err != nil {
		return nil, err
	}
	raw, err := rawSet(m.project)
	if err != nil {
		return nil, err
	}
	return &evaluator{project: m.project, store: m.store, entries: entries, raw: raw}, nil
}

// advance moves forward while the current stage's gate holds.
func (m *Machine) advance(ctx context.Context, stage Stage) (Stage, error) {
	for !stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return stage, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		ev, err := m.evaluator()
		if err != nil {
			return stage, err
		}
		if !ev.evaluate(stage).Passed() {
			return stage, nil
		}
		next := stage.Next()
		if err := m.transition(stage, next); err != nil {
			return stage, err
		}
		stage = next
	}
	return stage, nil
}

func (m *Machine) transition(from, to Stage) error {
	now := m.clock.Now()
	if err := m.state.Save(to); err != nil {
		return err
	}
	if _, err := m.log.Append(runlog.Entry{
		Kind:       runlog.KindTransition,
		Stage:      to.ID(),
		From:       from.ID(),
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    runlog.OutcomeSuccess,
	}); err != nil {
		return err
	}
	m.logger.Info("stage passed", "from", from.ID(), "to", to.ID())
	return nil
}

func (m *Machine) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInitial
	b.MaxInterval = m.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Clock = m.clock
	b.Reset()
	return b
}

func (m *Machine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// runStage attempts stage until its gate holds or the attempts run out.
func (m *Machine) runStage(ctx context.Context, stage Stage) (Stage, error) {
	prior, err := m.priorAttempts(stage)
	if err != nil {
		return stage, err
	}
	policy := m.newBackoff()
	var lastErr error
	for i := 1; i <= m.maxAttempts; i++ {
		attempt := prior + i
		if i > 1 {
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				wait = m.retryMax
			}
			m.logger.Info("retrying stage", "stage", stage.ID(), "attempt", attempt, "wait", wait)
			if err := m.sleep(ctx, wait); err != nil {
				return stage, fmt.Errorf("%w: %v", ErrCancelled, err)
			}
		}
		report, err := m.attempt(ctx, stage, attempt)
		if err == nil && report.Passed() {
			return m.advance(ctx, stage)
		}
		if err == nil {
			err = &GateError{Report: report}
		}
		lastErr = err
		m.logger.Warn("stage attempt failed", "stage", stage.ID(), "attempt", attempt, "error", err)
		if !retryable(err) {
			return stage, err
		}
	}
	return stage, fmt.Errorf("pipeline: %s failed after %d attempts: %w", stage, m.maxAttempts, lastErr)
}

// priorAttempts counts the attempt entries already logged for stage, so
// numbering continues across runs until a reset drops them.
func (m *Machine) priorAttempts(stage Stage) (int, error) {
	entries, err := m.log.Entries()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Kind == runlog.KindAttempt && e.Stage == stage.ID() {
			n++
		}
	}
	return n, nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrCancelled),
		errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, ErrPathEscape):
		return false
	}
	return true
}

// attempt performs one collaborator invocation for stage, runs the
// generated scripts when the stage has any and evaluates the gate. Every
// attempt leaves one attempt entry in the run log.
func (m *Machine) attempt(ctx context.Context, stage Stage, n int) (GateReport, error) {
	entry := runlog.Entry{
		Kind:      runlog.KindAttempt,
		Stage:     stage.ID(),
		Attempt:   n,
		StartedAt: m.clock.Now(),
	}
	report, err := m.invokeAndEvaluate(ctx, stage, n, &entry)
	entry.FinishedAt = m.clock.Now()
	if _, logErr := m.log.Append(entry); logErr != nil {
		if err == nil {
			err = logErr
		} else {
			err = errors.Join(err, logErr)
		}
	}
	return report, err
}

func (m *Machine) invokeAndEvaluate(ctx context.Context, stage Stage, n int, entry *runlog.Entry) (GateReport, error) {
	prompt, instrPath, err := m.prompt(stage, n)
	if err != nil {
		entry.Outcome = runlog.OutcomeFailure
		entry.Error = err.Error()
		return GateReport{}, err
	}
	env := append([]string{
		"AUTOSCIENCE_PROJECT=" + m.project.Name(),
		"AUTOSCIENCE_STAGE=" + stage.ID(),
		"AUTOSCIENCE_INSTRUCTIONS=" + instrPath,
		"AUTOSCIENCE_RESEARCH_QUESTION=" + m.project.ResearchQuestionPath(),
		fmt.Sprintf("AUTOSCIENCE_ATTEMPT=%d", n),
	}, m.env...)

	m.logger.Info("invoking collaborator", "stage", stage.ID(), "attempt", n)
	res, err := m.invoker.Invoke(ctx, agent.Request{
		Dir:     m.project.Root(),
		Prompt:  prompt,
		Env:     env,
		Timeout: m.stageTimeout,
		Stdout:  m.stdout,
		Stderr:  m.stderr,
	})
	entry.ExitCode = res.ExitCode
	switch {
	case errors.Is(err, agent.ErrCancelled) || (err != nil && ctx.Err() != nil):
		entry.Outcome = runlog.OutcomeCancelled
		entry.Error = "cancelled"
		return GateReport{}, fmt.Errorf("%w: during %s", ErrCancelled, stage)
	case errors.Is(err, agent.ErrTimeout):
		entry.Outcome = runlog.OutcomeTimeout
		entry.Error = strings.TrimSpace(fmt.Sprintf("timed out after %s\n%s", m.stageTimeout, res.Tail(runlog.MaxExcerpt)))
		return GateReport{}, fmt.Errorf("%w: %s after %s", ErrInvocationTimeout, stage, m.stageTimeout)
	case err != nil:
		entry.Outcome = runlog.OutcomeFailure
		entry.Error = err.Error()
		return GateReport{}, fmt.Errorf("%w: %w", ErrInvocationFailed, err)
	case res.ExitCode != 0:
		entry.Outcome = runlog.OutcomeFailure
		entry.Error = strings.TrimSpace(fmt.Sprintf("exit status %d\n%s", res.ExitCode, res.Tail(runlog.MaxExcerpt)))
		return GateReport{}, fmt.Errorf("%w: %s exited with status %d", ErrInvocationFailed, stage, res.ExitCode)
	}

	scriptFailures, err := m.runScripts(ctx, stage)
	if err != nil {
		entry.Outcome = runlog.OutcomeFailure
		if errors.Is(err, ErrCancelled) {
			entry.Outcome = runlog.OutcomeCancelled
		}
		entry.Error = err.Error()
		return GateReport{}, err
	}
	ev, err := m.evaluator()
	if err != nil {
		entry.Outcome = runlog.OutcomeFailure
		entry.Error = err.Error()
		return GateReport{}, err
	}
	report := ev.evaluate(stage)
	if report.Passed() {
		entry.Outcome = runlog.OutcomeSuccess
		return report, nil
	}
	entry.Outcome = runlog.OutcomeGateUnmet
	entry.Error = report.Summary()
	if len(scriptFailures) > 0 {
		entry.Error += "\n" + strings.Join(scriptFailures, "\n")
	}
	return report, nil
}

func (m *Machine) prompt(stage Stage, n int) (string, string, error) {
	instrPath, err := instructions.Ensure(m.project.InstructionsDir(), stage.ID(), m.project.NotebookName())
	if err != nil {
		return "", "", err
	}
	question, err := m.project.ResearchQuestion()
	if err != nil {
		return "", "", err
	}
	failures, err := m.failures(stage)
	if err != nil {
		return "", "", err
	}
	prompt, err := instructions.BuildPrompt(instructions.Scope{
		Project:              m.project.Name(),
		StageID:              stage.ID(),
		StageLabel:           stage.String(),
		Root:                 m.project.Root(),
		ResearchQuestionPath: m.project.ResearchQuestionPath(),
		ResearchQuestion:     question,
		DataDir:              m.project.DataDir(),
		AnalysisDir:          m.project.AnalysisDir(),
		VisualizationDir:     m.project.VisualizationDir(),
		ReportingDir:         m.project.ReportingDir(),
		InstructionsPath:     instrPath,
		Notebook:             m.project.NotebookName(),
		Expectations:         Expectations(stage, m.project),
		Attempt:              n,
		Failures:             failures,
	})
	if err != nil {
		return "", "", err
	}
	return prompt, instrPath, nil
}

// failures returns why the most recent attempts at stage did not pass.
func (m *Machine) failures(stage Stage) ([]string, error) {
	entries, err := m.log.Entries()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Kind == runlog.KindAttempt && e.Stage == stage.ID() && e.Outcome != runlog.OutcomeSuccess && e.Error != "" {
			out = append(out, fmt.Sprintf("attempt %d (%s): %s", e.Attempt, e.Outcome, e.Error))
		}
	}
	if len(out) > failureHistory {
		out = out[len(out)-failureHistory:]
	}
	return out, nil
}

// runScripts executes the stage's scripts in order, stopping at the first
// failure. Each run leaves a script entry. The returned strings describe
// failed scripts for the next prompt.
func (m *Machine) runScripts(ctx context.Context, stage Stage) ([]string, error) {
	var dir string
	switch stage {
	case RunningAnalysis:
		dir = m.project.AnalysisDir()
	case Visualizing:
		dir = m.project.VisualizationDir()
	default:
		return nil, nil
	}
	files, err := m.runner.Discover(dir)
	if err != nil {
		return nil, err
	}
	for _, abs := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		rel, err := m.project.Rel(abs)
		if err != nil {
			return nil, err
		}
		m.logger.Info("running script", "stage", stage.ID(), "script", rel)
		res := m.runner.Run(ctx, abs)
		entry := runlog.Entry{
			Kind:       runlog.KindScript,
			Stage:      stage.ID(),
			Script:     rel,
			Checksum:   res.Checksum,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
			ExitCode:   res.ExitCode,
			Outputs:    res.Outputs,
		}
		switch {
		case res.Success():
			entry.Outcome = runlog.OutcomeSuccess
		case ctx.Err() != nil:
			entry.Outcome = runlog.OutcomeCancelled
		case res.TimedOut:
			entry.Outcome = runlog.OutcomeTimeout
		default:
			entry.Outcome = runlog.OutcomeFailure
		}
		if entry.Outcome != runlog.OutcomeSuccess {
			entry.Error = res.ErrorText()
		}
		if _, err := m.log.Append(entry); err != nil {
			return nil, err
		}
		if entry.Outcome == runlog.OutcomeCancelled {
			return nil, fmt.Errorf("%w: while running %s", ErrCancelled, rel)
		}
		if entry.Outcome != runlog.OutcomeSuccess {
			m.logger.Warn("script failed", "script", rel, "outcome", entry.Outcome)
			return []string{fmt.Sprintf("%s: %s", rel, runlog.Excerpt(entry.Error, runlog.MaxExcerpt))}, nil
		}
	}
	return nil, nil
}

func (m *Machine) snapshotAfter(runErr error) (Snapshot, error) {
	snap, err := m.snapshot()
	if err != nil {
		return snap, errors.Join(runErr, err)
	}
	return snap, runErr
}

func (m *Machine) snapshot() (Snapshot, error) {
	snap := Snapshot{
		Project:  m.project.Name(),
		Root:     m.project.Root(),
		Attempts: map[Stage]int{},
	}
	stage, err := m.state.Load()
	if err != nil {
		return snap, err
	}
	snap.Stage = stage
	ev, err := m.evaluator()
	if err != nil {
		return snap, err
	}
	for _, s := range WorkStages() {
		snap.Gates = append(snap.Gates, ev.evaluate(s))
	}
	for _, e := range ev.entries {
		if e.Kind != runlog.KindAttempt {
			continue
		}
		if s, err := ParseStage(e.Stage); err == nil {
			snap.Attempts[s]++
		}
	}
	if n := len(ev.entries); n > 5 {
		snap.Recent = ev.entries[n-5:]
	} else {
		snap.Recent = ev.entries
	}
	snap.RawData = len(ev.raw)
	meta, err := m.project.LoadMetadata()
	if err != nil {
		return snap, err
	}
	snap.LastRunAt = meta.LastRunAt
	return snap, nil
}
