package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/term"

	"github.com/kingrea/autoscience/internal/agent"
	"github.com/kingrea/autoscience/internal/config"
	"github.com/kingrea/autoscience/internal/credential"
	"github.com/kingrea/autoscience/internal/logging"
	"github.com/kingrea/autoscience/internal/pipeline"
	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/scripts"
	"github.com/kingrea/autoscience/internal/tui"
)

type app struct {
	opts   options
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    config.Config
	logger *slog.Logger
}

func (a *app) execute(ctx context.Context) error {
	p, err := project.Ensure(a.opts.project, a.opts.projectsRoot)
	if err != nil {
		return err
	}
	a.cfg, err = config.Load(p.Root())
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if a.opts.verbose {
		level = slog.LevelDebug
	}
	logger, err := logging.New(p.Root(), a.stderr, level)
	if err != nil {
		return err
	}
	defer logger.Close()
	a.logger = logger.Logger
	a.logger.Debug("project ready", "project", p.Name(), "root", p.Root())

	switch {
	case a.opts.status:
		m, err := pipeline.New(p, a.machineOptions()...)
		if err != nil {
			return err
		}
		snap, err := m.Status()
		if err != nil {
			return err
		}
		a.printStatus(snap)
		return nil
	case a.opts.check:
		m, err := pipeline.New(p, a.machineOptions()...)
		if err != nil {
			return err
		}
		snap, err := m.Check(ctx)
		if err != nil {
			return err
		}
		a.printStatus(snap)
		return nil
	case a.opts.resetStage != nil:
		m, err := pipeline.New(p, a.machineOptions()...)
		if err != nil {
			return err
		}
		snap, err := m.Reset(ctx, *a.opts.resetStage)
		if err != nil {
			return err
		}
		a.printStatus(snap)
		return nil
	case a.opts.buildNotebook:
		path, err := buildNotebook(p, a.opts.force)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Notebook written to %s\n", path)
		return nil
	}

	if a.opts.question != "" {
		if err := p.WriteResearchQuestion(a.opts.question, a.opts.force); err != nil {
			return err
		}
	}
	if a.opts.scaffoldOnly {
		fmt.Fprintf(a.stdout, "Project ready at %s\n", p.Root())
		fmt.Fprintf(a.stdout, "Write your question in %s and copy raw data into %s.\n", p.ResearchQuestionPath(), p.DataDir())
		return nil
	}
	if err := a.ensureQuestion(ctx, p); err != nil {
		return err
	}
	if err := a.waitForData(ctx, p); err != nil {
		return err
	}

	inv := agent.New(a.cfg.Agent.Command, a.cfg.Agent.Args,
		agent.WithMaxOutput(int(a.cfg.Agent.MaxOutput.Bytes())),
		agent.WithLogger(a.logger),
	)
	if err := inv.Available(); err != nil {
		return err
	}
	cred, err := a.resolveCredential(ctx, p)
	if err != nil {
		return err
	}

	env := a.opts.agentEnv.Env()
	if cred.EnvVar != "" && cred.Value() != "" {
		env = append(env, cred.EnvVar+"="+cred.Value())
	}
	opts := append(a.machineOptions(),
		pipeline.WithInvoker(inv),
		pipeline.WithEnv(env...),
		pipeline.WithOutput(a.stdout, a.stderr),
	)
	m, err := pipeline.New(p, opts...)
	if err != nil {
		return err
	}
	if a.opts.clearAndRun {
		if _, err := m.Reset(ctx, pipeline.ParsingData); err != nil {
			return err
		}
	}
	snap, runErr := m.Run(ctx, pipeline.RunOptions{StopAfter: a.opts.stopAfter})
	if snap.Project != "" {
		a.printStatus(snap)
	}
	if runErr == nil && snap.Stage.Terminal() {
		fmt.Fprintf(a.stdout, "Report: %s\nNotebook: %s\n", p.ReportPath(), p.NotebookPath())
	}
	return runErr
}

// machineOptions carries config values and flag overrides shared by every
// mode.
func (a *app) machineOptions() []pipeline.Option {
	timeout := a.cfg.Agent.Timeout
	if a.opts.timeout > 0 {
		timeout = a.opts.timeout
	}
	attempts := a.cfg.Pipeline.MaxAttempts
	if a.opts.maxAttempts > 0 {
		attempts = a.opts.maxAttempts
	}
	runner := scripts.NewRunner(a.cfg.Scripts.Python,
		scripts.WithTimeout(a.cfg.Scripts.Timeout),
		scripts.WithPattern(a.cfg.Scripts.Pattern),
	)
	return []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithMaxAttempts(attempts),
		pipeline.WithStageTimeout(timeout),
		pipeline.WithRetryBackoff(a.cfg.Pipeline.RetryInitial, a.cfg.Pipeline.RetryMax),
		pipeline.WithScriptPattern(a.cfg.Scripts.Pattern),
		pipeline.WithScriptRunner(runner),
	}
}

func (a *app) interactive() bool {
	if a.opts.nonInteractive {
		return false
	}
	in, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		return false
	}
	out, ok := a.stdout.(*os.File)
	return ok && term.IsTerminal(int(out.Fd()))
}

func (a *app) prompter() *tui.Prompter {
	return tui.NewPrompter(a.stdin, a.stdout)
}

func (a *app) ensureQuestion(ctx context.Context, p *project.Project) error {
	has, err := p.HasResearchQuestion()
	if err != nil || has {
		return err
	}
	if !a.interactive() {
		return fmt.Errorf("%w: write your research question in %s or pass --question", pipeline.ErrMissingPrecondition, p.ResearchQuestionPath())
	}
	question, err := a.prompter().Question(ctx, fmt.Sprintf("%s has no research question yet.", p.Name()))
	if errors.Is(err, tui.ErrAborted) {
		return fmt.Errorf("%w: no research question entered", pipeline.ErrMissingPrecondition)
	}
	if err != nil {
		return err
	}
	return p.WriteResearchQuestion(question, false)
}

// waitForData blocks on an interactive terminal until data/ holds a raw
// file. Without a terminal the run itself reports the missing data.
func (a *app) waitForData(ctx context.Context, p *project.Project) error {
	ready := func() (bool, error) {
		files, err := rawDataFiles(p)
		return len(files) > 0, err
	}
	ok, err := ready()
	if err != nil || ok || !a.interactive() {
		return err
	}
	err = a.prompter().WaitFor(ctx, fmt.Sprintf("Copy your raw data files into %s", p.DataDir()), ready)
	if errors.Is(err, tui.ErrAborted) {
		return fmt.Errorf("%w: no raw data in %s", pipeline.ErrMissingPrecondition, p.DataDir())
	}
	return err
}

func rawDataFiles(p *project.Project) ([]string, error) {
	files, err := p.DataFiles()
	if err != nil {
		return nil, err
	}
	raw := files[:0]
	for _, f := range files {
		if !project.IsGeneratedData(f) {
			raw = append(raw, f)
		}
	}
	return raw, nil
}

func (a *app) resolveCredential(ctx context.Context, p *project.Project) (credential.Credential, error) {
	envFile := a.cfg.Credential.EnvFile
	switch {
	case envFile == "":
		// .env sits beside the projects root.
		envFile = filepath.Join(filepath.Dir(filepath.Dir(p.Root())), ".env")
	case !filepath.IsAbs(envFile):
		envFile = filepath.Join(p.Root(), envFile)
	}
	opts := []credential.Option{
		credential.WithLogger(a.logger),
		credential.WithSession(credential.CommandSession{
			Command: a.cfg.Agent.Command,
			Args:    a.cfg.Agent.LoginStatusArgs,
			Timeout: 15 * time.Second,
		}),
	}
	if a.interactive() {
		opts = append(opts, credential.WithPrompter(a.prompter()))
	}
	return credential.NewResolver(a.cfg.Credential.Env, envFile, opts...).Resolve(ctx)
}

func (a *app) printStatus(snap pipeline.Snapshot) {
	fmt.Fprint(a.stdout, tui.RenderStatus(snap, time.Now()))
}
