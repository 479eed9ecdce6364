package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kingrea/autoscience/internal/config"
	"github.com/kingrea/autoscience/internal/pipeline"
)

type options struct {
	project        string
	projectsRoot   string
	scaffoldOnly   bool
	clearAndRun    bool
	resetStage     *pipeline.Stage
	status         bool
	check          bool
	stopAfter      *pipeline.Stage
	timeout        time.Duration
	maxAttempts    int
	question       string
	nonInteractive bool
	buildNotebook  bool
	force          bool
	verbose        bool
	agentEnv       keyValueFlag
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	opts := options{agentEnv: keyValueFlag{}}
	var resetStage, stopAfter string

	fs := pflag.NewFlagSet("autoscience", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	fs.StringVarP(&opts.project, "project", "p", "", "project name (a folder under the projects root)")
	fs.StringVar(&opts.projectsRoot, "projects-root", config.DefaultProjectsRoot(), "directory holding all projects")
	fs.BoolVar(&opts.scaffoldOnly, "scaffold-only", false, "create the project folders and exit")
	fs.BoolVar(&opts.clearAndRun, "clear-and-run", false, "remove every generated artifact, then run from the first stage")
	fs.StringVar(&resetStage, "reset-stage", "", "clear the given stage and everything after it, then exit")
	fs.BoolVar(&opts.status, "status", false, "print the current stage and gate results, then exit")
	fs.BoolVar(&opts.check, "check", false, "advance past stages whose artifacts already pass, without invoking the agent")
	fs.StringVar(&stopAfter, "stop-after", "", "stop once the given stage has passed")
	fs.DurationVar(&opts.timeout, "timeout", 0, "per-invocation agent timeout (overrides config)")
	fs.IntVar(&opts.maxAttempts, "max-attempts", 0, "attempts per stage before giving up (overrides config)")
	fs.StringVar(&opts.question, "question", "", "research question to store in research_question.md")
	fs.BoolVar(&opts.nonInteractive, "non-interactive", false, "never prompt; fail when input is missing")
	fs.BoolVar(&opts.buildNotebook, "build-notebook", false, "assemble the reproducible notebook from scripts that ran successfully")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing research question or notebook")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	fs.Var(&opts.agentEnv, "agent-env", "extra KEY=VALUE passed to the agent (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: autoscience -p NAME [flags]\n\n%s", fs.FlagUsages())
	}

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return opts, err
		}
		return opts, usageError{msg: err.Error()}
	}
	if fs.NArg() > 0 {
		return opts, usagef("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if strings.TrimSpace(opts.project) == "" {
		return opts, usagef("--project is required")
	}
	if opts.timeout < 0 {
		return opts, usagef("--timeout must be positive")
	}
	if opts.maxAttempts < 0 {
		return opts, usagef("--max-attempts must be positive")
	}

	if resetStage != "" {
		stage, err := pipeline.ParseStage(resetStage)
		if err != nil {
			return opts, usageError{msg: err.Error()}
		}
		if stage.Terminal() {
			return opts, usagef("--reset-stage cannot target %s", stage)
		}
		opts.resetStage = &stage
	}
	if stopAfter != "" {
		stage, err := pipeline.ParseStage(stopAfter)
		if err != nil {
			return opts, usageError{msg: err.Error()}
		}
		opts.stopAfter = &stage
	}

	modes := 0
	for _, set := range []bool{opts.scaffoldOnly, opts.status, opts.check, opts.buildNotebook, opts.resetStage != nil, opts.clearAndRun} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return opts, usagef("--scaffold-only, --status, --check, --build-notebook, --reset-stage and --clear-and-run are mutually exclusive")
	}
	return opts, nil
}

// keyValueFlag collects repeatable KEY=VALUE flags.
type keyValueFlag map[string]string

func (k keyValueFlag) String() string {
	return strings.Join(k.Env(), ",")
}

func (k keyValueFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	k[key] = val
	return nil
}

func (k keyValueFlag) Type() string { return "KEY=VALUE" }

// Env returns the pairs in KEY=VALUE form, sorted by key.
func (k keyValueFlag) Env() []string {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+k[key])
	}
	return env
}
