// Package agent launches the external coding agent as a child process and
// reports how the invocation ended.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kingrea/autoscience/internal/logging"
)

var (
	// ErrTimeout is returned when the invocation outlived its deadline and
	// its process group was killed.
	ErrTimeout = errors.New("agent: invocation timed out")
	// ErrCancelled is returned when the caller cancelled the context.
	ErrCancelled = errors.New("agent: invocation cancelled")
	// ErrAgentNotFound is returned when the command is not on PATH.
	ErrAgentNotFound = errors.New("agent: command not found")
)

const (
	defaultMaxOutput = 4 << 20
	// waitDelay bounds how long Wait blocks on stdio after the process died.
	waitDelay = 5 * time.Second
)

// Request describes a single invocation.
type Request struct {
	// Dir is the working directory of the child.
	Dir string
	// Prompt is appended as the final argument.
	Prompt string
	// Env is added on top of the parent environment.
	Env []string
	// Timeout of zero means no deadline beyond ctx.
	Timeout time.Duration
	// Stdout and Stderr receive the ANSI-stripped streams line by line as
	// they arrive. Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is what the invocation left behind. A non-zero ExitCode is not an
// error; the caller decides what a failure means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Tail returns the last part of stderr, falling back to stdout.
func (r Result) Tail(max int) string {
	out := strings.TrimSpace(r.Stderr)
	if out == "" {
		out = strings.TrimSpace(r.Stdout)
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// Invoker runs one configured command.
type Invoker struct {
	command   string
	args      []string
	maxOutput int
	clock     clockwork.Clock
	logger    *slog.Logger
	lookPath  func(string) (string, error)
}

// Option customises an Invoker.
type Option func(*Invoker)

// WithMaxOutput bounds how much of each stream is kept in the Result.
func WithMaxOutput(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.maxOutput = n
		}
	}
}

// WithClock overrides the clock used to measure durations.
func WithClock(clock clockwork.Clock) Option {
	return func(i *Invoker) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// WithLogger sets the logger used for process lifecycle records.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New creates an invoker for command with fixed leading args.
func New(command string, args []string, opts ...Option) *Invoker {
	i := &Invoker{
		command:   command,
		args:      append([]string(nil), args...),
		maxOutput: defaultMaxOutput,
		clock:     clockwork.NewRealClock(),
		logger:    logging.Discard(),
		lookPath:  exec.LookPath,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Available reports whether the command can be found.
func (i *Invoker) Available() error {
	if _, err := i.lookPath(i.command); err != nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, i.command)
	}
	return nil
}

// Invoke runs the command to completion, streaming its output. On timeout
// or cancellation the whole process group is killed.
func (i *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	path, err := i.lookPath(i.command)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %s", ErrAgentNotFound, i.command)
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), i.args...), req.Prompt)
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	stdout := newStreamWriter(req.Stdout, i.maxOutput)
	stderr := newStreamWriter(req.Stderr, i.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := i.clock.Now()
	i.logger.Debug("starting process", "command", i.command, "dir", req.Dir, "timeout", req.Timeout)
	runErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: i.clock.Since(started),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}

	switch {
	case ctx.Err() != nil:
		i.logger.Warn("process cancelled", "command", i.command, "elapsed", res.Duration)
		return res, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case runCtx.Err() != nil:
		res.TimedOut = true
		i.logger.Warn("process timed out", "command", i.command, "timeout", req.Timeout)
		return res, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			i.logger.Debug("process exited", "command", i.command, "exit_code", res.ExitCode)
			return res, nil
		}
		return res, fmt.Errorf("agent: run %s: %w", i.command, runErr)
	}
	i.logger.Debug("process exited", "command", i.command, "exit_code", 0, "elapsed", res.Duration)
	return res, nil
}
