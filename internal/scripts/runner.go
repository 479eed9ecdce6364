// Package scripts executes the Python scripts a collaborator leaves in the
// analysis and visualization directories.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kingrea/autoscience/internal/agent"
	"github.com/kingrea/autoscience/internal/project"
)

// Result describes one script execution.
type Result struct {
	Path       string
	Checksum   string
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
	Outputs    []string
	StartedAt  time.Time
	FinishedAt time.Time
	// Err is set when the script could not be started at all.
	Err error
}

// Success reports whether the script ran to a zero exit.
func (r Result) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Runner runs scripts with a configured interpreter.
type Runner struct {
	invoker *agent.Invoker
	pattern string
	timeout time.Duration
	clock   clockwork.Clock
}

// Option customises a Runner.
type Option func(*Runner)

// WithTimeout bounds each script run.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPattern sets the glob that selects scripts inside a directory.
func WithPattern(pattern string) Option {
	return func(r *Runner) {
		if pattern != "" {
			r.pattern = pattern
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRunner creates a runner that executes scripts with interpreter.
func NewRunner(interpreter string, opts ...Option) *Runner {
	r := &Runner{
		pattern: "*.py",
		timeout: 5 * time.Minute,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.invoker = agent.New(interpreter, nil, agent.WithClock(r.clock), agent.WithMaxOutput(256<<10))
	return r
}

// Discover returns the scripts in dir, sorted lexically so numbered
// prefixes run in order.
func (r *Runner) Discover(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, r.pattern))
	if err != nil {
		return nil, fmt.Errorf("scripts: glob: %w", err)
	}
	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// Run executes one script from its own directory.
func (r *Runner) Run(ctx context.Context, path string) Result {
	res := Result{Path: path, StartedAt: r.clock.Now()}
	src, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("scripts: read %s: %w", path, err)
		res.ExitCode = -1
		res.FinishedAt = r.clock.Now()
		return res
	}
	res.Outputs = DeclaredOutputs(src)
	if res.Checksum, err = project.Checksum(path); err != nil {
		res.Err = err
		res.ExitCode = -1
		res.FinishedAt = r.clock.Now()
		return res
	}

	out, err := r.invoker.Invoke(ctx, agent.Request{
		Dir:     filepath.Dir(path),
		Prompt:  path,
		Timeout: r.timeout,
	})
	res.FinishedAt = r.clock.Now()
	res.ExitCode = out.ExitCode
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	switch {
	case errors.Is(err, agent.ErrTimeout):
		res.TimedOut = true
	case err != nil:
		res.Err = err
	}
	return res
}

// ErrorText summarises why a script did not succeed.
func (r Result) ErrorText() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.TimedOut:
		return "script timed out"
	case r.ExitCode != 0:
		tail := strings.TrimSpace(r.Stderr)
		if tail == "" {
			tail = strings.TrimSpace(r.Stdout)
		}
		return fmt.Sprintf("exit status %d: %s", r.ExitCode, tail)
	}
	return ""
}

var outputLine = regexp.MustCompile(`(?i)^\s*#\s*outputs?\s*:\s*(.+?)\s*$`)

// DeclaredOutputs returns the files a script announces with
// "# output: path" comment lines. Paths are relative to the script.
func DeclaredOutputs(src []byte) []string {
	var outputs []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(src), "\n") {
		m := outputLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		for _, item := range strings.Split(m[1], ",") {
			item = strings.Trim(strings.TrimSpace(item), `"'`)
			if item != "" && !seen[item] {
				seen[item] = true
				outputs = append(outputs, item)
			}
		}
	}
	return outputs
}
