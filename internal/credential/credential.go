// Package credential decides how the coding agent will authenticate: an
// API key in the environment (optionally loaded from a .env file), an
// existing CLI login session, or a key typed in by the user.
package credential

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kingrea/autoscience/internal/logging"
	"github.com/kingrea/autoscience/internal/project"
)

var (
	// ErrAuthenticationUnavailable is returned when no credential could be
	// obtained from any source.
	ErrAuthenticationUnavailable = errors.New("credential: authentication unavailable")
	// ErrNeedsInteractive is returned when only interactive entry remains
	// and no prompter is available.
	ErrNeedsInteractive = errors.New("credential: interactive entry required")
)

// Source records where a credential came from.
type Source string

const (
	SourceEnv         Source = "environment"
	SourceSession     Source = "session"
	SourceInteractive Source = "interactive"
)

// Credential is a resolved authentication method. The secret value never
// appears in String or log output.
type Credential struct {
	Source Source
	EnvVar string
	value  string
}

// Value returns the secret; empty for session-based credentials.
func (c Credential) Value() string { return c.value }

func (c Credential) String() string {
	if c.value == "" {
		return fmt.Sprintf("credential(%s)", c.Source)
	}
	return fmt.Sprintf("credential(%s %s=%s)", c.Source, c.EnvVar, redacted)
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("source", string(c.Source))}
	if c.EnvVar != "" {
		attrs = append(attrs, slog.String("env", c.EnvVar))
	}
	if c.value != "" {
		attrs = append(attrs, slog.String("value", redacted))
	}
	return slog.GroupValue(attrs...)
}

const redacted = "****"

// Prompter asks the user for input.
type Prompter interface {
	Secret(ctx context.Context, label string) (string, error)
	Confirm(ctx context.Context, question string) (bool, error)
}

// SessionChecker reports whether the agent CLI already holds a login.
type SessionChecker interface {
	HasSession(ctx context.Context) bool
}

// CommandSession checks for a session by running a status command and
// looking at its exit code.
type CommandSession struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// HasSession runs the status command. A missing binary means no session.
func (s CommandSession) HasSession(ctx context.Context) bool {
	if s.Command == "" || len(s.Args) == 0 {
		return false
	}
	path, err := exec.LookPath(s.Command)
	if err != nil {
		return false
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}

// Resolver walks the credential sources in order.
type Resolver struct {
	envVar   string
	envFile  string
	lookup   func(string) (string, bool)
	setenv   func(string, string) error
	session  SessionChecker
	prompter Prompter
	logger   *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithEnv replaces the process environment with custom accessors.
func WithEnv(lookup func(string) (string, bool), setenv func(string, string) error) Option {
	return func(r *Resolver) {
		if lookup != nil {
			r.lookup = lookup
		}
		if setenv != nil {
			r.setenv = setenv
		}
	}
}

// WithSession sets the session checker.
func WithSession(s SessionChecker) Option {
	return func(r *Resolver) { r.session = s }
}

// WithPrompter enables interactive entry.
func WithPrompter(p Prompter) Option {
	return func(r *Resolver) { r.prompter = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver resolves envVar, loading envFile first when it exists.
func NewResolver(envVar, envFile string, opts ...Option) *Resolver {
	r := &Resolver{
		envVar:  envVar,
		envFile: envFile,
		lookup:  os.LookupEnv,
		setenv:  os.Setenv,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first available credential: environment, then login
// session, then interactive entry.
func (r *Resolver) Resolve(ctx context.Context) (Credential, error) {
	if err := r.loadEnvFile(); err != nil {
		return Credential{}, err
	}
	if v, ok := r.lookup(r.envVar); ok && strings.TrimSpace(v) != "" {
		cred := Credential{Source: SourceEnv, EnvVar: r.envVar, value: strings.TrimSpace(v)}
		r.logger.Info("credential resolved", "credential", cred)
		return cred, nil
	}
	if r.session != nil && r.session.HasSession(ctx) {
		cred := Credential{Source: SourceSession}
		r.logger.Info("credential resolved", "credential", cred)
		return cred, nil
	}
	if r.prompter == nil {
		return Credential{}, fmt.Errorf("%w: %s is not set and no login session was found", ErrNeedsInteractive, r.envVar)
	}

	entered, err := r.prompter.Secret(ctx, fmt.Sprintf("Enter %s (input hidden)", r.envVar))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthenticationUnavailable, err)
	}
	entered = strings.TrimSpace(entered)
	if entered == "" {
		return Credential{}, fmt.Errorf("%w: no key provided", ErrAuthenticationUnavailable)
	}
	if err := r.setenv(r.envVar, entered); err != nil {
		return Credential{}, fmt.Errorf("credential: export %s: %w", r.envVar, err)
	}
	cred := Credential{Source: SourceInteractive, EnvVar: r.envVar, value: entered}
	r.logger.Info("credential resolved", "credential", cred)

	if r.envFile == "" {
		return cred, nil
	}
	save, err := r.prompter.Confirm(ctx, fmt.Sprintf("Save %s to %s for future runs?", r.envVar, r.envFile))
	if err != nil || !save {
		return cred, nil
	}
	if err := r.persist(entered); err != nil {
		r.logger.Warn("could not save credential", "path", r.envFile, "error", err)
		return cred, nil
	}
	r.logger.Info("credential saved", "path", r.envFile)
	return cred, nil
}

// loadEnvFile exports variables from the .env file. Variables already in
// the environment win.
func (r *Resolver) loadEnvFile() error {
	if r.envFile == "" {
		return nil
	}
	data, err := os.ReadFile(r.envFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("credential: read %s: %w", r.envFile, err)
	}
	values, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return fmt.Errorf("credential: parse %s: %w", r.envFile, err)
	}
	for k, v := range values {
		if _, exists := r.lookup(k); exists {
			continue
		}
		if err := r.setenv(k, v); err != nil {
			return fmt.Errorf("credential: export %s: %w", k, err)
		}
	}
	return nil
}

// persist writes the key into the .env file, replacing an existing
// assignment and keeping every other line, and makes sure the file is
// ignored by git.
func (r *Resolver) persist(value string) error {
	assignment, err := godotenv.Marshal(map[string]string{r.envVar: value})
	if err != nil {
		return fmt.Errorf("credential: encode: %w", err)
	}
	var lines []string
	data, err := os.ReadFile(r.envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credential: read %s: %w", r.envFile, err)
	}
	replaced := false
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if assigns(line, r.envVar) {
			if !replaced {
				lines = append(lines, assignment)
				replaced = true
			}
			continue
		}
		lines = append(lines, line)
	}
	if !replaced {
		lines = append(lines, assignment)
	}
	if err := project.WriteFileAtomic(r.envFile, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return err
	}
	return project.EnsureGitignore(filepath.Dir(r.envFile), filepath.Base(r.envFile))
}

func assigns(line, key string) bool {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "export ")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, key) {
		return false
	}
	rest := strings.TrimSpace(trimmed[len(key):])
	return strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, ":")
}
