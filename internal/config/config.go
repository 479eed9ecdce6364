// internal/config/config.go
//
// This package handles the per-project configuration file that lives at
// .autoscience/config.yaml inside every project directory.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// StateDir is the hidden directory created in each project.
	StateDir = ".autoscience"

	// FileName is the config file name inside StateDir.
	FileName = "config.yaml"

	// ProjectsRootEnv overrides the default projects root.
	ProjectsRootEnv = "AUTOSCIENCE_PROJECTS_ROOT"

	defaultProjectsRoot = "projects"
)

// Environment overrides applied after the file is read.
const (
	EnvAgent   = "AUTOSCIENCE_AGENT"
	EnvPython  = "AUTOSCIENCE_PYTHON"
	EnvTimeout = "AUTOSCIENCE_TIMEOUT"
)

const defaultConfigYAML = `# autoscience project configuration
version: 1

# The coding agent invoked once per pipeline stage. The prompt is appended
# as the final argument.
agent:
  command: codex
  args: [exec, --skip-git-repo-check]
  login_status_args: [login, status]
  timeout: 30m
  max_output: 4MB

credential:
  env: OPENAI_API_KEY
  # env_file: .env

pipeline:
  max_attempts: 3
  retry_initial: 2s
  retry_max: 30s

scripts:
  python: python3
  pattern: "*.py"
  timeout: 5m
`

// AgentConfig selects the external collaborator binary.
type AgentConfig struct {
	Command         string            `yaml:"command" validate:"required"`
	Args            []string          `yaml:"args,omitempty"`
	LoginStatusArgs []string          `yaml:"login_status_args,omitempty"`
	Timeout         time.Duration     `yaml:"timeout" validate:"gt=0"`
	MaxOutput       datasize.ByteSize `yaml:"max_output" validate:"gt=0"`
}

// CredentialConfig names where the API credential comes from.
type CredentialConfig struct {
	Env     string `yaml:"env" validate:"required"`
	EnvFile string `yaml:"env_file,omitempty"`
}

// PipelineConfig tunes the retry policy of the stage loop.
type PipelineConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	RetryInitial time.Duration `yaml:"retry_initial" validate:"gte=0"`
	RetryMax     time.Duration `yaml:"retry_max" validate:"gtefield=RetryInitial"`
}

// ScriptsConfig controls how generated analysis scripts are executed.
type ScriptsConfig struct {
	Python  string        `yaml:"python" validate:"required"`
	Pattern string        `yaml:"pattern" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Config models .autoscience/config.yaml.
type Config struct {
	Version    int              `yaml:"version" validate:"gte=1"`
	Agent      AgentConfig      `yaml:"agent"`
	Credential CredentialConfig `yaml:"credential"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
}

// Option customises Load.
type Option func(*loader)

type loader struct {
	lookup func(string) (string, bool)
}

// WithLookup replaces os.LookupEnv for environment overrides.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(l *loader) {
		if fn != nil {
			l.lookup = fn
		}
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version: 1,
		Agent: AgentConfig{
			Command:         "codex",
			Args:            []string{"exec", "--skip-git-repo-check"},
			LoginStatusArgs: []string{"login", "status"},
			Timeout:         30 * time.Minute,
			MaxOutput:       4 * datasize.MB,
		},
		Credential: CredentialConfig{
			Env: "OPENAI_API_KEY",
		},
		Pipeline: PipelineConfig{
			MaxAttempts:  3,
			RetryInitial: 2 * time.Second,
			RetryMax:     30 * time.Second,
		},
		Scripts: ScriptsConfig{
			Python:  "python3",
			Pattern: "*.py",
			Timeout: 5 * time.Minute,
		},
	}
}

// Path returns the config file location for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, StateDir, FileName)
}

// DefaultProjectsRoot returns $AUTOSCIENCE_PROJECTS_ROOT or ./projects.
func DefaultProjectsRoot() string {
	if root := strings.TrimSpace(os.Getenv(ProjectsRootEnv)); root != "" {
		return root
	}
	return defaultProjectsRoot
}

// EnsureFile writes the commented default config when none exists.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}

// Load reads the project config, falling back to defaults for anything the
// file leaves out, then applies environment overrides.
func Load(projectDir string, opts ...Option) (Config, error) {
	l := loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&l)
	}

	cfg := Default()
	path := Path(projectDir)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(l.lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Version == 0 {
		c.Version = def.Version
	}
	if c.Agent.MaxOutput == 0 {
		c.Agent.MaxOutput = def.Agent.MaxOutput
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = def.Agent.Timeout
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = def.Pipeline.MaxAttempts
	}
	if c.Scripts.Timeout == 0 {
		c.Scripts.Timeout = def.Scripts.Timeout
	}
	if strings.TrimSpace(c.Scripts.Pattern) == "" {
		c.Scripts.Pattern = def.Scripts.Pattern
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAgent); ok && strings.TrimSpace(v) != "" {
		c.Agent.Command = v
	}
	if v, ok := lookup(EnvPython); ok && strings.TrimSpace(v) != "" {
		c.Scripts.Python = v
	}
	if v, ok := lookup(EnvTimeout); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvTimeout, err)
		}
		c.Agent.Timeout = d
	}
	return nil
}

func (c *Config) normalize() {
	c.Agent.Command = strings.TrimSpace(c.Agent.Command)
	c.Credential.Env = strings.TrimSpace(c.Credential.Env)
	c.Credential.EnvFile = strings.TrimSpace(c.Credential.EnvFile)
	c.Scripts.Python = strings.TrimSpace(c.Scripts.Python)
	c.Scripts.Pattern = strings.TrimSpace(c.Scripts.Pattern)
}

func (c *Config) validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// fieldPath turns "Config.Agent.Command" into "agent.command".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
