package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/kingrea/autoscience/internal/project"
)

// Store inspects artifacts inside one project.
type Store struct {
	project *project.Project
	pattern string
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithScriptPattern overrides the glob used for KindScripts artifacts.
func WithScriptPattern(pattern string) StoreOption {
	return func(s *Store) {
		if pattern != "" {
			s.pattern = pattern
		}
	}
}

// NewStore builds a store for a project.
func NewStore(p *project.Project, opts ...StoreOption) *Store {
	store := &Store{project: p, pattern: "*.py"}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Check inspects the artifact on disk and returns its status.
func (s *Store) Check(ref Ref) (CheckResult, error) {
	path := ref.Path(s.project)
	if path == "" {
		err := fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Ref: ref, Path: path, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	switch ref.Kind {
	case KindScripts:
		if !info.IsDir() {
			return invalidResult(ref, path, fmt.Errorf("artifact: expected directory"))
		}
		files, err := s.Scripts(path)
		if err != nil {
			return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
		}
		if len(files) == 0 {
			return CheckResult{Ref: ref, Path: path, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, Path: path, State: StateReady, Files: files}, nil
	default:
		if info.IsDir() {
			return invalidResult(ref, path, fmt.Errorf("artifact: expected file got directory"))
		}
		if info.Size() == 0 {
			return invalidResult(ref, path, fmt.Errorf("artifact: %s is empty", ref.Name))
		}
		return CheckResult{Ref: ref, Path: path, State: StateReady}, nil
	}
}

// Read returns the artifact contents for file-backed kinds.
func (s *Store) Read(ref Ref) ([]byte, error) {
	if ref.Kind == KindScripts {
		return nil, fmt.Errorf("artifact: %s is a directory", ref.ID)
	}
	data, err := os.ReadFile(ref.Path(s.project))
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", ref.ID, err)
	}
	return data, nil
}

// Scripts lists regular files in dir matching the script pattern, sorted.
func (s *Store) Scripts(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, s.pattern))
	if err != nil {
		return nil, fmt.Errorf("artifact: glob scripts: %w", err)
	}
	files := matches[:0]
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

func invalidResult(ref Ref, path string, err error) (CheckResult, error) {
	return CheckResult{Ref: ref, Path: path, State: StateInvalid, Err: err}, err
}
