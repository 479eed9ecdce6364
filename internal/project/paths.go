package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolve maps a project-relative path to an absolute one. Paths that climb
// out of the root, absolute paths elsewhere on disk and symlinks pointing
// outside the project all fail with ErrPathEscape.
func (p *Project) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return p.root, nil
	}
	var joined string
	if filepath.IsAbs(rel) {
		joined = filepath.Clean(rel)
	} else {
		for _, seg := range strings.FieldsFunc(rel, isSeparator) {
			if seg == ".." {
				return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
			}
		}
		joined = filepath.Join(p.root, rel)
	}
	if !within(p.root, joined) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	if err := p.checkSymlinks(joined); err != nil {
		return "", fmt.Errorf("%w: %s", err, rel)
	}
	return joined, nil
}

// Rel converts an absolute path inside the project to a slash-separated
// project-relative path.
func (p *Project) Rel(abs string) (string, error) {
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.root, abs)
	}
	rel, err := filepath.Rel(p.root, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, abs)
	}
	return filepath.ToSlash(rel), nil
}

// checkSymlinks resolves the deepest existing ancestor of path and makes
// sure it still lives under the real project root.
func (p *Project) checkSymlinks(path string) error {
	realRoot, err := filepath.EvalSymlinks(p.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("project: resolve root: %w", err)
	}
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			if !within(realRoot, real) {
				return ErrPathEscape
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("project: resolve %s: %w", current, err)
		}
		// dangling links cannot be checked
		if fi, lerr := os.Lstat(current); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return ErrPathEscape
		}
		parent := filepath.Dir(current)
		if parent == current {
			return nil
		}
		current = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
