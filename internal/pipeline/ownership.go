package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/runlog"
)

// owner says which stage produced a project file. Inputs belong to the
// user and are never deleted or treated as conflicts.
type owner struct {
	stage Stage
	input bool
}

// classify maps a slash-separated project-relative path to its owner. The
// second result is false for files outside the stage directories. A file
// declared as a script output belongs to the stage that ran the script,
// wherever it was written.
func classify(rel string, raw map[string]bool, produced map[string]Stage) (owner, bool) {
	if rel == project.FileResearchQuestion || raw[rel] {
		return owner{input: true}, true
	}
	dir, _, _ := strings.Cut(rel, "/")
	if stage, ok := produced[rel]; ok && slices.Contains(stageDirs, dir) {
		return owner{stage: stage}, true
	}
	base := path.Base(rel)
	switch dir {
	case project.DataDir:
		switch {
		case strings.HasSuffix(base, project.FocusedSuffix):
			return owner{stage: SelectingVariables}, true
		default:
			return owner{stage: ParsingData}, true
		}
	case project.AnalysisDir:
		if rel == project.AnalysisDir+"/"+project.FileVariables {
			return owner{stage: SelectingVariables}, true
		}
		return owner{stage: RunningAnalysis}, true
	case project.VisualizationDir:
		return owner{stage: Visualizing}, true
	case project.ReportingDir:
		return owner{stage: Reporting}, true
	}
	return owner{}, false
}

// rawSet returns the manifest paths. Before a manifest exists every data
// file that is not a pipeline product by name counts as raw.
func rawSet(p *project.Project) (map[string]bool, error) {
	meta, err := p.LoadMetadata()
	if err != nil {
		return nil, err
	}
	if len(meta.RawData) > 0 {
		return meta.RawPaths(), nil
	}
	files, err := p.DataFiles()
	if err != nil {
		return nil, err
	}
	raw := make(map[string]bool, len(files))
	for _, rel := range files {
		if !project.IsGeneratedData(rel) {
			raw[rel] = true
		}
	}
	return raw, nil
}

// producedOutputs maps every output declared by a logged script run to
// the earliest stage whose script declared it.
func producedOutputs(entries []runlog.Entry) map[string]Stage {
	produced := make(map[string]Stage)
	for _, e := range entries {
		if e.Kind != runlog.KindScript || e.Script == "" {
			continue
		}
		stage, err := ParseStage(e.Stage)
		if err != nil {
			continue
		}
		for _, out := range e.Outputs {
			if path.IsAbs(out) {
				continue
			}
			rel := path.Join(path.Dir(e.Script), out)
			if rel == ".." || strings.HasPrefix(rel, "../") {
				continue
			}
			if prev, ok := produced[rel]; !ok || stage < prev {
				produced[rel] = stage
			}
		}
	}
	return produced
}

var stageDirs = []string{
	project.DataDir,
	project.AnalysisDir,
	project.VisualizationDir,
	project.ReportingDir,
}

// stageFiles lists every non-directory entry under the stage directories
// as slash-separated project-relative paths. Symlinks are listed, not
// followed. Dotfiles belong to nobody and are skipped.
func stageFiles(p *project.Project) ([]string, error) {
	var files []string
	for _, dir := range stageDirs {
		root := filepath.Join(p.Root(), dir)
		err := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && abs == root {
					return filepath.SkipDir
				}
				return err
			}
			hidden := strings.HasPrefix(d.Name(), ".")
			if d.IsDir() {
				if hidden && abs != root {
					return filepath.SkipDir
				}
				return nil
			}
			if hidden {
				return nil
			}
			rel, err := filepath.Rel(p.Root(), abs)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: list %s: %w", dir, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// laterArtifacts returns files owned by a stage after current.
func laterArtifacts(p *project.Project, current Stage, entries []runlog.Entry) ([]string, error) {
	raw, err := rawSet(p)
	if err != nil {
		return nil, err
	}
	files, err := stageFiles(p)
	if err != nil {
		return nil, err
	}
	produced := producedOutputs(entries)
	var later []string
	for _, rel := range files {
		own, ok := classify(rel, raw, produced)
		if ok && !own.input && own.stage > current {
			later = append(later, rel)
		}
	}
	return later, nil
}

// removeFrom deletes every owned artifact of target and later stages and
// returns what was removed. Emptied subdirectories go too; the stage
// directories themselves stay.
func removeFrom(p *project.Project, target Stage, entries []runlog.Entry) ([]string, error) {
	raw, err := rawSet(p)
	if err != nil {
		return nil, err
	}
	files, err := stageFiles(p)
	if err != nil {
		return nil, err
	}
	produced := producedOutputs(entries)
	var removed []string
	for _, rel := range files {
		own, ok := classify(rel, raw, produced)
		if !ok || own.input || own.stage < target {
			continue
		}
		if err := os.Remove(filepath.Join(p.Root(), filepath.FromSlash(rel))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("pipeline: remove %s: %w", rel, err)
		}
		removed = append(removed, rel)
	}
	pruneEmptyDirs(p)
	return removed, nil
}

func pruneEmptyDirs(p *project.Project) {
	for _, dir := range stageDirs {
		root := filepath.Join(p.Root(), dir)
		var subdirs []string
		_ = filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() && abs != root {
				subdirs = append(subdirs, abs)
			}
			return nil
		})
		// Deepest first so parents empty out after their children.
		sort.Slice(subdirs, func(i, j int) bool { return len(subdirs[i]) > len(subdirs[j]) })
		for _, sub := range subdirs {
			_ = os.Remove(sub)
		}
	}
}
