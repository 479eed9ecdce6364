package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/kingrea/autoscience/internal/notebook"
	"github.com/kingrea/autoscience/internal/pipeline"
	"github.com/kingrea/autoscience/internal/project"
	"github.com/kingrea/autoscience/internal/runlog"
)

// buildNotebook writes the reproducible notebook from every script whose
// latest recorded run succeeded and that has not changed since.
func buildNotebook(p *project.Project, overwrite bool) (string, error) {
	log, err := runlog.Open(p.RunLogPath())
	if err != nil {
		return "", err
	}
	entries, err := log.Entries()
	if err != nil {
		return "", err
	}
	latest := make(map[string]runlog.Entry)
	for _, e := range entries {
		if e.Kind == runlog.KindScript && e.Script != "" {
			latest[e.Script] = e
		}
	}

	var selected []notebook.Script
	for _, dir := range []string{project.AnalysisDir, project.VisualizationDir} {
		var names []string
		for name := range latest {
			if strings.HasPrefix(name, dir+"/") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			script, ok, err := successfulScript(p, latest[name])
			if err != nil {
				return "", err
			}
			if ok {
				selected = append(selected, script)
			}
		}
	}
	if len(selected) == 0 {
		return "", fmt.Errorf("%w: no script has a successful run yet", pipeline.ErrMissingPrecondition)
	}

	question, err := p.ResearchQuestion()
	if err != nil {
		return "", err
	}
	question = strings.TrimSpace(strings.TrimPrefix(question, "# Research question"))
	nb := notebook.Build(p.Name()+": reproducible analysis", question, selected)
	if err := notebook.Write(p.NotebookPath(), nb, overwrite); err != nil {
		return "", err
	}
	return p.NotebookPath(), nil
}

func successfulScript(p *project.Project, e runlog.Entry) (notebook.Script, bool, error) {
	if e.Outcome != runlog.OutcomeSuccess {
		return notebook.Script{}, false, nil
	}
	abs, err := p.Resolve(e.Script)
	if err != nil {
		return notebook.Script{}, false, err
	}
	code, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return notebook.Script{}, false, nil
	}
	if err != nil {
		return notebook.Script{}, false, fmt.Errorf("read %s: %w", e.Script, err)
	}
	if e.Checksum != "" {
		sum, err := project.Checksum(abs)
		if err != nil {
			return notebook.Script{}, false, err
		}
		if sum != e.Checksum {
			return notebook.Script{}, false, nil
		}
	}
	return notebook.Script{
		Name: e.Script,
		Dir:  path.Join("..", path.Dir(e.Script)),
		Code: string(code),
	}, true, nil
}
