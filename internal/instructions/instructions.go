// Package instructions bundles the role documents handed to the coding
// agent and renders the prompt for one stage invocation.
package instructions

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
)

// Role identifies a bundled role document.
type Role string

const (
	DataArchitect     Role = "data_architect"
	VariableSelector  Role = "variable_selector"
	AnalystVisualizer Role = "analyst_visualizer"
	ScientificWriter  Role = "scientific_writer"
)

const contractFile = "orchestrator.md"

// stageRoles maps stage ids to the role that performs them.
var stageRoles = map[string]Role{
	"parsing-data":        DataArchitect,
	"selecting-variables": VariableSelector,
	"running-analysis":    AnalystVisualizer,
	"visualizing":         AnalystVisualizer,
	"reporting":           ScientificWriter,
}

//go:embed library/*
var bundled embed.FS

var promptTemplate = template.Must(template.ParseFS(bundled, "library/prompt.tmpl"))

// RoleFor returns the role responsible for a stage.
func RoleFor(stageID string) (Role, error) {
	role, ok := stageRoles[stageID]
	if !ok {
		return "", fmt.Errorf("instructions: no role for stage %q", stageID)
	}
	return role, nil
}

// Document returns the role document for a stage with placeholders filled.
func Document(stageID, notebook string) ([]byte, error) {
	role, err := RoleFor(stageID)
	if err != nil {
		return nil, err
	}
	data, err := bundled.ReadFile(path.Join("library", string(role)+".md"))
	if err != nil {
		return nil, fmt.Errorf("instructions: read embedded role %s: %w", role, err)
	}
	return bytes.ReplaceAll(data, []byte("{{notebook}}"), []byte(notebook)), nil
}

// Ensure writes the stage's role document into dir unless a copy already
// exists, so user edits survive, and returns its path.
func Ensure(dir, stageID, notebook string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("instructions: base directory is empty")
	}
	data, err := Document(stageID, notebook)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("instructions: prepare %s: %w", dir, err)
	}
	target := filepath.Join(dir, stageID+".md")
	if _, err := os.Stat(target); err == nil {
		return target, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("instructions: stat %s: %w", target, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("instructions: write %s: %w", target, err)
	}
	return target, nil
}

// Scope is everything the prompt for one invocation refers to.
type Scope struct {
	Project              string
	StageID              string
	StageLabel           string
	Root                 string
	ResearchQuestionPath string
	ResearchQuestion     string
	DataDir              string
	AnalysisDir          string
	VisualizationDir     string
	ReportingDir         string
	InstructionsPath     string
	Notebook             string
	// Expectations are the gate predicates in plain words.
	Expectations []string
	// Attempt is the 1-based attempt number within the stage.
	Attempt int
	// Failures quotes why earlier attempts did not pass.
	Failures []string
}

type promptData struct {
	Scope
	Contract string
	Role     string
}

// BuildPrompt renders the prompt for one stage invocation. The role
// document is read from InstructionsPath when set so local edits apply.
func BuildPrompt(scope Scope) (string, error) {
	if scope.StageID == "" {
		return "", fmt.Errorf("instructions: stage is required")
	}
	role, err := roleText(scope)
	if err != nil {
		return "", err
	}
	contract, err := bundled.ReadFile(path.Join("library", contractFile))
	if err != nil {
		return "", fmt.Errorf("instructions: read contract: %w", err)
	}
	var buf bytes.Buffer
	data := promptData{Scope: scope, Contract: strings.TrimSpace(string(contract)), Role: role}
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("instructions: render prompt: %w", err)
	}
	return buf.String(), nil
}

func roleText(scope Scope) (string, error) {
	if scope.InstructionsPath != "" {
		data, err := os.ReadFile(scope.InstructionsPath)
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("instructions: read %s: %w", scope.InstructionsPath, err)
		}
	}
	data, err := Document(scope.StageID, scope.Notebook)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
