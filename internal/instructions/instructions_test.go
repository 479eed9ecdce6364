package instructions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRoleFor(t *testing.T) {
	for stage, want := range map[string]Role{
		"parsing-data":     DataArchitect,
		"running-analysis": AnalystVisualizer,
		"visualizing":      AnalystVisualizer,
		"reporting":        ScientificWriter,
	} {
		got, err := RoleFor(stage)
		if err != nil || got != want {
			t.Fatalf("RoleFor(%s) = %s, %v", stage, got, err)
		}
	}
	if _, err := RoleFor("done"); err == nil {
		t.Fatalf("expected error for stage without role")
	}
}

func TestEnsureWritesOnceAndKeepsEdits(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "instructions")
	path, err := Ensure(dir, "reporting", "study_reproducible.ipynb")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "reporting/study_reproducible.ipynb") {
		t.Fatalf("notebook placeholder not filled: %s", data)
	}
	if err := os.WriteFile(path, []byte("custom instructions"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Ensure(dir, "reporting", "study_reproducible.ipynb"); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "custom instructions" {
		t.Fatalf("user edits overwritten: %s", data)
	}
}

func TestBuildPrompt(t *testing.T) {
	dir := t.TempDir()
	path, err := Ensure(dir, "parsing-data", "x.ipynb")
	if err != nil {
		t.Fatal(err)
	}
	prompt, err := BuildPrompt(Scope{
		Project:          "study",
		StageID:          "parsing-data",
		StageLabel:       "Parsing Data",
		Root:             "/p/study",
		DataDir:          "/p/study/data",
		ResearchQuestion: "Does sleep predict grades?",
		InstructionsPath: path,
		Expectations:     []string{"data/schema.md documents every raw data file"},
		Attempt:          2,
		Failures:         []string{"schema.md is missing"},
	})
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	for _, want := range []string{
		`stage "Parsing Data"`,
		"Data directory: /p/study/data",
		"Does sleep predict grades?",
		"- data/schema.md documents every raw data file",
		"Attempt 2.",
		"schema.md is missing",
		"=== STAGE CONTRACT ===",
		"Role: Data Architect",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}

	clean, err := BuildPrompt(Scope{StageID: "visualizing", StageLabel: "Visualizing"})
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if strings.Contains(clean, "did not pass") {
		t.Fatalf("first attempt must not mention failures:\n%s", clean)
	}
	if !strings.Contains(clean, "# output:") {
		t.Fatalf("embedded role used when no file is present:\n%s", clean)
	}
}
