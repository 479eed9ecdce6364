package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/autoscience/internal/project"
)

func TestStoreCheck(t *testing.T) {
	p, err := project.Ensure("study", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(p)

	res, err := store.Check(SchemaDoc)
	if err != nil || res.State != StateMissing {
		t.Fatalf("expected missing schema: %+v %v", res, err)
	}

	if err := os.WriteFile(p.SchemaPath(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if res, _ := store.Check(SchemaDoc); res.State != StateInvalid {
		t.Fatalf("empty schema should be invalid: %+v", res)
	}
	if err := os.WriteFile(p.SchemaPath(), []byte("## `a.csv`\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res, _ := store.Check(SchemaDoc); !res.Ready() {
		t.Fatalf("schema should be ready: %+v", res)
	}

	if res, _ := store.Check(AnalysisScripts); res.State != StateMissing {
		t.Fatalf("empty script dir should be missing: %+v", res)
	}
	for _, name := range []string{"02_model.py", "01_load.py", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(p.AnalysisDir(), name), []byte("print(1)\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(p.AnalysisDir(), "pkg.py"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err = store.Check(AnalysisScripts)
	if err != nil || !res.Ready() {
		t.Fatalf("scripts should be ready: %+v %v", res, err)
	}
	want := []string{filepath.Join(p.AnalysisDir(), "01_load.py"), filepath.Join(p.AnalysisDir(), "02_model.py")}
	if len(res.Files) != 2 || res.Files[0] != want[0] || res.Files[1] != want[1] {
		t.Fatalf("unexpected script list: %v", res.Files)
	}
}

func TestRefsValidate(t *testing.T) {
	for _, ref := range All() {
		if err := ref.Validate(); err != nil {
			t.Fatalf("%s: %v", ref.ID, err)
		}
	}
	if err := (Ref{ID: "x", Kind: KindDocument}).Validate(); err == nil {
		t.Fatalf("expected error for missing resolver")
	}
}

func TestParseFrontMatter(t *testing.T) {
	content := []byte("---\r\nautoscience:\r\n  artifact: selected-variables\r\n  variables:\r\n    - age\r\n---\r\n\r\n# Body\r\n")
	front, body, err := ParseFrontMatter(content)
	if err != nil {
		t.Fatalf("ParseFrontMatter: %v", err)
	}
	if front.Artifact != "selected-variables" || len(front.Variables) != 1 {
		t.Fatalf("unexpected frontmatter: %+v", front)
	}
	if string(body) != "\n# Body\n" {
		t.Fatalf("unexpected body %q", body)
	}
}
