package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/kingrea/autoscience/internal/project"
)

// StateStore persists the current stage.
type StateStore interface {
	Load() (Stage, error)
	Save(Stage) error
}

// MarkerStore keeps the stage label in pipeline_state.txt at the project
// root so it is readable by people and by the collaborator.
type MarkerStore struct {
	path string
}

// NewMarkerStore creates a store for a project.
func NewMarkerStore(p *project.Project) *MarkerStore {
	return &MarkerStore{path: p.StageMarkerPath()}
}

// Load reads the marker. A missing or empty marker means ParsingData; an
// unknown label is an error rather than a silent restart.
func (m *MarkerStore) Load() (Stage, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ParsingData, nil
		}
		return 0, fmt.Errorf("pipeline: read stage marker: %w", err)
	}
	label := strings.TrimSpace(string(data))
	if label == "" {
		return ParsingData, nil
	}
	stage, err := ParseStage(label)
	if err != nil {
		return 0, fmt.Errorf("%w: %s holds %q", ErrCorruptState, project.FileStageMarker, label)
	}
	return stage, nil
}

// Save replaces the marker atomically.
func (m *MarkerStore) Save(stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("pipeline: refusing to save invalid stage %d", int(stage))
	}
	if err := project.WriteFileAtomic(m.path, []byte(stage.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("pipeline: write stage marker: %w", err)
	}
	return nil
}
