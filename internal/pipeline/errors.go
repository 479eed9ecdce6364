package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/autoscience/internal/project"
)

var (
	// ErrMissingPrecondition is returned when the research question or the
	// raw data is missing.
	ErrMissingPrecondition = errors.New("pipeline: missing precondition")
	// ErrStageGateUnmet is returned when the collaborator exited but the
	// stage artifacts do not satisfy the gate.
	ErrStageGateUnmet = errors.New("pipeline: stage gate unmet")
	// ErrInvocationFailed is returned when the collaborator exited non-zero.
	ErrInvocationFailed = errors.New("pipeline: collaborator invocation failed")
	// ErrInvocationTimeout is returned when the collaborator was killed
	// after exceeding the stage timeout.
	ErrInvocationTimeout = errors.New("pipeline: collaborator invocation timed out")
	// ErrBusy is returned when another process holds the project lock.
	ErrBusy = errors.New("pipeline: project is locked by another run")
	// ErrCancelled is returned when the caller cancelled the run.
	ErrCancelled = errors.New("pipeline: run cancelled")
	// ErrCorruptState is returned when the stage marker holds an unknown label.
	ErrCorruptState = errors.New("pipeline: corrupt stage marker")
	// ErrNoInvoker is returned by Run when no collaborator was configured.
	ErrNoInvoker = errors.New("pipeline: no collaborator configured")

	// ErrArtifactConflict and ErrPathEscape are shared with the project store.
	ErrArtifactConflict = project.ErrArtifactConflict
	ErrPathEscape       = project.ErrPathEscape
)

// GateError carries the gate report of the last failed attempt.
type GateError struct {
	Report GateReport
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrStageGateUnmet, e.Report.Stage, e.Report.Summary())
}

func (e *GateError) Unwrap() error { return ErrStageGateUnmet }

// ConflictError lists artifacts that belong to stages after the current one.
type ConflictError struct {
	Stage Stage
	Paths []string
}

func (e *ConflictError) Error() string {
	shown := e.Paths
	if len(shown) > 5 {
		shown = shown[:5]
	}
	more := ""
	if len(e.Paths) > len(shown) {
		more = fmt.Sprintf(" and %d more", len(e.Paths)-len(shown))
	}
	return fmt.Sprintf("%s: stage %s found later-stage artifacts %s%s; reset the project to rerun",
		project.ErrArtifactConflict, e.Stage, strings.Join(shown, ", "), more)
}

func (e *ConflictError) Unwrap() error { return project.ErrArtifactConflict }
