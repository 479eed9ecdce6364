package pipeline

import (
	"fmt"
	"strings"
)

// Stage is a position in the pipeline. Stages are totally ordered and the
// machine only ever moves forward one stage at a time, except on Reset.
type Stage int

const (
	ParsingData Stage = iota
	SelectingVariables
	RunningAnalysis
	Visualizing
	Reporting
	Done
)

type stageInfo struct {
	id    string
	label string
}

var stages = [...]stageInfo{
	ParsingData:        {id: "parsing-data", label: "Parsing Data"},
	SelectingVariables: {id: "selecting-variables", label: "Selecting Variables"},
	RunningAnalysis:    {id: "running-analysis", label: "Running Analysis"},
	Visualizing:        {id: "visualizing", label: "Visualizing"},
	Reporting:          {id: "reporting", label: "Reporting"},
	Done:               {id: "done", label: "Done"},
}

// WorkStages returns the stages that invoke the collaborator, in order.
func WorkStages() []Stage {
	return []Stage{ParsingData, SelectingVariables, RunningAnalysis, Visualizing, Reporting}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s >= ParsingData && s <= Done }

// Terminal reports whether s is Done.
func (s Stage) Terminal() bool { return s == Done }

// ID returns the stable kebab-case identifier used in logs and flags.
func (s Stage) ID() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stages[s].id
}

// String returns the human label, which is also what the marker file holds.
func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stages[s].label
}

// Next returns the following stage. Done is its own successor.
func (s Stage) Next() Stage {
	if s >= Done {
		return Done
	}
	return s + 1
}

// ParseStage accepts a stage label ("Running Analysis"), id
// ("running-analysis") or a compact form ("runninganalysis"), case
// insensitively.
func ParseStage(v string) (Stage, error) {
	key := compact(v)
	if key == "" {
		return 0, fmt.Errorf("pipeline: empty stage name")
	}
	for i, info := range stages {
		if key == compact(info.id) || key == compact(info.label) {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("pipeline: unknown stage %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("pipeline: invalid stage %d", int(s))
	}
	return []byte(s.ID()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func compact(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		if r == ' ' || r == '-' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
