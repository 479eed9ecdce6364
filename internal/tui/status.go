package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kingrea/autoscience/internal/pipeline"
	"github.com/kingrea/autoscience/internal/runlog"
)

// RenderStatus draws a project snapshot: the stage list with gate results
// for the current stage and the most recent run log entries.
func RenderStatus(snap pipeline.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render(snap.Project), hintStyle.Render(snap.Root))

	stage := labelStyleRunning.Render(snap.Stage.String())
	if snap.Stage.Terminal() {
		stage = labelStyleReady.Render(snap.Stage.String())
	}
	fmt.Fprintf(&b, "Stage: %s", stage)
	if snap.Busy {
		fmt.Fprintf(&b, "  %s", labelStyleBlocked.Render("busy: another run holds the lock"))
	}
	b.WriteString("\n")

	lastRun := "never"
	if snap.LastRunAt != nil {
		lastRun = humanize.RelTime(*snap.LastRunAt, now, "ago", "from now")
	}
	fmt.Fprintf(&b, "%s\n\n", detailTextStyle.Render(fmt.Sprintf("%s raw data files · last run %s",
		humanize.Comma(int64(snap.RawData)), lastRun)))

	var stages []string
	for _, s := range pipeline.WorkStages() {
		stages = append(stages, renderStageLine(snap, s)...)
	}
	b.WriteString(boxStyle.Render(strings.Join(stages, "\n")))
	b.WriteString("\n")

	if len(snap.Recent) > 0 {
		b.WriteString("\nRecent activity\n")
		for _, e := range snap.Recent {
			b.WriteString(renderEntry(e, now))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderStageLine(snap pipeline.Snapshot, s pipeline.Stage) []string {
	var mark, label string
	switch {
	case s < snap.Stage:
		mark, label = labelStyleReady.Render("✓"), labelStyleDefault.Render(s.String())
	case s == snap.Stage:
		mark, label = labelStyleRunning.Render("▸"), labelStyleRunning.Render(s.String())
	default:
		mark, label = labelStyleSkipped.Render("·"), labelStyleSkipped.Render(s.String())
	}
	line := fmt.Sprintf("%s %-22s", mark, label)
	if n := snap.Attempts[s]; n > 0 {
		line += detailTextStyle.Render(fmt.Sprintf(" %d %s", n, plural(n, "attempt")))
	}
	lines := []string{line}
	if s != snap.Stage {
		return lines
	}
	gate, ok := snap.Gate(s)
	if !ok {
		return lines
	}
	for _, p := range gate.Predicates {
		status := labelStyleReady.Render("✓")
		if !p.OK {
			status = labelStyleBlocked.Render("✗")
		}
		detail := p.Description
		if p.Detail != "" {
			detail += ": " + p.Detail
		}
		lines = append(lines, fmt.Sprintf("    %s %s", status, detailTextStyle.Render(detail)))
	}
	return lines
}

func renderEntry(e runlog.Entry, now time.Time) string {
	outcome := labelStyleDefault
	switch e.Outcome {
	case runlog.OutcomeSuccess:
		outcome = labelStyleReady
	case runlog.OutcomeGateUnmet:
		outcome = labelStyleGate
	case runlog.OutcomeFailure, runlog.OutcomeTimeout, runlog.OutcomeCancelled:
		outcome = labelStyleBlocked
	}
	subject := e.Stage
	if e.Script != "" {
		subject = e.Script
	}
	when := humanize.RelTime(e.FinishedAt, now, "ago", "from now")
	line := fmt.Sprintf("  %-10s %-36s %s  %s", string(e.Kind), subject, outcome.Render(string(e.Outcome)), hintStyle.Render(when))
	if d := e.Duration(); d > 0 {
		line += hintStyle.Render(fmt.Sprintf(" (%s)", d.Round(time.Second)))
	}
	return line
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
