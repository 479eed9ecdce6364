// cmd/autoscience/main.go
//
// Entry point for the autoscience CLI. One invocation drives one project.
//
// Flow:
// 1. Create (or reuse) the project folder and its config
// 2. Make sure there is a research question and some raw data
// 3. Resolve the collaborator credential
// 4. Walk the pipeline stages until done, a stage fails or --stop-after

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kingrea/autoscience/internal/agent"
	"github.com/kingrea/autoscience/internal/credential"
	"github.com/kingrea/autoscience/internal/pipeline"
	"github.com/kingrea/autoscience/internal/project"
)

// Exit codes reported to the shell.
const (
	exitOK           = 0
	exitInternal     = 1
	exitUsage        = 2
	exitUnavailable  = 3
	exitPrecondition = 4
	exitFailed       = 5
	exitTimeout      = 6
	exitBusy         = 7
	exitConflict     = 8
	exitPathEscape   = 9
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "autoscience: %v\n", err)
		return exitUsage
	}
	a := &app{opts: opts, stdin: stdin, stdout: stdout, stderr: stderr}
	if err := a.execute(ctx); err != nil {
		fmt.Fprintf(stderr, "autoscience: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps an error to the documented exit status. Order matters:
// a collaborator failure can wrap a missing binary, and a failed stage
// wraps the timeout of its last attempt.
func exitCode(err error) int {
	var usage usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage), errors.Is(err, project.ErrInvalidName):
		return exitUsage
	case errors.Is(err, project.ErrPathEscape):
		return exitPathEscape
	case errors.Is(err, pipeline.ErrBusy):
		return exitBusy
	case errors.Is(err, project.ErrArtifactConflict):
		return exitConflict
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, pipeline.ErrNoInvoker),
		errors.Is(err, credential.ErrAuthenticationUnavailable),
		errors.Is(err, credential.ErrNeedsInteractive):
		return exitUnavailable
	case errors.Is(err, pipeline.ErrInvocationTimeout), errors.Is(err, agent.ErrTimeout):
		return exitTimeout
	case errors.Is(err, pipeline.ErrMissingPrecondition):
		return exitPrecondition
	case errors.Is(err, pipeline.ErrStageGateUnmet), errors.Is(err, pipeline.ErrInvocationFailed):
		return exitFailed
	}
	return exitInternal
}
