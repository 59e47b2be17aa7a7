package agent

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"aaronromeo.com/himalayacache/pkg/base"
	"github.com/pkg/errors"
)

// ExecRunner starts the agent as a child process and captures its output.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string) (base.Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return base.Result{}, &base.AgentLaunchError{Binary: name, Err: err}
	}

	result := base.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if exitErr != nil {
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// Stdio is the set of streams handed to a passed-through agent command.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Passthrough runs the agent with args verbatim and the caller's streams.
func Passthrough(ctx context.Context, binary string, args []string, stdio Stdio) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = stdio.In
	cmd.Stdout = stdio.Out
	cmd.Stderr = stdio.Err

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &base.PassthroughExitError{Code: exitErr.ExitCode()}
	}
	return &base.AgentLaunchError{Binary: binary, Err: err}
}
