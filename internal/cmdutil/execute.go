package cmdutil

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ExecuteCommand runs input to completion and captures its output. It never
// returns an error: failures are reported through ExecuteOutput.
func ExecuteCommand(ctx context.Context, input ExecuteInput) ExecuteOutput {
	cmd, err := input.Cmd(ctx)
	if err != nil {
		return ExecuteOutput{ExitCode: -1, Error: err.Error()}
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	return newExecuteOutput(cmd.Run(), stdout.String(), stderr.String())
}

// Cmd builds the *exec.Cmd described by input. Environment precedence,
// highest first: Env, EnvFile, the process environment.
func (input ExecuteInput) Cmd(ctx context.Context) (*exec.Cmd, error) {
	env, err := Environ(input.EnvFile, input.Env)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, input.Command, input.Args...)
	cmd.Dir = input.WorkDir
	cmd.Env = env

	return cmd, nil
}

func newExecuteOutput(runErr error, stdout, stderr string) ExecuteOutput {
	out := ExecuteOutput{Stdout: stdout, Stderr: stderr}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		out.ExitCode = -1
		out.Error = runErr.Error()
	}

	return out
}
