package patching

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Runner runs a command and returns its output and exit code. err is set only
// when the command could not run at all or ctx ended; a non-zero exit is
// reported through exitCode.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

// ExecRunner runs commands as the current user.
func ExecRunner(ctx context.Context, name string, args ...string) (string, string, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// run applies timeout to a single command.
func run(ctx context.Context, r Runner, timeout time.Duration, name string, args ...string) (string, string, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r(ctx, name, args...)
}

func runnerOrDefault(r Runner) Runner {
	if r == nil {
		return ExecRunner
	}
	return r
}
