package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrCommandTimeout is returned when a command exceeds its deadline.
var ErrCommandTimeout = errors.New("command timed out")

// CommandResult is the captured outcome of a command that ran to completion.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// CommandRunner abstracts packet-filter tool execution.
// A non-zero exit is reported through CommandResult.ExitCode; the error is
// reserved for commands that could not run or did not finish.
type CommandRunner interface {
	Exec(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// RealCommandRunner executes actual commands.
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}

// Exec runs name with args, honouring ctx's deadline.
func (r *RealCommandRunner) Exec(ctx context.Context, name string, args ...string) (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%s: %w", FormatCommand(name, args...), ErrCommandTimeout)
		}
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", FormatCommand(name, args...), err)
	}
	return res, nil
}

// FormatCommand renders a command line for logs.
func FormatCommand(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
