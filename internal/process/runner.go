package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/oshokin/app-installer/internal/logger"
)

// Command describes one external program invocation.
type Command struct {
	// Name is the program to execute, resolved through PATH.
	Name string
	// Args are passed verbatim, one element per argv entry.
	Args []string
	// Dir is the working directory; the current one is used when empty.
	Dir string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
	// Mutating marks commands that change system state; DryRunner skips them.
	Mutating bool
}

// String renders the command for logs and error reports.
// Arguments containing whitespace are quoted for readability only.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)

	for _, arg := range c.Args {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'") {
			parts = append(parts, fmt.Sprintf("%q", arg))
			continue
		}

		parts = append(parts, arg)
	}

	return strings.Join(parts, " ")
}

// Result holds the captured outcome of a finished command.
type Result struct {
	// Stdout is the captured standard output.
	Stdout []byte
	// Stderr is the captured standard error.
	Stderr []byte
	// ExitCode is the process exit status (-1 when it never started).
	ExitCode int
	// Duration is the wall time the command took.
	Duration time.Duration
}

// ExitError is returned when a command ran but exited with a non-zero status
// or could not be started.
type ExitError struct {
	// Command is the rendered command line.
	Command string
	// ExitCode is the process exit status (-1 when it never started).
	ExitCode int
	// Stderr is the trimmed standard error output.
	Stderr string
	// Err is the underlying exec error.
	Err error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("command %q exited with code %d: %v", e.Command, e.ExitCode, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes commands. It blocks until the command exits.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and captures its output.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	var (
		stdout bytes.Buffer
		stderr bytes.Buffer
	)

	//nolint:gosec // Arguments are passed as a list, nothing goes through a shell.
	execCmd := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}

	logger.DebugKV(ctx, "Running command", "command", cmd.String(), "dir", cmd.Dir)

	started := time.Now()
	err := execCmd.Run()

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: execCmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}

	logger.DebugKV(ctx, "Command finished",
		"command", cmd.String(),
		"exit_code", result.ExitCode,
		"duration", result.Duration,
		"stdout_bytes", len(result.Stdout),
		"stderr_bytes", len(result.Stderr))

	if err == nil {
		return result, nil
	}

	// Context cancellation wins over the exit status of a killed child.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
	}

	return result, &ExitError{
		Command:  cmd.String(),
		ExitCode: result.ExitCode,
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}
}

// DryRunner logs mutating commands instead of running them.
// Read-only commands are passed to the wrapped runner.
type DryRunner struct {
	// next is the runner used for read-only commands.
	next Runner
}

// NewDryRunner wraps the provided runner.
func NewDryRunner(next Runner) *DryRunner {
	return &DryRunner{next: next}
}

// Run executes read-only commands and reports mutating ones as skipped.
func (r *DryRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if !cmd.Mutating {
		return r.next.Run(ctx, cmd)
	}

	logger.InfoKV(ctx, "Dry run, command not executed", "command", cmd.String())

	return &Result{}, nil
}

// IsExitError reports whether err carries an *ExitError and returns it.
func IsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}

	return nil, false
}

// Expand substitutes {name} placeholders in every argument of a command
// template. Each argument is replaced separately, so values never split into
// extra arguments.
func Expand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}

	replacer := strings.NewReplacer(pairs...)

	expanded := make([]string, 0, len(template))
	for _, arg := range template {
		expanded = append(expanded, replacer.Replace(arg))
	}

	return expanded
}
