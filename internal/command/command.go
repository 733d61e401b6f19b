package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"dmb/internal/util"
)

// Result is the captured outcome of one shell command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs a command string. A non-zero exit is reported in Result,
// not as an error; err is reserved for commands that could not run at all.
type Executor interface {
	Execute(ctx context.Context, command string) (Result, error)
}

// ShellExecutor runs commands through /bin/sh -c.
type ShellExecutor struct {
	Shell string
}

func (s ShellExecutor) Execute(ctx context.Context, command string) (Result, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: strings.TrimSuffix(stdout.String(), "\n"),
		Stderr: strings.TrimSuffix(stderr.String(), "\n"),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal
			res.ExitCode = 1
		}
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to run %q: %w", command, err)
	}
	return res, nil
}

// ErrorRecorder receives the timestamped record of a failed command.
type ErrorRecorder interface {
	RecordError(message string) error
}

// ExitError is a fatal command failure. Code is the command's exit status.
type ExitError struct {
	Command string
	Stderr  string
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func (e *ExitError) ExitCode() int {
	return e.Code
}

type Runner struct {
	exec     Executor
	dryRun   bool
	stderr   io.Writer
	recorder ErrorRecorder
	now      func() time.Time
}

func NewRunner(exec Executor, dryRun bool, stderr io.Writer) *Runner {
	return &Runner{
		exec:   exec,
		dryRun: dryRun,
		stderr: stderr,
		now:    time.Now,
	}
}

// SetRecorder sets where failed commands are recorded.
func (r *Runner) SetRecorder(rec ErrorRecorder) {
	r.recorder = rec
}

// SetClock replaces time.Now for error record timestamps.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Runner) DryRun() bool {
	return r.dryRun
}

// Run executes a state-changing command. In a dry run nothing is executed
// and the output is empty.
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	if r.dryRun {
		slog.Debug("Dry run, command not executed", "command", command)
		return "", nil
	}
	return r.execute(ctx, command)
}

// Query executes a read-only command, also during a dry run.
func (r *Runner) Query(ctx context.Context, command string) (string, error) {
	return r.execute(ctx, command)
}

func (r *Runner) execute(ctx context.Context, command string) (string, error) {
	slog.Debug("Executing command", "command", command)

	res, err := r.exec.Execute(ctx, command)
	if err != nil {
		return "", err
	}

	if res.ExitCode != 0 {
		msg := fmt.Sprintf("%s: '%s' returned the following error: '%s'", util.Stamp(r.now()), command, res.Stderr)
		if r.recorder != nil {
			if err := r.recorder.RecordError(msg); err != nil {
				slog.Warn("Failed to write error record", "error", err)
			}
		}
		fmt.Fprintln(r.stderr, msg)
		slog.Error("Command failed", "command", command, "exitCode", res.ExitCode, "stderr", res.Stderr)

		return "", &ExitError{
			Command: command,
			Stderr:  res.Stderr,
			Code:    res.ExitCode,
			Message: msg,
		}
	}

	return res.Stdout, nil
}
