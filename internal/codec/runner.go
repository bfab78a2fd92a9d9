package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result captures one external command invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so tests can stand in for ffmpeg
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner executes commands via os/exec. The process is killed when ctx
// ends.
type ExecRunner struct{}

// Run executes one command and captures stdout, stderr and the exit code
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Do not wait forever on pipes held open by grandchildren after a kill
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// CommandError reports a failed or timed-out transcoder run. Stderr is kept
// for logs and never shown to users.
type CommandError struct {
	Op       string
	Command  string
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s: %s timed out", e.Op, e.Command)
	}
	return fmt.Sprintf("%s: %s exited with code %d: %s", e.Op, e.Command, e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// tail keeps the last n bytes of s
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
