// Exec - run external binaries with timeout control
package processtool

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecTimeout     = 300 * time.Second
	maxStdoutChars     = 10000
	maxStderrChars     = 2000
)

// ExecSpec describes one command invocation
type ExecSpec struct {
	Bin     string
	Args    []string
	Timeout time.Duration
	Workdir string
	Env     []string // appended to the current environment
}

type ExecResult struct {
	Command  string        `json:"command"`
	Timeout  time.Duration `json:"timeout"`
	Workdir  string        `json:"workdir,omitempty"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Error    string        `json:"error,omitempty"`
}

type ExecError struct {
	Message  string
	Metadata map[string]interface{}
}

func (e *ExecError) Error() string {
	return e.Message
}

// Runner executes commands. Script extensions and the command restarter
// depend on it so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, spec ExecSpec) (*ExecResult, error)
}

// CommandRunner runs commands with os/exec
type CommandRunner struct{}

// Run executes spec.Bin directly (no shell). The result is always non-nil
// once the command was attempted; err is set on start failure, timeout or
// non-zero exit, with whatever output was captured kept in the result.
func (CommandRunner) Run(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	if spec.Bin == "" {
		return nil, &ExecError{Message: "command is required"}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if timeout > maxExecTimeout {
		return nil, &ExecError{Message: "timeout cannot exceed 300 seconds"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Bin, spec.Args...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &ExecResult{
		Command:  spec.Bin,
		Timeout:  timeout,
		Workdir:  spec.Workdir,
		Success:  runErr == nil,
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	result.Stdout = Truncate(stdout.String(), maxStdoutChars)
	result.Stderr = Truncate(stderr.String(), maxStderrChars)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Success = false
		result.Error = "command timed out"
		return result, &ExecError{
			Message:  "command timed out",
			Metadata: map[string]interface{}{"command": spec.Bin, "timeout": timeout.String()},
		}
	}

	if runErr != nil {
		result.Error = runErr.Error()
		return result, &ExecError{
			Message:  runErr.Error(),
			Metadata: map[string]interface{}{"command": spec.Bin, "exit_code": result.ExitCode},
		}
	}

	return result, nil
}

// Truncate shortens s to at most max bytes, marking the cut
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n...(truncated)"
}
