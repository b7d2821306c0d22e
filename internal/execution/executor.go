package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"stateguard/internal/logging"
)

// maxStderrBytes bounds how much diagnostic output is kept from a failing tool
const maxStderrBytes = 64 * 1024

// Command describes one external tool invocation
type Command struct {
	Name   string
	Args   []string
	Env    []string // appended to the parent environment
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
}

// String renders the command line without environment values
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// CommandError is returned when a tool cannot be started or exits non-zero.
// Stderr holds the tool's diagnostic output verbatim.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Command)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	} else if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}

// Executor runs commands with os/exec, capturing stderr for diagnostics
type Executor struct {
	logger  *logging.Logger
	timeout time.Duration
}

// NewExecutor creates an executor. A zero timeout means only ctx bounds the run.
func NewExecutor(logger *logging.Logger, timeout time.Duration) *Executor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Executor{logger: logger, timeout: timeout}
}

// Run executes cmd and returns a *CommandError on failure
func (e *Executor) Run(ctx context.Context, cmd Command) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	startTime := time.Now()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout

	stderr := &limitedBuffer{limit: maxStderrBytes}
	c.Stderr = stderr

	err := c.Run()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		err = &CommandError{
			Command:  cmd.Name,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Cause:    err,
		}
	}

	e.logger.LogSubprocess(cmd.Name, cmd.Args, time.Since(startTime), err)
	return err
}

// limitedBuffer keeps the first limit bytes written to it
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
