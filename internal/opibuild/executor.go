package opibuild

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Command is a single external invocation. Dir and Env are optional; an
// empty Env inherits the parent environment.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	// Stdin, when set, is fed to the process. Used for chroot heredocs.
	Stdin io.Reader
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// CommandRunner abstracts command execution so retry and pipeline logic can
// be tested without spawning processes.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command, echo bool) *ErrorContext
	Output(ctx context.Context, cmd Command) (string, *ErrorContext)
}

// Executor runs external commands with process-group isolation so that a
// cancelled build tears down the whole child tree, not just the direct
// child.
type Executor struct {
	Log *Logger
}

// NewExecutor returns an Executor logging through log.
func NewExecutor(log *Logger) *Executor {
	return &Executor{Log: log}
}

func (e *Executor) rawSink() io.Writer {
	if e.Log == nil {
		return io.Discard
	}
	return e.Log.Raw()
}

// Run executes cmd until completion or context cancellation. Output is
// always captured into the full log; echo additionally mirrors it to the
// console. The returned error classifies the failure.
func (e *Executor) Run(ctx context.Context, cmd Command, echo bool) *ErrorContext {
	if strings.TrimSpace(cmd.Program) == "" {
		return Errorf(ConfigurationError, "refusing to run empty command")
	}
	if err := ctx.Err(); err != nil {
		return Errorf(Cancelled, "cancelled before running %s", cmd)
	}

	proc := exec.Command(cmd.Program, cmd.Args...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}
	proc.Stdin = cmd.Stdin
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sink := e.rawSink()
	if echo {
		sink = io.MultiWriter(os.Stdout, e.rawSink())
	}
	proc.Stdout = sink
	proc.Stderr = sink

	if e.Log != nil {
		e.Log.Infof("", "exec: %s", cmd)
	}
	if err := proc.Start(); err != nil {
		return e.logFailure(classifyStartError(cmd, err))
	}

	// Kill the whole process group if the context goes away mid-run.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	err := proc.Wait()
	close(done)

	if ctx.Err() != nil {
		return Errorf(Cancelled, "cancelled while running %s", cmd)
	}
	return e.logFailure(classifyWaitError(cmd, err))
}

// logFailure records a failed invocation in the error log before returning
// it to the caller.
func (e *Executor) logFailure(ec *ErrorContext) *ErrorContext {
	if ec != nil && e.Log != nil {
		e.Log.Errorf("", "%s: %s", ec.Kind, ec.Message)
	}
	return ec
}

// Output runs cmd and returns its trimmed stdout. Stderr still goes to the
// log. Used for commands whose result is a value, like losetup.
func (e *Executor) Output(ctx context.Context, cmd Command) (string, *ErrorContext) {
	if strings.TrimSpace(cmd.Program) == "" {
		return "", Errorf(ConfigurationError, "refusing to run empty command")
	}
	if err := ctx.Err(); err != nil {
		return "", Errorf(Cancelled, "cancelled before running %s", cmd)
	}

	proc := exec.Command(cmd.Program, cmd.Args...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = e.rawSink()

	if e.Log != nil {
		e.Log.Infof("", "exec: %s", cmd)
	}
	if err := proc.Start(); err != nil {
		return "", e.logFailure(classifyStartError(cmd, err))
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	err := proc.Wait()
	close(done)

	if ctx.Err() != nil {
		return "", Errorf(Cancelled, "cancelled while running %s", cmd)
	}
	if ec := e.logFailure(classifyWaitError(cmd, err)); ec != nil {
		return "", ec
	}
	return strings.TrimSpace(stdout.String()), nil
}

func classifyStartError(cmd Command, err error) *ErrorContext {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return Errorf(PreconditionMissing, "command not found: %s", cmd.Program)
	case errors.Is(err, os.ErrPermission):
		return Errorf(PermissionDenied, "permission denied running %s", cmd.Program)
	default:
		return Errorf(ResourceUnavailable, "failed to start %s: %v", cmd, err)
	}
}

func classifyWaitError(cmd Command, err error) *ErrorContext {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Errorf(ProcessSignaled, "command %s killed by signal %s", cmd, status.Signal())
		}
		return Errorf(ProcessExitedNonZero, "command %s exited with status %d", cmd, exitErr.ExitCode())
	}
	return Errorf(Unknown, "command %s failed: %v", cmd, err)
}
