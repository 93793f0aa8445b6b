package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/caretta-ai/caretta/internal/debug"
)

// Result captures one command execution (or rejection).
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Execute runs a command under the policy. Policy rejections return a
// sentinel error (ErrBlockedCommand, ErrConfirmationRequired,
// ErrNetworkDenied, ErrPathEscapeDenied) without spawning a process.
// Timeouts kill the whole process group and return ErrTimedOut alongside
// whatever output was captured. Every attempt, rejected or run, lands in
// the shell history log.
func (e *Enforcer) Execute(ctx context.Context, command string, confirmed bool) (Result, error) {
	if err := e.Check(command, confirmed); err != nil {
		res := Result{Command: command, ExitCode: -1, Stderr: err.Error()}
		e.history.Record(res, err)
		return res, err
	}

	timeout := time.Duration(e.timeout) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = e.workspace
	// Own process group so cancellation kills the whole tree, not just sh.
	// A killed worker must not leave shell grandchildren holding pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Command:  command,
		Stdout:   truncate(stdout.String(), e.maxOutput),
		Stderr:   truncate(stderr.String(), e.maxOutput),
		Duration: time.Since(start),
	}

	if cctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		err := fmt.Errorf("%w after %s", ErrTimedOut, timeout)
		e.history.Record(res, err)
		debug.LogKV("sandbox", "timeout", "command", command, "timeout", timeout.String())
		return res, err
	}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr = runErr.Error()
			e.history.Record(res, runErr)
			return res, fmt.Errorf("execute command: %w", runErr)
		}
	}

	e.history.Record(res, nil)
	return res, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n[output truncated]"
}
