package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result carries the captured output and exit code of one command run.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Runner executes external commands. The interface exists so disk and iSCSI
// code can be tested against a fake without touching real devices.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecError is returned when a command exits non-zero (or fails to start).
// It keeps the command line and stderr so callers can log actionable context.
type ExecError struct {
	Cmd    string
	Code   int
	Stderr string
	cause  error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited %d: %s", e.Cmd, e.Code, strings.TrimSpace(e.Stderr))
	}
	if e.cause != nil {
		return fmt.Sprintf("command %q: %v", e.Cmd, e.cause)
	}
	return fmt.Sprintf("command %q exited %d", e.Cmd, e.Code)
}

func (e *ExecError) Unwrap() error { return e.cause }

// ExecRunner runs commands directly with a pinned environment.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if err != nil {
		return res, &ExecError{
			Cmd:    cmdline(name, args),
			Code:   res.Code,
			Stderr: string(res.Stderr),
			cause:  err,
		}
	}
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func cmdline(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
