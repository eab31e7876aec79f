package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrNoOutputTimeout = errors.New("no output timeout")

// ShellCommand is one script to run.
type ShellCommand struct {
	Script string
	// Shell is the interpreter with its flags, e.g. "/bin/bash -eo pipefail".
	Shell string
	// Env holds KEY=VALUE pairs applied over the shell's base environment.
	Env             []string
	Dir             string
	NoOutputTimeout time.Duration
	Output          io.Writer
}

// Shell runs the commands of one job node.
type Shell interface {
	Run(ctx context.Context, cmd ShellCommand) error
	Close(ctx context.Context) error
}

// ExitError is a command that ran and exited nonzero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with code %d", e.Code)
}

// ExitCode extracts the exit code of a step error: 0 for nil, -1 when the
// command did not exit on its own.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

var (
	defaultShellOnce sync.Once
	defaultShellCmd  string
)

// DefaultShell is bash with errexit and pipefail, or sh when bash is
// missing.
func DefaultShell() string {
	defaultShellOnce.Do(func() {
		defaultShellCmd = "/bin/sh -e"
		if p, err := exec.LookPath("bash"); err == nil {
			defaultShellCmd = p + " -eo pipefail"
		}
	})
	return defaultShellCmd
}

// shellArgv builds the argv running script. Only bash reads $BASH_ENV by
// itself; other shells source it first.
func shellArgv(shell, script string) []string {
	if strings.TrimSpace(shell) == "" {
		shell = DefaultShell()
	}
	argv := strings.Fields(shell)
	if filepath.Base(argv[0]) != "bash" {
		script = "if [ -n \"$BASH_ENV\" ] && [ -f \"$BASH_ENV\" ]; then . \"$BASH_ENV\"; fi\n" + script
	}
	return append(argv, "-c", script)
}

// watchdog resets the no-output timer on every write.
type watchdog struct {
	w     io.Writer
	timer *time.Timer
	d     time.Duration
}

func (w *watchdog) Write(p []byte) (int, error) {
	w.timer.Reset(w.d)
	return w.w.Write(p)
}

// runProcess runs argv and maps its failure onto ExitError and the
// no-output timeout.
func runProcess(ctx context.Context, argv []string, dir string, env []string, noOutput time.Duration, out io.Writer) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if out == nil {
		out = io.Discard
	}
	w := out
	if noOutput > 0 {
		t := time.AfterFunc(noOutput, func() {
			cancel(errors.Wrapf(ErrNoOutputTimeout, "no output for %s", noOutput))
		})
		defer t.Stop()
		w = &watchdog{w: out, timer: t, d: noOutput}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	err := cmd.Run()
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		fmt.Fprintf(out, "\n%v\n", cause)
		return cause
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode()}
	}
	return errors.Wrapf(err, "run %s", argv[0])
}

// LocalShell runs commands as child processes of the runner.
type LocalShell struct{}

func NewLocalShell() *LocalShell {
	return &LocalShell{}
}

func (s *LocalShell) Run(ctx context.Context, c ShellCommand) error {
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return errors.Wrap(err, "create working directory")
		}
	}
	env := append(os.Environ(), c.Env...)
	return runProcess(ctx, shellArgv(c.Shell, c.Script), c.Dir, env, c.NoOutputTimeout, c.Output)
}

func (s *LocalShell) Close(context.Context) error {
	return nil
}
