// Package execx runs external programs for the benchmark: the tunnel
// manager and the measurement tool. Commands are configured as shell-like
// templates and every failure is classified as start failure, non-zero
// exit or interruption.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sys/execabs"

	"github.com/saveenergy/tunnelbench/internal/logging"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
)

// ErrNoCommandToExecute means that the command template is empty.
var ErrNoCommandToExecute = errors.New("execx: no command to execute")

const maxStderrTail = 512

// Argv contains the complete argv.
type Argv struct {
	// P is the program to execute.
	P string

	// V contains the arguments.
	V []string
}

// String returns a quoted command line suitable for logs.
func (a Argv) String() string {
	v := make([]string, 0, len(a.V)+1)
	v = append(v, maybeQuoteArg(a.P))
	for _, arg := range a.V {
		v = append(v, maybeQuoteArg(arg))
	}
	return strings.Join(v, " ")
}

func maybeQuoteArg(a string) string {
	if strings.Contains(a, "\"") {
		a = strings.ReplaceAll(a, "\"", "\\\"")
	}
	if a == "" || strings.Contains(a, " ") {
		a = "\"" + a + "\""
	}
	return a
}

// Vars maps placeholder names to values; "config" replaces "{config}".
type Vars map[string]string

// Parse splits template like a POSIX shell would and then replaces
// placeholders inside each argument, so substituted values containing
// spaces stay a single argument.
func Parse(template string, vars Vars) (Argv, error) {
	args, err := shlex.Split(template)
	if err != nil {
		return Argv{}, fmt.Errorf("parse command %q: %w", template, err)
	}
	if len(args) < 1 {
		return Argv{}, ErrNoCommandToExecute
	}
	if len(vars) > 0 {
		pairs := make([]string, 0, len(vars)*2)
		for k, v := range vars {
			pairs = append(pairs, "{"+k+"}", v)
		}
		r := strings.NewReplacer(pairs...)
		for i := range args {
			args[i] = r.Replace(args[i])
		}
	}
	return Argv{P: args[0], V: args[1:]}, nil
}

// Output is what a finished process produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes one command to completion.
type Runner interface {
	Run(ctx context.Context, argv Argv) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, argv Argv) (Output, error)

func (f RunnerFunc) Run(ctx context.Context, argv Argv) (Output, error) {
	return f(ctx, argv)
}

// Exec is the Runner backed by real processes.
type Exec struct {
	// Timeout bounds each command when positive.
	Timeout time.Duration

	Logger *logging.Logger
}

func NewExec(timeout time.Duration) *Exec {
	return &Exec{Timeout: timeout, Logger: logging.NewLogger("exec")}
}

// Run starts argv and waits for it. The returned Output is valid even
// when err is non-nil. Errors are *errors.BenchError with code
// COMMAND_START_FAILED, COMMAND_EXIT_STATUS or COMMAND_TIMEOUT, or wrap
// the context error when ctx ended first. Only ctx itself produces a
// context error; hitting Timeout does not.
func (e *Exec) Run(ctx context.Context, argv Argv) (Output, error) {
	cmdCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if e.Logger != nil {
		e.Logger.Debug("+ " + argv.String())
	}

	var stdout, stderr bytes.Buffer
	cmd := execabs.CommandContext(cmdCtx, argv.P, argv.V...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	return out, e.classify(ctx, cmdCtx, argv, out, err)
}

func (e *Exec) classify(ctx, cmdCtx context.Context, argv Argv, out Output, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: interrupted: %w", argv.P, ctxErr)
	}
	if cmdCtx.Err() != nil {
		return benchErrors.ErrCommandTimeout(argv.P, e.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return benchErrors.ErrCommandExit(argv.P, exitErr.ExitCode(), stderrTail(out.Stderr))
	}
	return benchErrors.ErrCommandStart(argv.P, err)
}

func stderrTail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > maxStderrTail {
		s = "..." + s[len(s)-maxStderrTail:]
	}
	return strings.Join(strings.Fields(s), " ")
}
