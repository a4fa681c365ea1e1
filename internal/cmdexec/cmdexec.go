// Package cmdexec wraps external command execution for the orchestrator.
//
// Everything that shells out (installers, the managed CLI, git fallbacks)
// goes through a Runner so tests can substitute a fake and assert on the
// exact invocations without touching the host system.
package cmdexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	apperr "github.com/clawdesk/clawdesk/internal/errors"
)

// Output captures the result of a completed command.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (o Output) Success() bool { return o.ExitCode == 0 }

// RunOptions adjusts a single invocation.
type RunOptions struct {
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
	Stdin   string
}

// Runner executes external commands. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOptions) (Output, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewRunner returns the default Runner backed by os/exec.
func NewRunner() *ExecRunner { return &ExecRunner{} }

func (r *ExecRunner) Run(ctx context.Context, name string, args []string, opts RunOptions) (Output, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	name, args = wrapCommand(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	hideWindow(cmd)

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		out.ExitCode = -1
		return out, apperr.Newf(apperr.CodeExternalCommand, "%s timed out after %s", name, opts.Timeout)
	}
	out.ExitCode = -1
	return out, apperr.New(apperr.CodeExternalCommand, "failed to start "+name, err)
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// EnsureSuccess converts a non-zero exit into a typed error carrying the
// tail of stderr so callers can surface a useful message.
func EnsureSuccess(label string, out Output, err error) error {
	if err != nil {
		return err
	}
	if out.Success() {
		return nil
	}
	detail := CompactText(out.Stderr, 400)
	if detail == "" {
		detail = CompactText(out.Stdout, 400)
	}
	if detail == "" {
		return apperr.Newf(apperr.CodeExternalCommand, "%s exited with code %d", label, out.ExitCode)
	}
	return apperr.Newf(apperr.CodeExternalCommand, "%s exited with code %d: %s", label, out.ExitCode, detail)
}

// CompactText collapses whitespace and truncates to max runes, keeping the
// tail where the actionable part of tool output usually lives.
func CompactText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return "..." + string(r[len(r)-max:])
}

// FirstLine returns the first non-empty trimmed line of s, or "".
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
