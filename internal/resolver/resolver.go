// Package resolver locates a runnable command for the managed CLI. The
// result is never cached: node version managers and package upgrades move
// binaries around, so every caller gets a fresh probe.
package resolver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/clawdesk/clawdesk/internal/cmdexec"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/state"
)

const (
	appCommand   = "openclaw"
	probeTimeout = 12 * time.Second
)

// Resolved is a verified way to invoke the managed CLI. Prefix args are
// inserted before any caller-supplied args; for the npx fallback that is
// ["--yes", "openclaw"].
type Resolved struct {
	Command string
	Prefix  []string
	Version string
}

// Argv builds the full argument vector for the given CLI args.
func (r *Resolved) Argv(args ...string) (string, []string) {
	return r.Command, append(append([]string{}, r.Prefix...), args...)
}

type Resolver struct {
	runner cmdexec.Runner
	log    *logging.Logger
}

func New(runner cmdexec.Runner, log *logging.Logger) *Resolver {
	return &Resolver{runner: runner, log: log}
}

// Resolve probes candidates in priority order and returns the first one
// that answers --version. st may be nil when nothing was ever installed.
func (r *Resolver) Resolve(ctx context.Context, st *state.InstallState) (*Resolved, error) {
	for _, cand := range r.candidates(st) {
		res, ok := r.probe(ctx, cand)
		if ok {
			return res, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotInstalled, "no usable openclaw command found", nil)
}

type candidate struct {
	command string
	prefix  []string
}

func (r *Resolver) candidates(st *state.InstallState) []candidate {
	var out []candidate
	seen := map[string]bool{}
	add := func(c candidate) {
		if c.command == "" || seen[c.command] {
			return
		}
		seen[c.command] = true
		out = append(out, c)
	}

	if st != nil {
		add(candidate{command: st.CommandPath})
		for _, shim := range shimNames() {
			add(candidate{command: filepath.Join(st.InstallDir, "node_modules", ".bin", shim)})
		}
	}
	if path, err := r.runner.LookPath(appCommand); err == nil {
		add(candidate{command: path})
	}
	add(candidate{command: "npx", prefix: []string{"--yes", appCommand}})
	return out
}

func shimNames() []string {
	if runtime.GOOS == "windows" {
		return []string{appCommand + ".cmd", appCommand + ".ps1", appCommand}
	}
	return []string{appCommand}
}

func (r *Resolver) probe(ctx context.Context, c candidate) (*Resolved, bool) {
	if filepath.IsAbs(c.command) {
		if _, err := os.Stat(c.command); err != nil {
			return nil, false
		}
	}
	args := append(append([]string{}, c.prefix...), "--version")
	out, err := r.runner.Run(ctx, c.command, args, cmdexec.RunOptions{Timeout: probeTimeout})
	if err != nil || !out.Success() {
		r.log.Warnf("rejected command candidate %s: %s", c.command, probeFailure(out, err))
		return nil, false
	}
	version := cmdexec.FirstLine(out.Stdout)
	if version == "" {
		version = "unknown"
	}
	return &Resolved{Command: c.command, Prefix: c.prefix, Version: version}, true
}

func probeFailure(out cmdexec.Output, err error) string {
	if err != nil {
		return err.Error()
	}
	if msg := cmdexec.CompactText(out.Stderr, 160); msg != "" {
		return msg
	}
	return "exit code " + strconv.Itoa(out.ExitCode)
}
