// Package installer obtains the managed CLI through one of four source
// methods (npm, bun, git, binary download) and records the result in the
// install ledger. The ledger is written only after the full install
// succeeded, so a crash mid-install leaves the previous record intact.
package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/clawdesk/clawdesk/internal/cmdexec"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/state"
)

const (
	defaultPackage = "openclaw"
	installTimeout = 15 * time.Minute
)

// githubMirrors are tried in order when a package install fails on a git
// transport or auth error. Each rewrites https://github.com/ via git's
// environment-level insteadOf config, so npm's nested git fetches pick it
// up without touching the user's gitconfig.
var githubMirrors = []string{
	"https://gitclone.com/github.com/",
	"https://gh.llkk.cc/https://github.com/",
}

// Options selects what to install and from where.
type Options struct {
	Method     state.SourceMethod
	Source     string // package spec, git URL, or binary download URL
	InstallDir string
	// LaunchArgs are extra gateway flags recorded on the ledger; the
	// supervisor merges them into every spawn.
	LaunchArgs []string
	// Reinstall skips the already-installed rejection. Only the upgrade
	// coordinator sets this.
	Reinstall bool
}

type Installer struct {
	layout paths.Layout
	store  *state.Store
	runner cmdexec.Runner
	log    *logging.Logger

	// cloneOrPull is swapped out in tests; the default uses go-git.
	cloneOrPull func(ctx context.Context, url, dir string) error
	httpClient  *http.Client
}

func New(layout paths.Layout, store *state.Store, runner cmdexec.Runner, log *logging.Logger) *Installer {
	return &Installer{
		layout:      layout,
		store:       store,
		runner:      runner,
		log:         log,
		cloneOrPull: gitCloneOrPull,
		httpClient: &http.Client{
			Timeout:   installTimeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
	}
}

// Install runs the selected source method end to end and returns the new
// ledger entry.
func (ins *Installer) Install(ctx context.Context, opts Options) (*state.InstallState, error) {
	if !opts.Method.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unsupported install method %q", opts.Method)
	}
	dir := filepath.Join(ins.layout.DataRoot, "app")
	if strings.TrimSpace(opts.InstallDir) != "" {
		normalized, err := paths.Normalize(opts.InstallDir)
		if err != nil {
			return nil, apperr.New(apperr.CodeValidation, "invalid install dir", err)
		}
		dir = normalized
	}
	if paths.IsProtectedInstallDir(dir) {
		return nil, apperr.Newf(apperr.CodeValidation, "%s is a protected directory and cannot be an install target", dir)
	}

	lock, err := acquireLock(ins.layout.RunDir())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if !opts.Reinstall {
		existing, err := ins.store.LoadInstallState()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, apperr.Newf(apperr.CodeLockConflict,
				"version %s is already installed; run an upgrade instead", existing.Version)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	source := opts.Source
	if source == "" {
		source = defaultPackage
	}

	var mirrorUsed string
	switch opts.Method {
	case state.MethodNpm:
		mirrorUsed, err = ins.installNpm(ctx, dir, source)
	case state.MethodBun:
		err = ins.installBun(ctx, dir, source)
	case state.MethodGit:
		err = ins.installGit(ctx, dir, source)
	case state.MethodBinary:
		err = ins.installBinary(ctx, dir, source)
	}
	if err != nil {
		return nil, err
	}

	cmdPath := ins.findCommand(dir, opts.Method)
	version := ins.detectVersion(ctx, cmdPath)

	st := &state.InstallState{
		Method:      opts.Method,
		Version:     version,
		InstallDir:  dir,
		CommandPath: cmdPath,
		Source:      source,
		MirrorUsed:  mirrorUsed,
		LaunchArgs:  opts.LaunchArgs,
		InstalledAt: time.Now().UTC(),
	}
	if err := ins.store.SaveInstallState(st); err != nil {
		return nil, err
	}
	ins.log.Infof("installed %s %s via %s into %s", defaultPackage, version, opts.Method, dir)
	return st, nil
}

func (ins *Installer) installNpm(ctx context.Context, dir, pkg string) (string, error) {
	args := []string{"install", "--prefix", dir, pkg}
	out, err := ins.runner.Run(ctx, "npm", args, cmdexec.RunOptions{Timeout: installTimeout})
	if err == nil && out.Success() {
		return "", nil
	}
	if !gitTransportFailure(out.Stderr) {
		return "", cmdexec.EnsureSuccess("npm install", out, err)
	}

	var lastErr error = cmdexec.EnsureSuccess("npm install", out, err)
	for _, mirror := range githubMirrors {
		ins.log.Warnf("npm install hit a git transport failure, retrying via mirror %s", mirror)
		env := []string{
			"GIT_CONFIG_COUNT=1",
			fmt.Sprintf("GIT_CONFIG_KEY_0=url.%s.insteadOf", mirror),
			"GIT_CONFIG_VALUE_0=https://github.com/",
		}
		out, err = ins.runner.Run(ctx, "npm", args, cmdexec.RunOptions{Timeout: installTimeout, Env: env})
		if err == nil && out.Success() {
			return mirror, nil
		}
		lastErr = cmdexec.EnsureSuccess("npm install via "+mirror, out, err)
	}
	return "", apperr.New(apperr.CodeTransientNetwork, "npm install failed on origin and all mirrors", lastErr)
}

// gitTransportFailure recognizes the stderr signatures of git fetch
// problems that a mirror can route around. Anything else (disk full,
// bad package name) is not worth retrying.
func gitTransportFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range []string{
		"could not resolve host",
		"failed to connect",
		"connection reset",
		"connection timed out",
		"econnreset",
		"etimedout",
		"fatal: unable to access",
		"authentication failed",
		"remote: support for password authentication",
		"the requested url returned error: 403",
		"the requested url returned error: 429",
	} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func (ins *Installer) installBun(ctx context.Context, dir, pkg string) error {
	out, err := ins.runner.Run(ctx, "bun", []string{"add", "--cwd", dir, pkg}, cmdexec.RunOptions{Timeout: installTimeout})
	return cmdexec.EnsureSuccess("bun add", out, err)
}

func (ins *Installer) installGit(ctx context.Context, dir, url string) error {
	if url == defaultPackage {
		return apperr.New(apperr.CodeValidation, "git install requires a repository URL", nil)
	}
	if err := ins.cloneOrPull(ctx, url, dir); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		out, err := ins.runner.Run(ctx, "npm", []string{"install"}, cmdexec.RunOptions{Dir: dir, Timeout: installTimeout})
		return cmdexec.EnsureSuccess("npm install (git checkout)", out, err)
	}
	return nil
}

func (ins *Installer) installBinary(ctx context.Context, dir, url string) error {
	if url == defaultPackage {
		return apperr.New(apperr.CodeValidation, "binary install requires a download URL", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.New(apperr.CodeValidation, "invalid download URL", err)
	}
	resp, err := ins.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.CodeTransientNetwork, "download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.CodeTransientNetwork, "download returned %d", resp.StatusCode)
	}

	target := binaryPath(dir)
	tmp := target + ".download"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.New(apperr.CodeTransientNetwork, "download interrupted", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func binaryPath(dir string) string {
	name := defaultPackage
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(dir, name)
}

// findCommand returns the most specific runnable path the install
// produced, or "" when the resolver should fall back to PATH probing.
func (ins *Installer) findCommand(dir string, method state.SourceMethod) string {
	var candidates []string
	switch method {
	case state.MethodBinary:
		candidates = []string{binaryPath(dir)}
	default:
		base := filepath.Join(dir, "node_modules", ".bin", defaultPackage)
		if runtime.GOOS == "windows" {
			candidates = []string{base + ".cmd", base + ".ps1", base}
		} else {
			candidates = []string{base}
		}
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c
		}
	}
	return ""
}

func (ins *Installer) detectVersion(ctx context.Context, cmdPath string) string {
	if cmdPath == "" {
		return "unknown"
	}
	out, err := ins.runner.Run(ctx, cmdPath, []string{"--version"}, cmdexec.RunOptions{Timeout: 30 * time.Second})
	if err != nil || !out.Success() {
		return "unknown"
	}
	if v := cmdexec.FirstLine(out.Stdout); v != "" {
		return v
	}
	return "unknown"
}

// Uninstall removes the installed tree and clears the ledger. The app
// home (user data) is preserved unless purge is set. Removal failures do
// not abort the rest of the cleanup; they come back as warnings.
func (ins *Installer) Uninstall(purge bool) ([]string, error) {
	lock, err := acquireLock(ins.layout.RunDir())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	st, err := ins.store.LoadInstallState()
	if err != nil {
		return nil, err
	}
	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		ins.log.Warnf("uninstall: %s", msg)
		warnings = append(warnings, msg)
	}
	if st != nil && st.InstallDir != "" {
		if paths.IsProtectedInstallDir(st.InstallDir) {
			warn("refusing to remove protected directory %s", st.InstallDir)
		} else if err := os.RemoveAll(st.InstallDir); err != nil {
			warn("remove install dir: %v", err)
		}
	}
	if err := ins.store.ClearInstallState(); err != nil {
		return warnings, err
	}
	if purge {
		if err := ins.store.ClearLastConfig(); err != nil {
			warn("clear saved config: %v", err)
		}
		if err := os.RemoveAll(ins.layout.AppHome); err != nil {
			warn("remove app home: %v", err)
		}
		if err := os.RemoveAll(ins.layout.StateDir()); err != nil {
			warn("remove state dir: %v", err)
		}
		lock.release()
		if err := os.RemoveAll(ins.layout.RunDir()); err != nil {
			warn("remove run dir: %v", err)
		}
		// succeeds only once logs and backups are gone too
		os.Remove(ins.layout.DataRoot)
	}
	ins.log.Infof("uninstalled %s (purge=%v, %d warnings)", defaultPackage, purge, len(warnings))
	return warnings, nil
}
