// Package paths defines the on-disk layout shared by every clawdesk
// component: orchestrator state, run/pid files, logs, backups, and the
// isolated OpenClaw home the managed CLI operates in.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

const (
	// EnvDataDir overrides the orchestrator data root.
	EnvDataDir = "CLAWDESK_DATA_DIR"
	// EnvAppHome overrides the managed OpenClaw home directory.
	EnvAppHome = "CLAWDESK_APP_HOME"
)

// Layout resolves every persisted path from two roots. It is constructed
// once at startup and passed to consumers; nothing in this package keeps
// process-wide mutable state.
type Layout struct {
	// DataRoot holds state/, run/, logs/, backups/.
	DataRoot string
	// AppHome is the isolated OpenClaw home (openclaw.json, .env, workspace/).
	AppHome string
}

// Default builds a Layout from the environment, falling back to a per-user
// data directory. The app home defaults to an isolated folder under the data
// root so clawdesk never touches a pre-existing ~/.openclaw installation.
func Default() Layout {
	root := strings.TrimSpace(os.Getenv(EnvDataDir))
	if root == "" {
		base, err := os.UserConfigDir()
		if err != nil || base == "" {
			base = os.TempDir()
		}
		root = filepath.Join(base, "clawdesk")
	}
	home := strings.TrimSpace(os.Getenv(EnvAppHome))
	if home == "" {
		home = filepath.Join(root, "openclaw")
	}
	return Layout{DataRoot: root, AppHome: home}
}

func (l Layout) StateDir() string   { return filepath.Join(l.DataRoot, "state") }
func (l Layout) RunDir() string     { return filepath.Join(l.DataRoot, "run") }
func (l Layout) LogsDir() string    { return filepath.Join(l.DataRoot, "logs") }
func (l Layout) BackupsDir() string { return filepath.Join(l.DataRoot, "backups") }

// PidFile is owned exclusively by the process supervisor.
func (l Layout) PidFile() string { return filepath.Join(l.RunDir(), "openclaw.pid") }

// ConfigPath is the managed app's own config file.
func (l Layout) ConfigPath() string { return filepath.Join(l.AppHome, "openclaw.json") }

// EnvPath holds provider secrets as KEY=VALUE lines.
func (l Layout) EnvPath() string { return filepath.Join(l.AppHome, ".env") }

// WorkspaceDir is the agent workspace passed to onboarding.
func (l Layout) WorkspaceDir() string { return filepath.Join(l.AppHome, "workspace") }

// EnsureDirs creates the full directory skeleton.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.DataRoot, l.StateDir(), l.RunDir(), l.LogsDir(), l.BackupsDir(), l.AppHome} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// protectedDirNames are classic OpenClaw state directories under the user
// profile. Installing into one of them could silently overwrite a setup the
// user already runs outside clawdesk.
var protectedDirNames = []string{".openclaw", ".clawdbot", ".moldbot", ".moltbot"}

// IsProtectedInstallDir reports whether path is one of the default per-user
// OpenClaw data directories that an install must never target.
func IsProtectedInstallDir(path string) bool {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return false
	}
	needle := canonical(path)
	for _, name := range protectedDirNames {
		if needle == canonical(filepath.Join(home, name)) {
			return true
		}
	}
	return false
}

func canonical(p string) string {
	cleaned := filepath.Clean(strings.TrimSpace(p))
	if runtime.GOOS == "windows" {
		return strings.ToLower(cleaned)
	}
	return cleaned
}

var winEnvPattern = regexp.MustCompile(`%([A-Za-z0-9_]+)%`)

// Normalize expands ~, $VAR and %VAR% references and cleans the result.
// Install directories arrive from the UI and may use either syntax.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	expanded := os.ExpandEnv(trimmed)
	expanded = winEnvPattern.ReplaceAllStringFunc(expanded, func(m string) string {
		return os.Getenv(strings.Trim(m, "%"))
	})
	if expanded == "~" || strings.HasPrefix(expanded, "~/") || strings.HasPrefix(expanded, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		tail := strings.TrimPrefix(expanded, "~")
		tail = strings.TrimLeft(tail, `/\`)
		if tail == "" {
			expanded = home
		} else {
			expanded = filepath.Join(home, tail)
		}
	}
	return filepath.Clean(expanded), nil
}
