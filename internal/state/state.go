// Package state persists the orchestrator's durable records: the install
// ledger, the last applied configuration, and the run preferences. Every
// save goes through a write-to-temp-then-rename so a crash mid-write never
// leaves a torn file behind.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clawdesk/clawdesk/internal/paths"
)

// SourceMethod names how the managed CLI was obtained.
type SourceMethod string

const (
	MethodNpm    SourceMethod = "npm"
	MethodBun    SourceMethod = "bun"
	MethodGit    SourceMethod = "git"
	MethodBinary SourceMethod = "binary"
)

// Valid reports whether m is one of the supported install methods.
func (m SourceMethod) Valid() bool {
	switch m {
	case MethodNpm, MethodBun, MethodGit, MethodBinary:
		return true
	}
	return false
}

// InstallState is the install ledger. It is written only after an install
// fully succeeds; its absence means "not installed".
type InstallState struct {
	Method      SourceMethod `json:"method"`
	Version     string       `json:"version"`
	InstallDir  string       `json:"install_dir"`
	CommandPath string       `json:"command_path,omitempty"`
	Source      string       `json:"source,omitempty"` // package spec, git URL, or download URL
	MirrorUsed  string       `json:"mirror_used,omitempty"`
	LaunchArgs  []string     `json:"launch_args,omitempty"` // extra gateway flags, merged at spawn
	InstalledAt time.Time    `json:"installed_at"`
}

// ModelChain is the primary model plus ordered fallbacks.
type ModelChain struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// ChannelSettings holds chat channel wiring applied during onboarding.
type ChannelSettings struct {
	TelegramToken string `json:"telegram_token,omitempty"`
	FeishuAppID   string `json:"feishu_app_id,omitempty"`
	FeishuSecret  string `json:"feishu_secret,omitempty"`
}

// ConfigInput is the full desired configuration for the managed CLI.
type ConfigInput struct {
	Mode         string `json:"mode,omitempty"` // local | remote
	Flow         string `json:"flow,omitempty"` // quickstart | manual | advanced
	GatewayPort  int    `json:"gateway_port,omitempty"`
	GatewayBind  string `json:"gateway_bind,omitempty"` // loopback | lan
	AuthMode     string `json:"auth_mode,omitempty"`    // token | none
	GatewayToken string `json:"gateway_token,omitempty"`

	Provider   string     `json:"provider,omitempty"`
	APIKey     string     `json:"api_key,omitempty"`
	KimiRegion string     `json:"kimi_region,omitempty"` // cn | intl
	Models     ModelChain `json:"models,omitempty"`

	Workspace   string `json:"workspace,omitempty"`
	NodeManager string `json:"node_manager,omitempty"`
	SkipUI      bool   `json:"skip_ui,omitempty"`

	InstallDaemon bool            `json:"install_daemon,omitempty"`
	Skills        []string        `json:"skills,omitempty"`
	Channels      ChannelSettings `json:"channels,omitempty"`

	AppliedAt time.Time `json:"applied_at,omitempty"`
}

// RunPrefs records whether the supervisor should keep the gateway alive.
type RunPrefs struct {
	KeepRunning bool      `json:"keep_running"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

const (
	installStateFile = "install_state.json"
	lastConfigFile   = "last_config.json"
	runPrefsFile     = "run_prefs.json"
)

// Store reads and writes the state files under the layout's state dir.
type Store struct {
	layout paths.Layout
}

func NewStore(layout paths.Layout) *Store {
	return &Store{layout: layout}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.layout.StateDir(), name)
}

// InstallStatePath exposes the ledger location for backup bundling.
func (s *Store) InstallStatePath() string { return s.path(installStateFile) }

// LoadInstallState returns nil with no error when not installed.
func (s *Store) LoadInstallState() (*InstallState, error) {
	var st InstallState
	ok, err := s.read(installStateFile, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveInstallState(st *InstallState) error {
	return s.write(installStateFile, st)
}

func (s *Store) ClearInstallState() error {
	return s.remove(installStateFile)
}

// LoadLastConfig returns nil with no error when never configured.
func (s *Store) LoadLastConfig() (*ConfigInput, error) {
	var cfg ConfigInput
	ok, err := s.read(lastConfigFile, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) SaveLastConfig(cfg *ConfigInput) error {
	return s.write(lastConfigFile, cfg)
}

func (s *Store) ClearLastConfig() error {
	return s.remove(lastConfigFile)
}

// LoadRunPrefs defaults to keep-running when the file is missing.
func (s *Store) LoadRunPrefs() (RunPrefs, error) {
	prefs := RunPrefs{KeepRunning: true}
	_, err := s.read(runPrefsFile, &prefs)
	if err != nil {
		return RunPrefs{KeepRunning: true}, err
	}
	return prefs, nil
}

func (s *Store) SaveRunPrefs(prefs RunPrefs) error {
	prefs.UpdatedAt = time.Now().UTC()
	return s.write(runPrefsFile, &prefs)
}

func (s *Store) read(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) write(name string, v any) error {
	if err := os.MkdirAll(s.layout.StateDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	target := s.path(name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) remove(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
