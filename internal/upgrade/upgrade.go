// Package upgrade replaces the installed CLI with a newer build as one
// transaction: snapshot, stop, reinstall, reconfigure, restart. Any step
// failing after the snapshot rolls the whole machine state back to it.
package upgrade

import (
	"context"
	"fmt"

	"github.com/clawdesk/clawdesk/internal/appconfig"
	"github.com/clawdesk/clawdesk/internal/backup"
	"github.com/clawdesk/clawdesk/internal/configure"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/installer"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/process"
	"github.com/clawdesk/clawdesk/internal/state"
)

type installService interface {
	Install(ctx context.Context, opts installer.Options) (*state.InstallState, error)
}

type backupService interface {
	Create(prefix string) (backup.Info, error)
	Restore(id string, opts backup.RestoreOptions) error
}

type processService interface {
	Start(ctx context.Context) (process.Status, error)
	Stop(ctx context.Context) error
}

type applyService interface {
	Apply(ctx context.Context, input state.ConfigInput) (*configure.Result, error)
}

type configReader interface {
	EffectiveGateway() (appconfig.Gateway, error)
	ConfiguredModel() string
}

// Options selects the upgrade target. An empty Source upgrades to the
// latest published build of the recorded source.
type Options struct {
	Source string
}

// Result reports how the upgrade ended.
type Result struct {
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version,omitempty"`
	BackupID    string `json:"backup_id"`
	RolledBack  bool   `json:"rolled_back,omitempty"`
}

type Coordinator struct {
	store     *state.Store
	appcfg    configReader
	installer installService
	backups   backupService
	proc      processService
	applier   applyService
	log       *logging.Logger
}

func NewCoordinator(store *state.Store, appcfg configReader, ins installService, backups backupService, proc processService, applier applyService, log *logging.Logger) *Coordinator {
	return &Coordinator{store: store, appcfg: appcfg, installer: ins, backups: backups, proc: proc, applier: applier, log: log}
}

// Upgrade runs the full transaction. On failure the returned Result still
// carries the snapshot id and whether the rollback restored it.
func (c *Coordinator) Upgrade(ctx context.Context, opts Options) (*Result, error) {
	ledger, err := c.store.LoadInstallState()
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, apperr.New(apperr.CodeNotInstalled, "nothing is installed, run an install instead of an upgrade", nil)
	}
	prefs, err := c.store.LoadRunPrefs()
	if err != nil {
		return nil, err
	}

	snap, err := c.backups.Create("pre-upgrade")
	if err != nil {
		return nil, fmt.Errorf("pre-upgrade snapshot: %w", err)
	}
	res := &Result{FromVersion: ledger.Version, BackupID: snap.ID}
	c.log.Infof("upgrading from %s (snapshot %s)", ledger.Version, snap.ID)

	if err := c.proc.Stop(ctx); err != nil {
		return res, err
	}

	target := opts.Source
	if target == "" {
		target = ledger.Source
	}
	newState, err := c.installer.Install(ctx, installer.Options{
		Method:     ledger.Method,
		Source:     target,
		InstallDir: ledger.InstallDir,
		LaunchArgs: ledger.LaunchArgs,
		Reinstall:  true,
	})
	if err != nil {
		return c.rollback(ctx, res, ledger, prefs.KeepRunning, fmt.Errorf("install step: %w", err))
	}
	res.ToVersion = newState.Version

	input, err := c.reconfigureInput(newState)
	if err != nil {
		return c.rollback(ctx, res, ledger, prefs.KeepRunning, err)
	}
	if _, err := c.applier.Apply(ctx, input); err != nil {
		return c.rollback(ctx, res, ledger, prefs.KeepRunning, fmt.Errorf("reconfigure step: %w", err))
	}

	if prefs.KeepRunning {
		if _, err := c.proc.Start(ctx); err != nil {
			return c.rollback(ctx, res, ledger, prefs.KeepRunning, fmt.Errorf("restart step: %w", err))
		}
	}

	c.log.Infof("upgrade complete: %s -> %s", res.FromVersion, res.ToVersion)
	return res, nil
}

// reconfigureInput rebuilds the configure payload for the fresh install.
// The last applied payload wins field by field, and gaps are backfilled
// from the ledger and the live app config, so the reconfigure step always
// runs with a complete picture even when the recorded payload predates
// later edits.
func (c *Coordinator) reconfigureInput(ledger *state.InstallState) (state.ConfigInput, error) {
	var input state.ConfigInput
	last, err := c.store.LoadLastConfig()
	if err != nil {
		return state.ConfigInput{}, err
	}
	if last != nil {
		input = *last
	}
	gw, err := c.appcfg.EffectiveGateway()
	if err != nil {
		return state.ConfigInput{}, err
	}
	if input.GatewayPort == 0 {
		input.GatewayPort = gw.Port
	}
	if input.GatewayBind == "" {
		input.GatewayBind = gw.Bind
	}
	if input.AuthMode == "" {
		input.AuthMode = gw.AuthMode
	}
	if input.Models.Primary == "" {
		input.Models.Primary = c.appcfg.ConfiguredModel()
	}
	if input.NodeManager == "" && ledger != nil {
		switch ledger.Method {
		case state.MethodNpm, state.MethodBun:
			input.NodeManager = string(ledger.Method)
		}
	}
	return input, nil
}

// rollback restores the snapshot and reinstalls the previous pinned
// version, then brings the gateway back if the user had it running. The
// original failure is what the caller gets; rollback problems are logged
// and appended.
func (c *Coordinator) rollback(ctx context.Context, res *Result, prev *state.InstallState, wasWanted bool, cause error) (*Result, error) {
	c.log.Errorf("upgrade failed, rolling back to %s: %v", prev.Version, cause)

	if err := c.backups.Restore(res.BackupID, backup.RestoreOptions{SkipSnapshot: true}); err != nil {
		return res, fmt.Errorf("upgrade failed and snapshot restore also failed (%v): %w", err, cause)
	}
	if _, err := c.installer.Install(ctx, installer.Options{
		Method:     prev.Method,
		Source:     pinnedSource(prev),
		InstallDir: prev.InstallDir,
		LaunchArgs: prev.LaunchArgs,
		Reinstall:  true,
	}); err != nil {
		return res, fmt.Errorf("upgrade failed and reinstall of %s also failed (%v): %w", prev.Version, err, cause)
	}
	// the reinstall rewrote the ledger; put the restored record back in
	// charge of the version we actually pinned
	if err := c.store.SaveInstallState(prev); err != nil {
		return res, fmt.Errorf("upgrade failed and ledger restore also failed (%v): %w", err, cause)
	}
	res.RolledBack = true
	res.ToVersion = ""
	if wasWanted {
		if _, err := c.proc.Start(ctx); err != nil {
			c.log.Errorf("rollback succeeded but the gateway did not restart: %v", err)
		}
	}
	return res, cause
}

// pinnedSource turns the previous ledger entry into an exact install
// target so a rollback cannot accidentally fetch the broken new build.
func pinnedSource(prev *state.InstallState) string {
	switch prev.Method {
	case state.MethodNpm, state.MethodBun:
		if prev.Version != "" && prev.Version != "unknown" {
			name := prev.Source
			if name == "" {
				name = "openclaw"
			}
			if i := indexOfVersionSep(name); i >= 0 {
				name = name[:i]
			}
			return name + "@" + prev.Version
		}
	}
	return prev.Source
}

// indexOfVersionSep finds the @ that separates package from version,
// skipping a leading scope like @scope/pkg.
func indexOfVersionSep(spec string) int {
	start := 0
	if len(spec) > 0 && spec[0] == '@' {
		start = 1
	}
	for i := start; i < len(spec); i++ {
		if spec[i] == '@' {
			return i
		}
	}
	return -1
}
