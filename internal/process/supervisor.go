// Package process supervises the managed gateway: detached spawn, pid
// tracking, idempotent stop, and a poll-triggered watchdog that revives a
// crashed gateway while the user still wants it running.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawdesk/clawdesk/internal/appconfig"
	"github.com/clawdesk/clawdesk/internal/cmdexec"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/health"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
)

const (
	watchdogCooldown = 20 * time.Second
	stopGrace        = 5 * time.Second
)

// Status is the supervisor's view of the gateway.
type Status struct {
	Running     bool          `json:"running"`
	PID         int           `json:"pid,omitempty"`
	Port        int           `json:"port"`
	Bind        string        `json:"bind"`
	KeepRunning bool          `json:"keep_running"`
	Health      health.Result `json:"health"`
	Revived     bool          `json:"revived,omitempty"` // watchdog restarted it during this poll
}

type Supervisor struct {
	layout paths.Layout
	store  *state.Store
	appcfg *appconfig.Reader
	res    *resolver.Resolver
	prober *health.Prober
	log    *logging.Logger

	// swapped out in tests
	spawn func(name string, args, env []string, logPath string) (int, error)
	kill  func(pid int, grace time.Duration) error
	alive func(pid int) bool
	now   func() time.Time

	mu          sync.Mutex
	lastRevival time.Time
}

func NewSupervisor(layout paths.Layout, store *state.Store, appcfg *appconfig.Reader, res *resolver.Resolver, prober *health.Prober, log *logging.Logger) *Supervisor {
	return &Supervisor{
		layout: layout,
		store:  store,
		appcfg: appcfg,
		res:    res,
		prober: prober,
		log:    log,
		spawn:  spawnDetached,
		kill:   killTree,
		alive:  processAlive,
		now:    time.Now,
	}
}

// Start launches the gateway if it is not already running. A second Start
// while the process is alive is a no-op that reports the current status.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) (Status, error) {
	gw, err := s.appcfg.EffectiveGateway()
	if err != nil {
		return Status{}, err
	}

	if pid, ok := s.readPid(); ok && s.alive(pid) {
		st := s.statusOf(ctx, pid, gw, true)
		return st, nil
	}

	if s.prober.PortOpen(ctx, gw.ProbeHost(), gw.Port) {
		return Status{}, apperr.Newf(apperr.CodeValidation,
			"port %d is already in use by another process", gw.Port)
	}

	ledger, err := s.store.LoadInstallState()
	if err != nil {
		return Status{}, err
	}
	cmd, err := s.res.Resolve(ctx, ledger)
	if err != nil {
		return Status{}, err
	}

	var extra []string
	if ledger != nil {
		extra = ledger.LaunchArgs
	}
	name, args := cmd.Argv(gatewayArgs(gw, extra)...)
	logPath := filepath.Join(s.layout.LogsDir(), "gateway.log")
	if err := os.MkdirAll(s.layout.LogsDir(), 0o755); err != nil {
		return Status{}, err
	}
	env, err := s.credentialEnv()
	if err != nil {
		return Status{}, err
	}
	pid, err := s.spawn(name, args, env, logPath)
	if err != nil {
		return Status{}, apperr.New(apperr.CodeExternalCommand, "failed to launch gateway", err)
	}
	if err := s.writePid(pid); err != nil {
		s.kill(pid, 0)
		return Status{}, err
	}
	if err := s.store.SaveRunPrefs(state.RunPrefs{KeepRunning: true}); err != nil {
		return Status{}, err
	}
	s.log.Infof("gateway started pid=%d cmd=%s args=%v", pid, name, cmdexec.MaskArgs(args))

	st := s.statusOf(ctx, pid, gw, true)
	return st, nil
}

// credentialEnv hands the stored provider keys to the gateway process.
func (s *Supervisor) credentialEnv() ([]string, error) {
	values, err := s.appcfg.EnvValues()
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(values))
	for key, value := range values {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env, nil
}

// gatewayArgs merges the stored extra launch flags with the enforced
// ones. The gateway subcommand, the port, the bind mode, and
// --allow-unconfigured always win so a stale override cannot silently
// move the listener. The CLI expects the symbolic bind mode here, not a
// listen address.
func gatewayArgs(gw appconfig.Gateway, extra []string) []string {
	args := []string{"gateway"}
	for i := 0; i < len(extra); i++ {
		switch arg := extra[i]; {
		case i == 0 && arg == "gateway":
		case arg == "--port" || arg == "--bind":
			i++
		case strings.HasPrefix(arg, "--port=") || strings.HasPrefix(arg, "--bind="):
		case arg == "--allow-unconfigured":
		default:
			args = append(args, arg)
		}
	}
	return append(args,
		"--port", strconv.Itoa(gw.Port),
		"--bind", gw.Bind,
		"--allow-unconfigured",
	)
}

// Stop terminates the gateway process but leaves the keep-running
// preference alone, so the watchdog may bring it back. Stopping an
// already stopped gateway succeeds without side effects.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// End records that the user wants the gateway down and then stops it.
// This is the only operation that suppresses the watchdog.
func (s *Supervisor) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLocked()
}

func (s *Supervisor) endLocked() error {
	if err := s.store.SaveRunPrefs(state.RunPrefs{KeepRunning: false}); err != nil {
		return err
	}
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	pid, ok := s.readPid()
	if ok && s.alive(pid) {
		if err := s.kill(pid, stopGrace); err != nil {
			return apperr.New(apperr.CodeExternalCommand, "failed to stop gateway", err)
		}
		s.log.Infof("gateway stopped pid=%d", pid)
	}
	s.clearPid()
	return nil
}

// Restart is Stop followed by Start under one lock. A failed stop is
// logged but does not abort the start; the usual reason is a process
// that already died in a way kill cannot see.
func (s *Supervisor) Restart(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(); err != nil {
		s.log.Warnf("restart: stop failed, starting anyway: %v", err)
	}
	return s.startLocked(ctx)
}

// Poll reports the current status. When the gateway is down but the run
// preference says keep it alive, Poll attempts one revival, throttled to
// one attempt per cooldown window so a crash-looping gateway cannot be
// respawned on every status request.
func (s *Supervisor) Poll(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gw, err := s.appcfg.EffectiveGateway()
	if err != nil {
		return Status{}, err
	}
	prefs, err := s.store.LoadRunPrefs()
	if err != nil {
		return Status{}, err
	}

	pid, ok := s.readPid()
	if ok && s.alive(pid) {
		return s.statusOf(ctx, pid, gw, prefs.KeepRunning), nil
	}

	// The pid is stale or gone, but something may still be serving the
	// port (a gateway restarted outside our control, or a pid file lost
	// to a crash). A passing health probe counts as running.
	probe := s.prober.Check(ctx, gw.ProbeHost(), gw.Port)
	if probe.OK {
		return Status{
			Running:     true,
			Port:        gw.Port,
			Bind:        gw.Bind,
			KeepRunning: prefs.KeepRunning,
			Health:      probe,
		}, nil
	}

	st := Status{Port: gw.Port, Bind: gw.Bind, KeepRunning: prefs.KeepRunning, Health: probe}
	if !prefs.KeepRunning {
		return st, nil
	}
	if s.now().Sub(s.lastRevival) < watchdogCooldown {
		return st, nil
	}
	s.lastRevival = s.now()
	s.log.Warnf("gateway is down but keep-running is set, attempting revival")
	revived, err := s.startLocked(ctx)
	if err != nil {
		s.log.Errorf("watchdog revival failed: %v", err)
		return st, nil
	}
	revived.Revived = true
	return revived, nil
}

func (s *Supervisor) statusOf(ctx context.Context, pid int, gw appconfig.Gateway, keep bool) Status {
	return Status{
		Running:     true,
		PID:         pid,
		Port:        gw.Port,
		Bind:        gw.Bind,
		KeepRunning: keep,
		Health:      s.prober.Check(ctx, gw.ProbeHost(), gw.Port),
	}
}

// PortReport describes who appears to hold the gateway port.
type PortReport struct {
	Port       int  `json:"port"`
	Open       bool `json:"open"`
	ManagedPID int  `json:"managed_pid,omitempty"`
	Managed    bool `json:"managed"`
}

// InspectPort reports whether the configured port is open and whether the
// supervised process is the one holding it.
func (s *Supervisor) InspectPort(ctx context.Context) (PortReport, error) {
	gw, err := s.appcfg.EffectiveGateway()
	if err != nil {
		return PortReport{}, err
	}
	rep := PortReport{Port: gw.Port, Open: s.prober.PortOpen(ctx, gw.ProbeHost(), gw.Port)}
	if pid, ok := s.readPid(); ok && s.alive(pid) {
		rep.ManagedPID = pid
		rep.Managed = rep.Open
	}
	return rep, nil
}

// ReleasePort stops the supervised process when it is the port holder. It
// refuses to touch a foreign process.
func (s *Supervisor) ReleasePort(ctx context.Context) error {
	rep, err := s.InspectPort(ctx)
	if err != nil {
		return err
	}
	if !rep.Open {
		return nil
	}
	if !rep.Managed {
		return apperr.Newf(apperr.CodeValidation,
			"port %d is held by an unmanaged process; free it manually", rep.Port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Releasing the port while keep-running stays set would just have the
	// watchdog grab it back, so this counts as an end.
	return s.endLocked()
}

func (s *Supervisor) readPid() (int, bool) {
	data, err := os.ReadFile(s.layout.PidFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (s *Supervisor) writePid(pid int) error {
	if err := os.MkdirAll(s.layout.RunDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.layout.PidFile(), []byte(fmt.Sprintf("%d\n", pid)), 0o600)
}

func (s *Supervisor) clearPid() {
	err := os.Remove(s.layout.PidFile())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warnf("could not remove pid file: %v", err)
	}
}
