package process

import (
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdesk/clawdesk/internal/appconfig"
	"github.com/clawdesk/clawdesk/internal/cmdexec"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/health"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
)

type fakeProc struct {
	mu     sync.Mutex
	next   int
	alive  map[int]bool
	spawns [][]string
	envs   [][]string
	killed []int
}

func newFakeProc() *fakeProc {
	return &fakeProc{next: 4000, alive: map[int]bool{}}
}

func (p *fakeProc) spawn(name string, args, env []string, logPath string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.alive[p.next] = true
	p.spawns = append(p.spawns, append([]string{name}, args...))
	p.envs = append(p.envs, env)
	return p.next, nil
}

func (p *fakeProc) kill(pid int, grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alive, pid)
	p.killed = append(p.killed, pid)
	return nil
}

func (p *fakeProc) isAlive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProc) crash(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alive, pid)
}

func testSupervisor(t *testing.T) (*Supervisor, *fakeProc, *state.Store) {
	t.Helper()
	layout := paths.Layout{DataRoot: t.TempDir(), AppHome: t.TempDir()}
	store := state.NewStore(layout)
	fakeRun := cmdexec.NewFake()
	fakeRun.Respond("openclaw --version", cmdexec.Output{Stdout: "2.0.0"}, nil)

	prober := health.New()
	prober.TCPAttempts = 1
	prober.TCPTimeout = 50 * time.Millisecond
	prober.RetryDelay = time.Millisecond

	s := NewSupervisor(layout, store,
		appconfig.New(layout, store),
		resolver.New(fakeRun, logging.Discard()),
		prober, logging.Discard())

	proc := newFakeProc()
	s.spawn = proc.spawn
	s.kill = proc.kill
	s.alive = proc.isAlive
	return s, proc, store
}

func TestStartIsIdempotent(t *testing.T) {
	s, proc, _ := testSupervisor(t)

	st, err := s.Start(t.Context())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.KeepRunning)
	require.Len(t, proc.spawns, 1)
	assert.Equal(t, []string{"openclaw", "gateway", "--port", "28789", "--bind", "loopback", "--allow-unconfigured"}, proc.spawns[0])

	again, err := s.Start(t.Context())
	require.NoError(t, err)
	assert.Equal(t, st.PID, again.PID)
	assert.Len(t, proc.spawns, 1, "second start must not spawn")
}

func TestStartRejectsBusyPort(t *testing.T) {
	s, proc, store := testSupervisor(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, store.SaveLastConfig(&state.ConfigInput{GatewayPort: port}))

	_, err = s.Start(t.Context())
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
	assert.Empty(t, proc.spawns)
}

func TestStopIsIdempotent(t *testing.T) {
	s, proc, store := testSupervisor(t)

	require.NoError(t, s.Stop(t.Context()), "stopping a never-started gateway succeeds")

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.Stop(t.Context()))
	require.Len(t, proc.killed, 1)
	require.NoError(t, s.Stop(t.Context()))
	assert.Len(t, proc.killed, 1, "no second kill for an already stopped gateway")

	prefs, err := store.LoadRunPrefs()
	require.NoError(t, err)
	assert.True(t, prefs.KeepRunning, "a plain stop leaves the gateway wanted")
}

func TestStopDoesNotSuppressWatchdog(t *testing.T) {
	s, proc, _ := testSupervisor(t)

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.Stop(t.Context()))

	st, err := s.Poll(t.Context())
	require.NoError(t, err)
	assert.True(t, st.Revived, "stop alone must not keep the watchdog from reviving")
	assert.True(t, st.Running)
	assert.Len(t, proc.spawns, 2)
}

func TestEndSuppressesWatchdog(t *testing.T) {
	s, proc, store := testSupervisor(t)

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.End(t.Context()))
	require.Len(t, proc.killed, 1)

	prefs, err := store.LoadRunPrefs()
	require.NoError(t, err)
	assert.False(t, prefs.KeepRunning)

	st, err := s.Poll(t.Context())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.False(t, st.Revived)
	assert.Len(t, proc.spawns, 1, "an ended gateway stays down")
}

func TestPollRevivesCrashedGateway(t *testing.T) {
	s, proc, _ := testSupervisor(t)
	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	st, err := s.Start(t.Context())
	require.NoError(t, err)
	proc.crash(st.PID)

	st, err = s.Poll(t.Context())
	require.NoError(t, err)
	assert.True(t, st.Revived)
	assert.True(t, st.Running)
	assert.Len(t, proc.spawns, 2)
}

func TestPollThrottlesRevivals(t *testing.T) {
	s, proc, _ := testSupervisor(t)
	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	st, err := s.Start(t.Context())
	require.NoError(t, err)

	// crash loop: every revival dies immediately
	proc.crash(st.PID)
	st, err = s.Poll(t.Context())
	require.NoError(t, err)
	require.Len(t, proc.spawns, 2)
	proc.crash(st.PID)

	for i := 0; i < 5; i++ {
		_, err = s.Poll(t.Context())
		require.NoError(t, err)
	}
	assert.Len(t, proc.spawns, 2, "within the cooldown no further attempt is made")

	clock = clock.Add(watchdogCooldown + time.Second)
	st, err = s.Poll(t.Context())
	require.NoError(t, err)
	assert.True(t, st.Revived)
	assert.Len(t, proc.spawns, 3)
}

func TestPollRespectsKeepRunningOff(t *testing.T) {
	s, proc, _ := testSupervisor(t)

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.End(t.Context()))

	st, err := s.Poll(t.Context())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.False(t, st.Revived)
	assert.Len(t, proc.spawns, 1, "an ended gateway stays down")
}

func TestPollHealthyPortCountsAsRunning(t *testing.T) {
	s, proc, store := testSupervisor(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, store.SaveLastConfig(&state.ConfigInput{GatewayPort: port}))

	// No pid file at all, but the port answers: a gateway that outlived a
	// lost pid file still counts as running and must not be respawned.
	st, err := s.Poll(t.Context())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.Health.OK)
	assert.False(t, st.Revived)
	assert.Empty(t, proc.spawns)
}

func TestRestart(t *testing.T) {
	s, proc, store := testSupervisor(t)

	first, err := s.Start(t.Context())
	require.NoError(t, err)
	second, err := s.Restart(t.Context())
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Len(t, proc.killed, 1)
	assert.Len(t, proc.spawns, 2)

	prefs, err := store.LoadRunPrefs()
	require.NoError(t, err)
	assert.True(t, prefs.KeepRunning, "restart leaves the gateway wanted")
}

func TestReleasePortRefusesForeignHolder(t *testing.T) {
	s, _, store := testSupervisor(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, store.SaveLastConfig(&state.ConfigInput{GatewayPort: port}))

	rep, err := s.InspectPort(t.Context())
	require.NoError(t, err)
	assert.True(t, rep.Open)
	assert.False(t, rep.Managed)

	err = s.ReleasePort(t.Context())
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestGatewayArgsLANBind(t *testing.T) {
	args := gatewayArgs(appconfig.Gateway{Port: 31000, Bind: appconfig.BindLAN}, nil)
	assert.Equal(t, []string{"gateway", "--port", "31000", "--bind", "lan", "--allow-unconfigured"}, args)
}

func TestGatewayArgsMergeKeepsEnforcedFlags(t *testing.T) {
	gw := appconfig.Gateway{Port: 31000, Bind: appconfig.BindLoopback}
	args := gatewayArgs(gw, []string{"gateway", "--verbose", "--port", "9", "--bind=lan", "--allow-unconfigured", "--log-level", "debug"})
	assert.Equal(t, []string{
		"gateway", "--verbose", "--log-level", "debug",
		"--port", "31000", "--bind", "loopback", "--allow-unconfigured",
	}, args)
}

func TestStartUsesStoredLaunchArgs(t *testing.T) {
	s, proc, store := testSupervisor(t)
	require.NoError(t, store.SaveInstallState(&state.InstallState{
		Method:     state.MethodNpm,
		Version:    "2.0.0",
		InstallDir: t.TempDir(),
		LaunchArgs: []string{"--verbose"},
	}))

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.Len(t, proc.spawns, 1)
	assert.Equal(t, []string{"openclaw", "gateway", "--verbose", "--port", "28789", "--bind", "loopback", "--allow-unconfigured"}, proc.spawns[0])
}

func TestRestartStartsEvenWhenStopFails(t *testing.T) {
	s, proc, _ := testSupervisor(t)

	first, err := s.Start(t.Context())
	require.NoError(t, err)

	// kill reports failure for a process that is in fact already gone
	s.kill = func(pid int, grace time.Duration) error {
		proc.crash(pid)
		return errors.New("no such process")
	}
	second, err := s.Restart(t.Context())
	require.NoError(t, err, "a failed stop must not abort the restart")
	assert.NotEqual(t, first.PID, second.PID)
	assert.Len(t, proc.spawns, 2)
}

func TestStartExportsStoredCredentials(t *testing.T) {
	s, proc, _ := testSupervisor(t)
	require.NoError(t, os.WriteFile(s.layout.EnvPath(), []byte("OPENAI_API_KEY=sk-test\nKIMI_REGION=cn\n"), 0o600))

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.Len(t, proc.envs, 1)
	assert.Equal(t, []string{"KIMI_REGION=cn", "OPENAI_API_KEY=sk-test"}, proc.envs[0])
}
