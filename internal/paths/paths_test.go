package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHonorsEnvOverrides(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/clawdesk-data")
	t.Setenv(EnvAppHome, "/srv/openclaw-home")

	l := Default()
	assert.Equal(t, "/srv/clawdesk-data", l.DataRoot)
	assert.Equal(t, "/srv/openclaw-home", l.AppHome)
}

func TestDefaultAppHomeUnderDataRoot(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/clawdesk-data")
	t.Setenv(EnvAppHome, "")

	l := Default()
	assert.Equal(t, filepath.Join("/srv/clawdesk-data", "openclaw"), l.AppHome)
}

func TestLayoutAccessors(t *testing.T) {
	l := Layout{DataRoot: "/data", AppHome: "/home/app"}

	assert.Equal(t, filepath.Join("/data", "state"), l.StateDir())
	assert.Equal(t, filepath.Join("/data", "run"), l.RunDir())
	assert.Equal(t, filepath.Join("/data", "logs"), l.LogsDir())
	assert.Equal(t, filepath.Join("/data", "backups"), l.BackupsDir())
	assert.Equal(t, filepath.Join("/data", "run", "openclaw.pid"), l.PidFile())
	assert.Equal(t, filepath.Join("/home/app", "openclaw.json"), l.ConfigPath())
	assert.Equal(t, filepath.Join("/home/app", ".env"), l.EnvPath())
	assert.Equal(t, filepath.Join("/home/app", "workspace"), l.WorkspaceDir())
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	l := Layout{DataRoot: filepath.Join(root, "data"), AppHome: filepath.Join(root, "apphome")}
	require.NoError(t, l.EnsureDirs())

	for _, dir := range []string{l.StateDir(), l.RunDir(), l.LogsDir(), l.BackupsDir(), l.AppHome} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestIsProtectedInstallDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.True(t, IsProtectedInstallDir(filepath.Join(home, ".openclaw")))
	assert.True(t, IsProtectedInstallDir(filepath.Join(home, ".clawdbot")))
	assert.True(t, IsProtectedInstallDir(filepath.Join(home, ".moltbot", "..", ".moltbot")))
	assert.False(t, IsProtectedInstallDir(filepath.Join(home, "openclaw")))
	assert.False(t, IsProtectedInstallDir("/opt/openclaw"))
}

func TestNormalize(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("CLAWDESK_TEST_DIR", "/opt/apps")

	cases := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/tools/openclaw", filepath.Join(home, "tools", "openclaw")},
		{"$CLAWDESK_TEST_DIR/openclaw", filepath.Join("/opt/apps", "openclaw")},
		{"%CLAWDESK_TEST_DIR%/openclaw", filepath.Join("/opt/apps", "openclaw")},
		{"  /var/lib/openclaw/  ", filepath.Clean("/var/lib/openclaw")},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err = Normalize("   ")
	assert.Error(t, err)
}
