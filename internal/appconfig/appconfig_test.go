package appconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/state"
)

func testReader(t *testing.T) (*Reader, paths.Layout, *state.Store) {
	t.Helper()
	layout := paths.Layout{DataRoot: t.TempDir(), AppHome: t.TempDir()}
	store := state.NewStore(layout)
	return New(layout, store), layout, store
}

func TestEffectiveGatewayDefaults(t *testing.T) {
	r, _, _ := testReader(t)
	gw, err := r.EffectiveGateway()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, gw.Port)
	assert.Equal(t, BindLoopback, gw.Bind)
	assert.Equal(t, "127.0.0.1", gw.BindAddr())
}

func TestEffectiveGatewayFromLastConfig(t *testing.T) {
	r, _, store := testReader(t)
	require.NoError(t, store.SaveLastConfig(&state.ConfigInput{
		GatewayPort:  31000,
		GatewayBind:  BindLAN,
		AuthMode:     "token",
		GatewayToken: "tok",
	}))

	gw, err := r.EffectiveGateway()
	require.NoError(t, err)
	assert.Equal(t, 31000, gw.Port)
	assert.Equal(t, "0.0.0.0", gw.BindAddr())
	assert.Equal(t, "127.0.0.1", gw.ProbeHost())
	assert.Equal(t, "tok", gw.Token)
}

func TestLiveConfigWinsOverLastConfig(t *testing.T) {
	r, layout, store := testReader(t)
	require.NoError(t, store.SaveLastConfig(&state.ConfigInput{GatewayPort: 31000}))
	require.NoError(t, os.WriteFile(layout.ConfigPath(),
		[]byte(`{"gateway":{"port":32000,"bind":"lan","auth":{"mode":"token","token":"live"}}}`), 0o600))

	gw, err := r.EffectiveGateway()
	require.NoError(t, err)
	assert.Equal(t, 32000, gw.Port)
	assert.Equal(t, BindLAN, gw.Bind)
	assert.Equal(t, "live", gw.Token)
}

func TestCorruptLiveConfigFallsBack(t *testing.T) {
	r, layout, _ := testReader(t)
	require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte("{broken"), 0o600))

	gw, err := r.EffectiveGateway()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, gw.Port)
}

func TestEnvValues(t *testing.T) {
	r, layout, _ := testReader(t)

	values, err := r.EnvValues()
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, os.WriteFile(layout.EnvPath(), []byte("OPENAI_API_KEY=sk-1\n# comment\n"), 0o600))
	values, err = r.EnvValues()
	require.NoError(t, err)
	assert.Equal(t, "sk-1", values["OPENAI_API_KEY"])
}

func TestConfiguredModel(t *testing.T) {
	r, layout, _ := testReader(t)
	assert.Equal(t, "", r.ConfiguredModel())

	require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte(`{"agent":{"model":"gpt-5"}}`), 0o600))
	assert.Equal(t, "gpt-5", r.ConfiguredModel())
}

func TestCurrent(t *testing.T) {
	r, layout, _ := testReader(t)
	require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte(`{"agent":{"model":"gpt-5"},"gateway":{"port":30123}}`), 0o600))
	require.NoError(t, os.WriteFile(layout.EnvPath(), []byte("OPENAI_API_KEY=sk-1\nKIMI_API_KEY=sk-2\n"), 0o600))

	cur, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, 30123, cur.Gateway.Port)
	assert.Equal(t, "gpt-5", cur.Model)
	assert.Equal(t, []string{"KIMI_API_KEY", "OPENAI_API_KEY"}, cur.CredentialKeys)
}
