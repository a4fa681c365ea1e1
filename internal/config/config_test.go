package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "clawdesk.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "npm", cfg.Install.Method)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen: 0.0.0.0:9000\nlog-level: debug\ninstall:\n  method: git\n  source: https://github.com/x/y\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "git", cfg.Install.Method)
	assert.Equal(t, "https://github.com/x/y", cfg.Install.Source)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLayoutOverrides(t *testing.T) {
	data := t.TempDir()
	home := t.TempDir()
	cfg := &Config{DataDir: data, AppHome: home}
	layout, err := cfg.Layout()
	require.NoError(t, err)
	assert.Equal(t, data, layout.DataRoot)
	assert.Equal(t, home, layout.AppHome)
}
