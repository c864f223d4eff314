package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "iosmux", cfg.ProgName)
	assert.Equal(t, 30*time.Second, cfg.WebInspector.HandshakeTimeout)
	assert.Equal(t, cfg.Muxd.toEndpoint(), cfg.Endpoint())
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := `
prog_name: my-app
muxd:
  tcp_addr: 127.0.0.1:27015
tss:
  endpoint: https://tss.example.test/TSS/controller?action=2
webinspector:
  handshake_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-app", cfg.ProgName)
	assert.Equal(t, "127.0.0.1:27015", cfg.Muxd.TCPAddr)
	assert.Equal(t, "https://tss.example.test/TSS/controller?action=2", cfg.TSS.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.WebInspector.HandshakeTimeout)
}

func TestLoad_InvalidConfigFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := `
prog_name: ""
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.yaml")
	cfg := Default()
	cfg.ProgName = "roundtrip"

	require.NoError(t, Save(cfg, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.ProgName)
}
