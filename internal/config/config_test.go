//go:build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/var/tmp/tdxtest/tdx-guest.qcow2", cfg.Paths.GuestImage)
	assert.Equal(t, "/usr/share/ovmf/OVMF.fd", cfg.Paths.OVMF.BIOS)
	assert.Equal(t, "/usr/share/OVMF/OVMF_CODE_4M.ms.fd", cfg.Paths.OVMF.Code)
	assert.Equal(t, "/usr/share/OVMF/OVMF_VARS_4M.fd", cfg.Paths.OVMF.Vars)
	assert.Equal(t, "root", cfg.Guest.User)
	assert.Equal(t, "123456", cfg.Guest.Password)
	assert.Equal(t, 22, cfg.Guest.SSHPort)
	assert.Equal(t, 60, cfg.Timeouts.MonitorConnectRetries)
	assert.Equal(t, time.Second, cfg.Timeouts.GetMonitorRetryInterval())
	assert.Equal(t, 2*time.Second, cfg.Timeouts.GetMonitorReadTimeout())
	assert.Equal(t, 60*time.Second, cfg.Timeouts.GetSSHConnect())
	assert.False(t, cfg.Debug)
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(DebugEnvVar, "")
	t.Setenv(GuestImageEnvVar, "")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Paths.GuestImage, cfg.Paths.GuestImage)
	assert.Equal(t, "root", cfg.Guest.User)
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("paths: [unterminated"), 0600))

	_, err := LoadFrom(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadFrom_ValidConfig(t *testing.T) {
	t.Setenv(DebugEnvVar, "")
	t.Setenv(GuestImageEnvVar, "")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
paths:
  work_dir: ` + tmpDir + `
  state_dir: ` + filepath.Join(tmpDir, "state") + `
  guest_image: /images/guest.qcow2
timeouts:
  monitor_connect_retries: 5
  monitor_read_timeout: 250ms
guest:
  user: tdx
  password: secret
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	cfg, err := LoadFrom(configPath)
	require.NoError(t, err)

	assert.Equal(t, tmpDir, cfg.Paths.WorkDir)
	assert.Equal(t, "/images/guest.qcow2", cfg.Paths.GuestImage)
	assert.Equal(t, 5, cfg.Timeouts.MonitorConnectRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.GetMonitorReadTimeout())
	assert.Equal(t, "tdx", cfg.Guest.User)
	assert.Equal(t, "secret", cfg.Guest.Password)

	// Unset fields fall back to defaults.
	assert.Equal(t, "1s", cfg.Timeouts.MonitorRetryInterval)
	assert.Equal(t, 22, cfg.Guest.SSHPort)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv(DebugEnvVar, "1")
	t.Setenv(GuestImageEnvVar, "/override/guest.qcow2")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := "paths:\n  work_dir: " + tmpDir + "\n  guest_image: /file/guest.qcow2\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	cfg, err := LoadFrom(configPath)
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/override/guest.qcow2", cfg.Paths.GuestImage)
}

func TestApplyDefaults_KeyAuthKeepsEmptyPassword(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	cfg := &Config{Guest: GuestConfig{KeyPath: keyPath}}
	cfg.applyDefaults()

	assert.Empty(t, cfg.Guest.Password)
	assert.Equal(t, "root", cfg.Guest.User)
}

func TestParseDebug(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"0", false},
		{"false", false},
		{"1", true},
		{"true", true},
		{"yes", true},
		{" TRUE ", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDebug(tt.in))
		})
	}
}

func TestGet_Singleton(t *testing.T) {
	t.Cleanup(Reset)
	Reset()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("paths:\n  work_dir: "+tmpDir+"\n"), 0600))
	t.Setenv(ConfigEnvVar, configPath)

	first, err := Get()
	require.NoError(t, err)
	second, err := Get()
	require.NoError(t, err)
	assert.Same(t, first, second)
}
