// Package config provides centralized configuration management for the TDX
// guest harness. Configuration is loaded from a YAML file at
// /etc/tdxtest/config.yaml (overridable via the TDXTEST_CONFIG environment
// variable). A missing file is not an error: the harness runs with defaults so
// that a bare checkout can drive a local hypervisor.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/tdxtest/config.yaml"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "TDXTEST_CONFIG"

	// DebugEnvVar keeps instance working directories after teardown when set.
	DebugEnvVar = "TDXTEST_DEBUG"

	// GuestImageEnvVar overrides the shared base guest image.
	GuestImageEnvVar = "TDXTEST_GUEST_IMG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Guest    GuestConfig    `yaml:"guest"`

	// Debug preserves working directories and logs of every instance.
	Debug bool `yaml:"debug"`
}

// PathsConfig defines filesystem paths used by the harness
type PathsConfig struct {
	QEMUPath    string     `yaml:"qemu_path"`     // QEMU binary location (auto-discovered if empty)
	QEMUImgPath string     `yaml:"qemu_img_path"` // qemu-img location (auto-discovered if empty)
	GuestImage  string     `yaml:"guest_image"`   // Shared read-only base image
	WorkDir     string     `yaml:"work_dir"`      // Parent of per-instance working directories
	StateDir    string     `yaml:"state_dir"`     // Run ledger and CID lock files
	OVMF        OVMFConfig `yaml:"ovmf"`
}

// OVMFConfig holds firmware locations.
type OVMFConfig struct {
	BIOS string `yaml:"bios"` // Monolithic firmware blob passed with -bios
	Code string `yaml:"code"` // Read-only pflash code image
	Vars string `yaml:"vars"` // Variable store template, copied per instance
}

// TimeoutsConfig defines timeouts and retry budgets for lifecycle operations.
// Durations are strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// MonitorConnectRetries is how many times to dial the monitor socket.
	// Default: 60.
	MonitorConnectRetries int `yaml:"monitor_connect_retries"`

	// MonitorRetryInterval is the pause between monitor dial attempts.
	// Default: 1s.
	MonitorRetryInterval string `yaml:"monitor_retry_interval"`

	// MonitorReadTimeout is the silence that ends a monitor response.
	// Default: 2s.
	MonitorReadTimeout string `yaml:"monitor_read_timeout"`

	// StateRetries is the number of status polls used by readiness waits.
	// Default: 5.
	StateRetries int `yaml:"state_retries"`

	// SSHConnect bounds the total time spent dialing the guest.
	// Default: 60s.
	SSHConnect string `yaml:"ssh_connect"`

	// ShutdownGrace is how long to wait for the guest after a powerdown request.
	// Default: 30s.
	ShutdownGrace string `yaml:"shutdown_grace"`

	// KillWait is how long to wait after each termination signal.
	// Default: 5s.
	KillWait string `yaml:"kill_wait"`

	// Reboot bounds the wait for the process to exit during a reboot.
	// Default: 120s.
	Reboot string `yaml:"reboot"`

	// QMPCommand is the default timeout for QMP commands.
	// Default: 5s.
	QMPCommand string `yaml:"qmp_command"`
}

// GetMonitorRetryInterval returns the monitor dial backoff as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetMonitorRetryInterval() time.Duration {
	return mustParseDuration(t.MonitorRetryInterval)
}

// GetMonitorReadTimeout returns the monitor read timeout as a time.Duration.
func (t *TimeoutsConfig) GetMonitorReadTimeout() time.Duration {
	return mustParseDuration(t.MonitorReadTimeout)
}

// GetSSHConnect returns the SSH connect deadline as a time.Duration.
func (t *TimeoutsConfig) GetSSHConnect() time.Duration {
	return mustParseDuration(t.SSHConnect)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(t.ShutdownGrace)
}

// GetKillWait returns the post-signal wait as a time.Duration.
func (t *TimeoutsConfig) GetKillWait() time.Duration {
	return mustParseDuration(t.KillWait)
}

// GetReboot returns the reboot exit wait as a time.Duration.
func (t *TimeoutsConfig) GetReboot() time.Duration {
	return mustParseDuration(t.Reboot)
}

// GetQMPCommand returns the QMP command timeout as a time.Duration.
func (t *TimeoutsConfig) GetQMPCommand() time.Duration {
	return mustParseDuration(t.QMPCommand)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// GuestConfig describes how to log into guests.
type GuestConfig struct {
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	KeyPath   string `yaml:"key_path"`
	SSHPort   int    `yaml:"ssh_port"` // Port sshd listens on inside the guest
	KernelArg string `yaml:"kernel_args"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// Callers must ensure no concurrent Get() calls are in progress.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from TDXTEST_CONFIG or /etc/tdxtest/config.yaml.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path, applies defaults and
// environment overrides, then validates the result.
func LoadFrom(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid YAML)", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			QEMUPath:    "", // Auto-discovered
			QEMUImgPath: "", // Auto-discovered
			GuestImage:  "/var/tmp/tdxtest/tdx-guest.qcow2",
			WorkDir:     defaultWorkDir(),
			StateDir:    filepath.Join(defaultWorkDir(), "tdxtest-state"),
			OVMF: OVMFConfig{
				BIOS: "/usr/share/ovmf/OVMF.fd",
				Code: "/usr/share/OVMF/OVMF_CODE_4M.ms.fd",
				Vars: "/usr/share/OVMF/OVMF_VARS_4M.fd",
			},
		},
		Timeouts: TimeoutsConfig{
			MonitorConnectRetries: 60,
			MonitorRetryInterval:  "1s",
			MonitorReadTimeout:    "2s",
			StateRetries:          5,
			SSHConnect:            "60s",
			ShutdownGrace:         "30s",
			KillWait:              "5s",
			Reboot:                "120s",
			QMPCommand:            "5s",
		},
		Guest: GuestConfig{
			User:      "root",
			Password:  "123456",
			SSHPort:   22,
			KernelArg: "root=/dev/vda1 console=ttyS0",
		},
	}
}

// defaultWorkDir prefers the per-user runtime directory (tmpfs) and falls
// back to the OS temp dir.
func defaultWorkDir() string {
	runDir := filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
	if info, err := os.Stat(runDir); err == nil && info.IsDir() {
		return runDir
	}
	return os.TempDir()
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyGuestDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.GuestImage == "" {
		c.Paths.GuestImage = defaults.Paths.GuestImage
	}
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = defaults.Paths.WorkDir
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.OVMF.BIOS == "" {
		c.Paths.OVMF.BIOS = defaults.Paths.OVMF.BIOS
	}
	if c.Paths.OVMF.Code == "" {
		c.Paths.OVMF.Code = defaults.Paths.OVMF.Code
	}
	if c.Paths.OVMF.Vars == "" {
		c.Paths.OVMF.Vars = defaults.Paths.OVMF.Vars
	}
	// QEMUPath and QEMUImgPath are intentionally left empty for auto-discovery
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.MonitorConnectRetries == 0 {
		c.Timeouts.MonitorConnectRetries = defaults.Timeouts.MonitorConnectRetries
	}
	if c.Timeouts.MonitorRetryInterval == "" {
		c.Timeouts.MonitorRetryInterval = defaults.Timeouts.MonitorRetryInterval
	}
	if c.Timeouts.MonitorReadTimeout == "" {
		c.Timeouts.MonitorReadTimeout = defaults.Timeouts.MonitorReadTimeout
	}
	if c.Timeouts.StateRetries == 0 {
		c.Timeouts.StateRetries = defaults.Timeouts.StateRetries
	}
	if c.Timeouts.SSHConnect == "" {
		c.Timeouts.SSHConnect = defaults.Timeouts.SSHConnect
	}
	if c.Timeouts.ShutdownGrace == "" {
		c.Timeouts.ShutdownGrace = defaults.Timeouts.ShutdownGrace
	}
	if c.Timeouts.KillWait == "" {
		c.Timeouts.KillWait = defaults.Timeouts.KillWait
	}
	if c.Timeouts.Reboot == "" {
		c.Timeouts.Reboot = defaults.Timeouts.Reboot
	}
	if c.Timeouts.QMPCommand == "" {
		c.Timeouts.QMPCommand = defaults.Timeouts.QMPCommand
	}
}

func (c *Config) applyGuestDefaults(defaults *Config) {
	if c.Guest.User == "" {
		c.Guest.User = defaults.Guest.User
	}
	if c.Guest.Password == "" && c.Guest.KeyPath == "" {
		c.Guest.Password = defaults.Guest.Password
	}
	if c.Guest.SSHPort == 0 {
		c.Guest.SSHPort = defaults.Guest.SSHPort
	}
	if c.Guest.KernelArg == "" {
		c.Guest.KernelArg = defaults.Guest.KernelArg
	}
}

// applyEnv layers environment overrides on top of the file contents.
func (c *Config) applyEnv(getenv func(string) string) {
	if img := getenv(GuestImageEnvVar); img != "" {
		c.Paths.GuestImage = img
	}
	if v := getenv(DebugEnvVar); v != "" {
		c.Debug = ParseDebug(v)
	}
}

// ParseDebug interprets a debug flag value. Anything that is not a
// recognizable false value enables debug.
func ParseDebug(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}
