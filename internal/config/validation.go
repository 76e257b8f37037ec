package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateGuest(); err != nil {
		return fmt.Errorf("guest: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.WorkDir, "work_dir"); err != nil {
		return err
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("state_dir: must be absolute, got %q", c.Paths.StateDir)
	}

	// The base image is only needed when an instance provisions a disk, so
	// a missing file is reported at provisioning time instead.
	if c.Paths.GuestImage != "" && !filepath.IsAbs(c.Paths.GuestImage) {
		return fmt.Errorf("guest_image: must be absolute, got %q", c.Paths.GuestImage)
	}

	if c.Paths.QEMUPath != "" {
		if err := validateExecutable(c.Paths.QEMUPath, "qemu_path"); err != nil {
			return err
		}
	}
	if c.Paths.QEMUImgPath != "" {
		if err := validateExecutable(c.Paths.QEMUImgPath, "qemu_img_path"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"monitor_retry_interval": c.Timeouts.MonitorRetryInterval,
		"monitor_read_timeout":   c.Timeouts.MonitorReadTimeout,
		"ssh_connect":            c.Timeouts.SSHConnect,
		"shutdown_grace":         c.Timeouts.ShutdownGrace,
		"kill_wait":              c.Timeouts.KillWait,
		"reboot":                 c.Timeouts.Reboot,
		"qmp_command":            c.Timeouts.QMPCommand,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}

	if c.Timeouts.MonitorConnectRetries <= 0 {
		return fmt.Errorf("monitor_connect_retries: must be > 0, got %d", c.Timeouts.MonitorConnectRetries)
	}
	if c.Timeouts.StateRetries <= 0 {
		return fmt.Errorf("state_retries: must be > 0, got %d", c.Timeouts.StateRetries)
	}
	return nil
}

func (c *Config) validateGuest() error {
	if c.Guest.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Guest.SSHPort <= 0 || c.Guest.SSHPort > 65535 {
		return fmt.Errorf("ssh_port: must be 1-65535, got %d", c.Guest.SSHPort)
	}
	if c.Guest.KeyPath != "" {
		if _, err := os.Stat(c.Guest.KeyPath); err != nil {
			return fmt.Errorf("key_path: %w", err)
		}
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
