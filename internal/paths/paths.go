// Package paths provides standard filesystem paths used by the harness.
// These helpers take configuration as input to avoid global config coupling.
// QemuPath and QemuImgPath may probe the filesystem when auto-discovering.
package paths

import (
	"os"
	"path/filepath"

	"github.com/spin-stack/tdxharness/internal/config"
)

// WorkDirPrefix is the name prefix of per-instance working directories.
const WorkDirPrefix = "tdxtest-"

// QemuPath returns the full path to the qemu-system-x86_64 binary based on the provided configuration
func QemuPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.QEMUPath != "" {
		return pathsCfg.QEMUPath
	}
	return discover([]string{
		"/usr/bin/qemu-system-x86_64",
		"/usr/local/bin/qemu-system-x86_64",
		"/usr/libexec/qemu-kvm",
	}, "/usr/bin/qemu-system-x86_64")
}

// QemuImgPath returns the full path to the qemu-img binary based on the provided configuration
func QemuImgPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.QEMUImgPath != "" {
		return pathsCfg.QEMUImgPath
	}
	return discover([]string{
		"/usr/bin/qemu-img",
		"/usr/local/bin/qemu-img",
	}, "/usr/bin/qemu-img")
}

// LedgerPath returns the bolt database recording launched instances.
func LedgerPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "ledger.db")
}

// CIDLockDir returns the directory holding vsock CID lease files.
func CIDLockDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "cid-locks")
}

// InstanceWorkDirPattern returns the os.MkdirTemp pattern for an instance.
func InstanceWorkDirPattern(name string) string {
	if name == "" {
		return WorkDirPrefix
	}
	return WorkDirPrefix + name + "-"
}

func discover(candidates []string, fallback string) string {
	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}
	return fallback
}

// fileExists checks if a file exists, resolving symlinks to the real path.
// This surfaces the real target but does not prevent TOCTOU issues.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}
