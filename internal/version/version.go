// Package version reports the build of the harness binaries.
//
// Release builds stamp the variables via ldflags:
//
//	go build -ldflags "-X github.com/spin-stack/tdxharness/internal/version.Version=v1.0.0"
//
// Plain "go build" and "go install" builds fall back to the VCS data the
// toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the semantic version (e.g., "v1.0.0" or "dev").
	Version = "dev"

	// GitCommit is the git commit SHA.
	GitCommit = "unknown"

	// BuildDate is the build timestamp in RFC3339 format.
	BuildDate = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	commit, date := GitCommit, BuildDate
	if commit == "unknown" || date == "unknown" {
		c, d, modified := vcsInfo()
		if commit == "unknown" && c != "" {
			commit = c
			if modified {
				commit += "-dirty"
			}
		}
		if date == "unknown" && d != "" {
			date = d
		}
	}
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)",
		Version, commit, date, runtime.Version())
}

// Short returns just the version string.
func Short() string {
	return Version
}

func vcsInfo() (revision, time string, modified bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", "", false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			time = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	return revision, time, modified
}
