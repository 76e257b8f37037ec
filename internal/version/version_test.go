package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	// Default value should be "dev"
	got := Short()
	if got != "dev" {
		t.Errorf("Short() = %q, want %q", got, "dev")
	}
}

func TestInfo(t *testing.T) {
	oldCommit, oldDate := GitCommit, BuildDate
	t.Cleanup(func() { GitCommit, BuildDate = oldCommit, oldDate })

	GitCommit = "0123abc"
	BuildDate = "2026-01-02T03:04:05Z"
	info := Info()

	for _, want := range []string{Version, GitCommit, BuildDate, runtime.Version()} {
		if !strings.Contains(info, want) {
			t.Errorf("Info() = %q, should contain %q", info, want)
		}
	}
}

func TestInfoWithoutStamp(t *testing.T) {
	// Unstamped builds never print an empty commit.
	info := Info()
	if strings.Contains(info, "commit: ,") {
		t.Errorf("Info() = %q, has an empty commit", info)
	}
}
