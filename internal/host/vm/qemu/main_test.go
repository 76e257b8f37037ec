//go:build linux

package qemu

import (
	"os"
	"testing"

	"github.com/spin-stack/tdxharness/internal/testutil/fakevmm"
)

// TestMain turns the test binary into a fake hypervisor when an instance
// under test spawns it.
func TestMain(m *testing.M) {
	if fakevmm.Enabled() {
		fakevmm.Main()
	}
	os.Exit(m.Run())
}
