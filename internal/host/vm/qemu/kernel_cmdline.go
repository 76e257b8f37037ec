//go:build linux

package qemu

import (
	"fmt"
	"strings"
)

// KernelCmdline describes the -append string used for direct kernel boot.
type KernelCmdline struct {
	// Root device (e.g., "/dev/vda1")
	Root string

	// Console device (e.g., "ttyS0")
	Console string

	// Quiet boot (reduces kernel messages)
	Quiet bool

	// LogLevel is emitted when non-zero (0-7, lower is more verbose).
	LogLevel int

	// Extra parameters appended verbatim, quoted when they contain spaces.
	Extra []string
}

// DefaultKernelCmdline boots the guest image's first partition with the
// console on the first serial port.
func DefaultKernelCmdline() KernelCmdline {
	return KernelCmdline{
		Root:    "/dev/vda1",
		Console: "ttyS0",
	}
}

// With returns a copy with extra parameters appended.
func (c KernelCmdline) With(params ...string) KernelCmdline {
	c.Extra = append(append([]string(nil), c.Extra...), params...)
	return c
}

func (c KernelCmdline) String() string {
	var parts []string
	if c.Root != "" {
		parts = append(parts, "root="+c.Root)
	}
	if c.Console != "" {
		parts = append(parts, "console="+c.Console)
	}
	if c.Quiet {
		parts = append(parts, "quiet")
	}
	if c.LogLevel > 0 {
		parts = append(parts, fmt.Sprintf("loglevel=%d", c.LogLevel))
	}
	for _, p := range c.Extra {
		parts = append(parts, quoteParam(p))
	}
	return strings.Join(parts, " ")
}

// quoteParam quotes the value half of key=value when it contains
// whitespace, the form the kernel parser accepts.
func quoteParam(p string) string {
	if !needsQuoting(p) {
		return p
	}
	if k, v, ok := strings.Cut(p, "="); ok {
		return fmt.Sprintf("%s=%q", k, v)
	}
	return fmt.Sprintf("%q", p)
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' {
			return true
		}
	}
	return false
}
