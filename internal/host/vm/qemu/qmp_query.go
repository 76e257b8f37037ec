//go:build linux

package qemu

import (
	"context"
)

// CPUInfo describes one vCPU as reported by query-cpus-fast.
type CPUInfo struct {
	CPUIndex int    `json:"cpu-index"`
	QOMPath  string `json:"qom-path"`
	Thread   int    `json:"thread-id"`
	Target   string `json:"target"`
}

// MemorySizeSummary is the reply to query-memory-size-summary.
type MemorySizeSummary struct {
	BaseMemory    int64 `json:"base-memory"`
	PluggedMemory int64 `json:"plugged-memory"`
}

// QueryCPUs returns the guest's vCPUs.
func (q *QMPClient) QueryCPUs(ctx context.Context) ([]CPUInfo, error) {
	return qmpQuery[[]CPUInfo](ctx, q, "query-cpus-fast")
}

// QueryMemorySizeSummary returns the guest RAM size.
func (q *QMPClient) QueryMemorySizeSummary(ctx context.Context) (*MemorySizeSummary, error) {
	return qmpQuery[*MemorySizeSummary](ctx, q, "query-memory-size-summary")
}
