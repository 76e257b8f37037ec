//go:build linux

package qemu

import (
	"context"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"

	"github.com/spin-stack/tdxharness/internal/config"
	"github.com/spin-stack/tdxharness/internal/ledger"
	"github.com/spin-stack/tdxharness/internal/vsock"
)

// Fleet is the set of live instances of a test session. Instances join
// when created and leave when stopped or destroyed, so StopAll can release
// host resources (TDX key slots, CIDs) held by anything still running.
//
// The debug flag preserves working directories on Destroy; it applies to
// every instance of the fleet.
//
// Thread safety: Fleet is safe for concurrent use.
type Fleet struct {
	mu        sync.Mutex
	instances []*Instance

	debug  atomic.Bool
	ledger *ledger.Ledger
	cids   *vsock.Allocator
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithDebug sets the initial debug flag, overriding TDXTEST_DEBUG.
func WithDebug(debug bool) FleetOption {
	return func(f *Fleet) { f.debug.Store(debug) }
}

// WithLedger records every started instance in l.
func WithLedger(l *ledger.Ledger) FleetOption {
	return func(f *Fleet) { f.ledger = l }
}

// WithCIDAllocator enables Instance.AllocateVsock.
func WithCIDAllocator(a *vsock.Allocator) FleetOption {
	return func(f *Fleet) { f.cids = a }
}

// NewFleet returns an empty fleet. The debug flag starts from TDXTEST_DEBUG.
func NewFleet(opts ...FleetOption) *Fleet {
	f := &Fleet{}
	f.debug.Store(config.ParseDebug(os.Getenv(config.DebugEnvVar)))
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds q. Registering twice is a no-op.
func (f *Fleet) Register(q *Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slices.Contains(f.instances, q) {
		return
	}
	f.instances = append(f.instances, q)
}

// Unregister removes q if present.
func (f *Fleet) Unregister(q *Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = slices.DeleteFunc(f.instances, func(i *Instance) bool { return i == q })
}

// Len returns the number of live instances.
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// Instances returns a snapshot of the live instances in creation order.
func (f *Fleet) Instances() []*Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.instances)
}

// SetDebug toggles working directory preservation. Tests set it when they
// fail so the artifacts survive teardown.
func (f *Fleet) SetDebug(debug bool) {
	f.debug.Store(debug)
}

// Debug reports whether working directories are preserved.
func (f *Fleet) Debug() bool {
	return f.debug.Load()
}

// Ledger returns the run ledger, or nil.
func (f *Fleet) Ledger() *ledger.Ledger {
	return f.ledger
}

// StopAll stops every live instance concurrently and waits for all of them.
func (f *Fleet) StopAll(ctx context.Context) {
	instances := f.Instances()
	if len(instances) == 0 {
		return
	}
	log.G(ctx).WithField("count", len(instances)).Info("qemu: stopping all instances")

	var wg sync.WaitGroup
	for _, q := range instances {
		wg.Go(func() { q.Stop(ctx) })
	}
	wg.Wait()
}
