package vsock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNewAllocator_ClampsReservedCIDs(t *testing.T) {
	alloc := NewAllocator(t.TempDir(), 0, 10, 0)
	if alloc.minCID != MinGuestCID {
		t.Errorf("minCID = %d, want %d", alloc.minCID, MinGuestCID)
	}

	lease, err := alloc.Allocate("td")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer lease.Release()
	if lease.CID != MinGuestCID {
		t.Errorf("CID = %d, want %d", lease.CID, MinGuestCID)
	}
}

func TestAllocator_Allocate_RecordsOwner(t *testing.T) {
	alloc := NewAllocator(t.TempDir(), 10, 20, 0)

	lease, err := alloc.Allocate("tdx-boot")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	lockPath := lease.path
	defer lease.Release()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var meta cidMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if meta.Owner != "tdx-boot" {
		t.Errorf("Owner = %q, want tdx-boot", meta.Owner)
	}
	if meta.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", meta.PID, os.Getpid())
	}
}

func TestAllocator_Exhaustion(t *testing.T) {
	alloc := NewAllocator(t.TempDir(), 50, 51, 0)

	var leases []*Lease
	for range 2 {
		lease, err := alloc.Allocate("td")
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		leases = append(leases, lease)
	}
	defer func() {
		for _, l := range leases {
			l.Release()
		}
	}()

	_, err := alloc.Allocate("td")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Allocate() error = %v, want ErrExhausted", err)
	}
}

func TestAllocator_ReleaseAndReuse(t *testing.T) {
	alloc := NewAllocator(t.TempDir(), 10, 10, 0)

	lease1, err := alloc.Allocate("a")
	if err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if err := lease1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lease1.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	lease2, err := alloc.Allocate("b")
	if err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}
	defer lease2.Release()
	if lease2.CID != 10 {
		t.Errorf("reused CID = %d, want 10", lease2.CID)
	}
}

func TestAllocator_Cooldown(t *testing.T) {
	lockDir := t.TempDir()
	cooldown := 100 * time.Millisecond

	lease1, err := NewAllocator(lockDir, 10, 10, 0).Allocate("a")
	if err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if err := lease1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	alloc := NewAllocator(lockDir, 10, 10, cooldown)
	if _, err := alloc.Allocate("b"); err == nil {
		t.Fatal("Allocate() should fail during cooldown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease2, err := alloc.AllocateWait(ctx, "b", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("AllocateWait() error = %v", err)
	}
	defer lease2.Release()
}

func TestAllocator_AllocateWait_ContextDone(t *testing.T) {
	alloc := NewAllocator(t.TempDir(), 10, 10, 0)
	held, err := alloc.Allocate("holder")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = alloc.AllocateWait(ctx, "waiter", 10*time.Millisecond)
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AllocateWait() error = %v, want exhausted + deadline", err)
	}
}

func TestAllocator_CreatesLockDir(t *testing.T) {
	lockDir := filepath.Join(t.TempDir(), "nested", "cid-locks")
	lease, err := NewAllocator(lockDir, 10, 10, 0).Allocate("a")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer lease.Release()

	if info, err := os.Stat(lockDir); err != nil || !info.IsDir() {
		t.Fatalf("lock directory not created: %v", err)
	}
}

func TestLease_Release_Nil(t *testing.T) {
	var nilLease *Lease
	if err := nilLease.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
	if err := (&Lease{}).Release(); err != nil {
		t.Errorf("empty Release() error = %v", err)
	}
}

func TestIsCoolingDown(t *testing.T) {
	now := time.Now()
	recent := now.Add(-100 * time.Millisecond)
	old := now.Add(-time.Hour)

	tests := []struct {
		name     string
		meta     cidMetadata
		cooldown time.Duration
		want     bool
	}{
		{"no cooldown", cidMetadata{ReleasedAt: &recent}, 0, false},
		{"recently released", cidMetadata{ReleasedAt: &recent}, time.Second, true},
		{"released long ago", cidMetadata{ReleasedAt: &old}, time.Second, false},
		{"allocated recently, never released", cidMetadata{AllocatedAt: recent}, time.Second, true},
		{"empty metadata", cidMetadata{}, time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isCoolingDown(now, tt.meta, nil, tt.cooldown); got != tt.want {
				t.Errorf("isCoolingDown() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllocator_Concurrent(t *testing.T) {
	alloc := NewAllocator(t.TempDir(), 100, 110, 0)

	const goroutines = 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []*Lease
	)
	for range goroutines {
		wg.Go(func() {
			lease, err := alloc.Allocate("td")
			if err != nil {
				t.Errorf("concurrent Allocate() error = %v", err)
				return
			}
			mu.Lock()
			leases = append(leases, lease)
			mu.Unlock()
		})
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, l := range leases {
		if seen[l.CID] {
			t.Errorf("duplicate CID allocated concurrently: %d", l.CID)
		}
		seen[l.CID] = true
		l.Release()
	}
	if len(leases) != goroutines {
		t.Errorf("got %d leases, want %d", len(leases), goroutines)
	}
}

func TestAllocator_SkipsLockedCIDs(t *testing.T) {
	lockDir := t.TempDir()

	held, err := os.OpenFile(filepath.Join(lockDir, "10.lock"), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if err := unix.Flock(int(held.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("Flock() error = %v", err)
	}
	defer func() {
		_ = unix.Flock(int(held.Fd()), unix.LOCK_UN)
		_ = held.Close()
	}()

	lease, err := NewAllocator(lockDir, 10, 15, 0).Allocate("td")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer lease.Release()
	if lease.CID != 11 {
		t.Errorf("CID = %d, want 11 (first available after locked 10)", lease.CID)
	}
}
