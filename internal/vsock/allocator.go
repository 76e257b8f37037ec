package vsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrExhausted is returned when every CID in range is leased or cooling down.
var ErrExhausted = errors.New("no available vsock CID")

// Allocator hands out guest CIDs using one lock file per CID. The lease
// holder keeps an exclusive flock for the lifetime of the guest, so parallel
// test binaries on one host never hand the same CID to two guests.
type Allocator struct {
	lockDir  string
	minCID   uint32
	maxCID   uint32
	cooldown time.Duration
}

// Lease represents a CID reservation. Release must be called when done.
type Lease struct {
	CID  uint32
	file *os.File
	path string
}

type cidMetadata struct {
	PID         int        `json:"pid"`
	Owner       string     `json:"owner,omitempty"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// NewAllocator creates a CID allocator over [minCID, maxCID]. A released
// CID is not handed out again until cooldown has passed, giving the kernel
// time to tear down the previous vhost-vsock device.
func NewAllocator(lockDir string, minCID, maxCID uint32, cooldown time.Duration) *Allocator {
	if minCID < MinGuestCID {
		minCID = MinGuestCID
	}
	return &Allocator{
		lockDir:  lockDir,
		minCID:   minCID,
		maxCID:   maxCID,
		cooldown: cooldown,
	}
}

// DefaultAllocator covers the full harness range with a short cooldown.
func DefaultAllocator(lockDir string) *Allocator {
	return NewAllocator(lockDir, MinGuestCID, DefaultMaxGuestCID, 2*time.Second)
}

// Allocate finds an available CID for owner (an instance name, recorded in
// the lock file for debugging) and returns a lease that must be released.
func (a *Allocator) Allocate(owner string) (*Lease, error) {
	if err := os.MkdirAll(a.lockDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create CID lock directory: %w", err)
	}

	now := time.Now()
	for cid := a.minCID; cid <= a.maxCID; cid++ {
		lease, ok := a.tryLock(cid, owner, now)
		if ok {
			return lease, nil
		}
	}
	return nil, fmt.Errorf("%w in range [%d, %d]", ErrExhausted, a.minCID, a.maxCID)
}

// AllocateWait retries Allocate until a CID frees up or ctx is done.
func (a *Allocator) AllocateWait(ctx context.Context, owner string, interval time.Duration) (*Lease, error) {
	for {
		lease, err := a.Allocate(owner)
		if err == nil || !errors.Is(err, ErrExhausted) {
			return lease, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (a *Allocator) tryLock(cid uint32, owner string, now time.Time) (*Lease, bool) {
	lockPath := filepath.Join(a.lockDir, fmt.Sprintf("%d.lock", cid))
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, false
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, false
	}

	unlock := func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}

	info, _ := f.Stat()
	if isCoolingDown(now, readMetadata(f), info, a.cooldown) {
		unlock()
		return nil, false
	}
	meta := cidMetadata{PID: os.Getpid(), Owner: owner, AllocatedAt: now}
	if err := writeMetadata(f, meta); err != nil {
		unlock()
		return nil, false
	}
	return &Lease{CID: cid, file: f, path: lockPath}, true
}

// Release frees the CID and stamps the release time. Safe to call repeatedly.
func (l *Lease) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	meta := readMetadata(l.file)
	now := time.Now()
	if meta.AllocatedAt.IsZero() {
		meta.AllocatedAt = now
	}
	meta.PID = os.Getpid()
	meta.ReleasedAt = &now
	_ = writeMetadata(l.file, meta)
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

func readMetadata(f *os.File) cidMetadata {
	if _, err := f.Seek(0, 0); err != nil {
		return cidMetadata{}
	}
	var meta cidMetadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return cidMetadata{}
	}
	return meta
}

func writeMetadata(f *os.File, meta cidMetadata) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(meta)
}

func isCoolingDown(now time.Time, meta cidMetadata, info os.FileInfo, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}

	var last time.Time
	switch {
	case meta.ReleasedAt != nil:
		last = *meta.ReleasedAt
	case !meta.AllocatedAt.IsZero():
		last = meta.AllocatedAt
	case info != nil:
		last = info.ModTime()
	}

	if last.IsZero() {
		return false
	}
	return now.Sub(last) < cooldown
}
