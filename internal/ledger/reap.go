package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// ReapOptions controls Reap.
type ReapOptions struct {
	// DryRun reports what would be reaped without touching anything.
	DryRun bool
	// KeepWorkdirs leaves working directories in place.
	KeepWorkdirs bool
	// KillWait bounds the wait for a killed process to disappear (default 5s).
	KillWait time.Duration
	// Force reaps records whose owning harness is still running.
	Force bool
}

// Reaped describes the outcome for one record.
type Reaped struct {
	Record
	// Alive reports whether the recorded process was still running.
	Alive bool
	// OwnerAlive reports whether the harness that launched it still runs.
	// Such records are skipped unless ReapOptions.Force is set.
	OwnerAlive bool
	// Killed reports whether a SIGKILL was delivered.
	Killed bool
	// WorkdirRemoved reports whether the working directory was deleted.
	WorkdirRemoved bool
}

const procRoot = "/proc"

// Reap kills recorded processes that are still alive, removes their working
// directories, and drops their records. Records whose owning harness is
// still running belong to a concurrent run and are left alone unless
// opts.Force is set. A PID is only killed when its command line still
// references the recorded working directory, so a recycled PID is left
// alone.
func Reap(ctx context.Context, l *Ledger, opts ReapOptions) ([]Reaped, error) {
	if opts.KillWait <= 0 {
		opts.KillWait = 5 * time.Second
	}
	records, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result []Reaped
		errs   *multierror.Error
	)
	for _, rec := range records {
		logger := log.G(ctx).WithFields(log.Fields{
			"name":    rec.Name,
			"pid":     rec.PID,
			"workdir": rec.Workdir,
		})
		r := Reaped{Record: rec, Alive: ownsProcess(rec), OwnerAlive: rec.Owner.Alive()}
		if opts.DryRun {
			result = append(result, r)
			continue
		}
		if r.OwnerAlive && !opts.Force {
			logger.WithField("owner", rec.Owner.PID).Debug("ledger: owner still running, skipping")
			result = append(result, r)
			continue
		}

		if r.Alive {
			logger.Info("ledger: killing leftover hypervisor")
			if err := killGroup(rec.PID); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("kill %d: %w", rec.PID, err))
			} else {
				r.Killed = true
				waitGone(ctx, rec.PID, opts.KillWait)
			}
		}

		if !opts.KeepWorkdirs && !rec.Debug && rec.Workdir != "" {
			if err := os.RemoveAll(rec.Workdir); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("remove %s: %w", rec.Workdir, err))
			} else {
				r.WorkdirRemoved = true
			}
		}

		if err := l.Remove(ctx, rec.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
		result = append(result, r)
	}
	return result, errs.ErrorOrNil()
}

// ownsProcess reports whether rec.PID is alive and still the process the
// record describes.
func ownsProcess(rec Record) bool {
	if rec.PID <= 0 {
		return false
	}
	if err := unix.Kill(rec.PID, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	cmdline, err := os.ReadFile(procRoot + "/" + strconv.Itoa(rec.PID) + "/cmdline")
	if err != nil {
		return false
	}
	if rec.Workdir == "" {
		return false
	}
	return bytes.Contains(cmdline, []byte(rec.Workdir))
}

// killGroup signals the process group QEMU leads (it is started with
// Setpgid), falling back to the bare PID.
func killGroup(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	return unix.Kill(pid, unix.SIGKILL)
}

func waitGone(ctx context.Context, pid int, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
