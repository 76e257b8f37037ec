//go:build linux

package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// shutdownRequestTimeout bounds the powerdown request, including the
// monitor connect when no channel is open yet.
const shutdownRequestTimeout = 10 * time.Second

// WaitExit blocks until the process exits and returns its status and
// output. A zero timeout waits indefinitely. On timeout the process is
// left running and *TimeoutError is returned.
func (q *Instance) WaitExit(ctx context.Context, timeout time.Duration) (*ExitResult, error) {
	exited := q.exitedChan()
	if exited == nil {
		return nil, ErrNotRunning
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-exited:
		return q.exitResult(), nil
	case <-expired:
		return nil, &TimeoutError{Op: "wait for qemu exit", Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Instance) exitResult() *ExitResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &ExitResult{
		Code:   q.exitCode,
		Stdout: q.stdout.Bytes(),
		Stderr: q.stderr.Bytes(),
	}
}

// RequestShutdown asks the guest to power down through the monitor, or
// through QMP when no monitor is registered. It reports whether a request
// was delivered; it is false when the process is not running, and channel
// errors are logged rather than returned.
func (q *Instance) RequestShutdown(ctx context.Context) bool {
	if !q.Running() {
		return false
	}
	logger := log.G(ctx).WithField("instance", q.name)

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownRequestTimeout)
	defer cancel()

	if q.asm.ControlSocketPath() != "" {
		ch, err := q.ControlChannel(reqCtx)
		if err == nil {
			err = ch.PowerDown(reqCtx)
		}
		if err == nil {
			logger.Debug("qemu: powerdown requested via monitor")
			return true
		}
		logger.WithError(err).Debug("qemu: monitor powerdown failed")
	}

	if q.asm.CommandSocketPath() != "" {
		c, err := q.CommandChannel(reqCtx)
		if err == nil {
			err = c.SystemPowerdown(reqCtx)
		}
		if err == nil {
			logger.Debug("qemu: powerdown requested via QMP")
			return true
		}
		logger.WithError(err).Debug("qemu: QMP powerdown failed")
	}
	return false
}

// Stop brings the instance to its terminal state. It asks the guest to
// power down, waits up to the shutdown grace period, then escalates to
// SIGTERM and SIGKILL. Stop never fails: teardown problems are logged.
// A stopped instance leaves the fleet. Calling Stop on an instance that
// never started does nothing else; a later or concurrent Stop returns once
// the first one has finished.
func (q *Instance) Stop(ctx context.Context) {
	logger := log.G(ctx).WithField("instance", q.name)

	switch {
	case q.compareAndSwapState(stateCreated, stateStopped):
		logger.Debug("qemu: stopped before start")
	case q.compareAndSwapState(stateRunning, stateStopped):
		q.terminate(context.WithoutCancel(ctx), logger)
		q.closeChannels(logger)
		logger.Info("qemu: instance stopped")
	default:
		<-q.stopped
		return
	}

	q.fleet.Unregister(q)
	close(q.stopped)
}

func (q *Instance) terminate(ctx context.Context, logger *log.Entry) {
	if !q.Running() {
		logger.Debug("qemu: process already exited")
		return
	}

	if q.RequestShutdown(ctx) {
		if _, err := q.WaitExit(ctx, q.cfg.ShutdownGrace); err == nil {
			return
		}
		logger.WithField("grace", q.cfg.ShutdownGrace).Warn("qemu: guest ignored powerdown")
	}

	for _, sig := range []unix.Signal{unix.SIGTERM, unix.SIGKILL} {
		pid := q.PID()
		if pid == 0 || !q.Running() {
			return
		}
		logger.WithField("signal", sig).Warn("qemu: signalling process")
		if err := q.signal(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			logger.WithError(err).WithField("signal", sig).Error("qemu: failed to signal process")
		}
		if _, err := q.WaitExit(ctx, q.cfg.KillWait); err == nil {
			return
		}
	}
	logger.Error("qemu: process did not exit after SIGKILL")
}

// Reboot powers the guest off from inside (sync && poweroff), waits for
// QEMU to exit and starts it again with the same command line, working
// directory and disk.
func (q *Instance) Reboot(ctx context.Context) error {
	if q.getState() != stateRunning {
		return fmt.Errorf("reboot from %s: %w", q.getState(), ErrInvalidStateTransition)
	}
	logger := log.G(ctx).WithField("instance", q.name)

	rc, err := q.RemoteChannel(ctx)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if err := rc.SyncPowerOff(ctx); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if _, err := q.WaitExit(ctx, q.cfg.RebootTimeout); err != nil {
		return fmt.Errorf("reboot: guest did not power off: %w", err)
	}
	q.closeChannels(logger)

	if q.getState() != stateRunning {
		return fmt.Errorf("reboot: instance stopped meanwhile: %w", ErrInvalidStateTransition)
	}
	logger.Info("qemu: restarting after guest poweroff")
	return q.startProcess(ctx)
}

// Destroy stops the instance and releases everything it owns. The working
// directory is removed unless the fleet is in debug mode. Destroy never
// fails and is idempotent. It waits for a Stop already in progress, so the
// working directory and sockets outlive the process.
func (q *Instance) Destroy(ctx context.Context) {
	if !q.destroyed.CompareAndSwap(false, true) {
		return
	}
	logger := log.G(ctx).WithField("instance", q.name)

	q.Stop(ctx)

	var result *multierror.Error

	q.mu.Lock()
	cons, lease := q.console, q.cidLease
	q.console, q.cidLease = nil, nil
	q.mu.Unlock()

	if cons != nil {
		if err := cons.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("console: %w", err))
		}
	}
	if err := q.asm.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := lease.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release CID: %w", err))
	}
	if l := q.fleet.Ledger(); l != nil {
		if err := l.Remove(context.WithoutCancel(ctx), q.ledgerID); err != nil {
			result = multierror.Append(result, fmt.Errorf("ledger: %w", err))
		}
	}

	if q.fleet.Debug() {
		logger.WithField("workdir", q.workdir).Info("qemu: debug mode, keeping working directory")
	} else if err := os.RemoveAll(q.workdir); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove working directory: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.WithError(err).Warn("qemu: teardown incomplete")
	}
	q.fleet.Unregister(q)
}

// closeAndLog is a helper to close a resource and log any errors.
// It checks for nil before closing to avoid panics.
func closeAndLog(logger *log.Entry, name string, closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WithError(err).WithField("resource", name).Debug("error closing resource")
	}
}
