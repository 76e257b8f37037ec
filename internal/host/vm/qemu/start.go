//go:build linux

package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"

	"github.com/spin-stack/tdxharness/internal/ledger"
)

// Start renders the command line and spawns QEMU. It does not wait for the
// guest; spawn failures are returned as is and leave the instance startable.
func (q *Instance) Start(ctx context.Context) error {
	if !q.compareAndSwapState(stateCreated, stateRunning) {
		return fmt.Errorf("start from %s: %w", q.getState(), ErrInvalidStateTransition)
	}
	if err := q.startProcess(ctx); err != nil {
		q.setState(stateCreated)
		return err
	}
	return nil
}

// StartAndWaitReady starts QEMU and blocks until the monitor prompt is
// observed.
func (q *Instance) StartAndWaitReady(ctx context.Context) error {
	if err := q.Start(ctx); err != nil {
		return err
	}
	if _, err := q.ControlChannel(ctx); err != nil {
		return fmt.Errorf("wait for monitor: %w", err)
	}
	return nil
}

func (q *Instance) startProcess(ctx context.Context) error {
	argv, err := q.asm.Render()
	if err != nil {
		return err
	}
	logger := log.G(ctx).WithField("instance", q.name)

	var cons *console
	if serial, ok := FragmentAs[*SerialFragment](q.asm); ok && serial.Mode == SerialPipe {
		cons, err = openConsole(ctx, serial.Path, filepath.Join(q.workdir, serialLogName))
		if err != nil {
			return fmt.Errorf("failed to open console FIFO: %w", err)
		}
	}

	stdout, stderr := &syncBuffer{}, &syncBuffer{}

	// The process outlives the caller's context; Stop ends it.
	//nolint:gosec // argv is rendered from the instance's own fragments.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), argv[0], argv[1:]...)
	cmd.Dir = q.workdir
	cmd.Env = append(os.Environ(), q.cfg.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = q.cfg.KillWait

	logger.WithField("argv", argv).Debug("qemu: starting process")
	if err := cmd.Start(); err != nil {
		if cons != nil {
			closeAndLog(logger, "console", cons)
		}
		return fmt.Errorf("failed to start qemu: %w", err)
	}

	exited := make(chan struct{})
	q.mu.Lock()
	prevConsole := q.console
	q.cmd = cmd
	q.exited = exited
	q.exitCode = 0
	q.stdout, q.stderr = stdout, stderr
	q.console = cons
	q.mu.Unlock()
	if prevConsole != nil {
		closeAndLog(logger, "console", prevConsole)
	}

	q.monitorProcess(ctx, cmd, exited)

	logger.WithField("pid", cmd.Process.Pid).Info("qemu: process started")
	q.record(ctx, argv, cmd.Process.Pid)
	return nil
}

// monitorProcess reaps the process and closes exited once the exit status
// is stored.
func (q *Instance) monitorProcess(ctx context.Context, cmd *exec.Cmd, exited chan struct{}) {
	logger := log.G(ctx).WithField("instance", q.name)
	go func() {
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		logger.WithError(err).WithField("code", code).Debug("qemu: process exited")

		q.mu.Lock()
		q.exitCode = code
		q.mu.Unlock()
		close(exited)
	}()
}

// record adds the process to the run ledger. Ledger failures are logged;
// the ledger only serves later reaping.
func (q *Instance) record(ctx context.Context, argv []string, pid int) {
	l := q.fleet.Ledger()
	if l == nil {
		return
	}
	_, err := l.Add(ctx, ledger.Record{
		ID:      q.ledgerID,
		Name:    q.name,
		Workdir: q.workdir,
		PID:     pid,
		Argv:    argv,
		Owner:   ledger.Self(),
		Debug:   q.fleet.Debug(),
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("instance", q.name).Warn("qemu: failed to record instance in ledger")
	}
}
