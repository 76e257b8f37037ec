//go:build linux

package qemu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/tdxharness/internal/host/remote"
	"github.com/spin-stack/tdxharness/internal/ledger"
	"github.com/spin-stack/tdxharness/internal/testutil/fakevmm"
	"github.com/spin-stack/tdxharness/internal/vsock"
)

var fakeControl = ControlOptions{
	ConnectRetries: 200,
	RetryInterval:  25 * time.Millisecond,
	ReadTimeout:    100 * time.Millisecond,
}

// newFakeInstance builds an instance whose hypervisor is this test binary
// acting as fakevmm.
func newFakeInstance(t *testing.T, fleet *Fleet, mutate func(*InstanceConfig)) *Instance {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := InstanceConfig{
		Name:          "vm",
		Binary:        exe,
		WorkRoot:      t.TempDir(),
		Env:           fakevmm.Env(),
		Control:       fakeControl,
		QMPTimeout:    time.Second,
		ShutdownGrace: 3 * time.Second,
		KillWait:      3 * time.Second,
		RebootTimeout: 5 * time.Second,
		Remote: remote.Config{
			ConnectTimeout: 5 * time.Second,
			RetryInterval:  50 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	q, err := NewInstance(context.Background(), fleet, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Destroy(context.Background()) })
	return q
}

// recordSignals wraps the instance's signal function and returns the
// signals it delivers.
func recordSignals(q *Instance) func() []unix.Signal {
	var (
		mu   sync.Mutex
		sent []unix.Signal
	)
	next := q.signal
	q.signal = func(pid int, sig unix.Signal) error {
		mu.Lock()
		sent = append(sent, sig)
		mu.Unlock()
		return next(pid, sig)
	}
	return func() []unix.Signal {
		mu.Lock()
		defer mu.Unlock()
		return append([]unix.Signal(nil), sent...)
	}
}

func TestStateMachine(t *testing.T) {
	q := &Instance{}
	assert.Equal(t, stateCreated, q.getState())

	assert.True(t, q.compareAndSwapState(stateCreated, stateRunning))
	assert.Equal(t, stateRunning, q.getState())

	assert.False(t, q.compareAndSwapState(stateCreated, stateStopped))
	assert.Equal(t, stateRunning, q.getState())

	q.setState(stateStopped)
	assert.Equal(t, "stopped", q.getState().String())
	assert.Equal(t, "unknown", instanceState(42).String())
}

func TestNewInstance_DefaultCommandLine(t *testing.T) {
	fleet := NewFleet(WithDebug(false))
	q := newFakeInstance(t, fleet, nil)

	assert.Equal(t, []FragmentKind{
		KindCPU, KindAccel, KindGraphic, KindUserConfig, KindMemory,
		KindFirmware, KindMachine, KindBoot, KindSerial, KindPortForward, KindRunLog,
	}, q.Command().Kinds())
	assert.NotZero(t, q.ForwardedPort())
	assert.Equal(t, filepath.Join(q.Workdir(), monitorSockName), q.Command().ControlSocketPath())
	assert.Equal(t, filepath.Join(q.Workdir(), qmpSockName), q.Command().CommandSocketPath())
	assert.DirExists(t, q.Workdir())
	assert.Contains(t, filepath.Base(q.Workdir()), "tdxtest-vm-")
	assert.Equal(t, 1, fleet.Len())
}

func TestNewInstance_DisabledServices(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Disable = []Service{ServiceMonitor, ServiceQMP, ServicePortForward}
	})

	assert.Empty(t, q.Command().ControlSocketPath())
	assert.Empty(t, q.Command().CommandSocketPath())
	assert.Zero(t, q.ForwardedPort())
	_, ok := q.Command().Fragment(KindPortForward)
	assert.False(t, ok)
}

func TestNewInstance_RequiresFleet(t *testing.T) {
	_, err := NewInstance(context.Background(), nil, InstanceConfig{WorkRoot: t.TempDir()})
	require.Error(t, err)
}

func TestInstance_ChannelsBeforeStart(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	ctx := context.Background()

	_, err := q.ControlChannel(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = q.CommandChannel(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = q.RemoteChannel(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = q.WaitExit(ctx, time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, q.RequestShutdown(ctx))
	assert.Zero(t, q.PID())
}

func TestInstance_NoPortForward(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Disable = []Service{ServicePortForward}
	})
	_, err := q.RemoteChannel(context.Background())
	assert.ErrorIs(t, err, ErrNoPortForward)
}

func TestInstance_TDXWithoutFirmwareFails(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	require.True(t, q.Command().RemoveFragment(KindFirmware))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	res, err := q.WaitExit(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.Code)
	assert.Contains(t, string(res.Stderr), fakevmm.FirmwareError)
}

func TestInstance_MalformedQuoteGenerationObject(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	machine, ok := FragmentAs[*MachineFragment](q.Command())
	require.True(t, ok)
	machine.ObjectOverride = `{"qom-type":"tdx-guest","id":"tdx","quote-generation-socket":{"type":"vsock","cid":"2","port":`

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	res, err := q.WaitExit(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Code)
	assert.Contains(t, string(res.Stderr), "JSON parse error")

	// Other instances keep the well-formed default.
	other := newFakeInstance(t, NewFleet(), nil)
	otherMachine, _ := FragmentAs[*MachineFragment](other.Command())
	assert.Empty(t, otherMachine.ObjectOverride)
}

func TestInstance_StartFailureIsRetryable(t *testing.T) {
	fleet := NewFleet()
	q := newFakeInstance(t, fleet, func(c *InstanceConfig) {
		c.Binary = filepath.Join(t.TempDir(), "no-such-qemu")
	})

	err := q.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, stateCreated, q.getState())
	assert.Equal(t, 1, fleet.Len())
}

func TestInstance_StartTwiceFails(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	ctx := context.Background()

	require.NoError(t, q.StartAndWaitReady(ctx))
	err := q.Start(ctx)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestInstance_TenInstancesReachRunning(t *testing.T) {
	fleet := NewFleet()
	ctx := context.Background()

	instances := make([]*Instance, 10)
	for i := range instances {
		instances[i] = newFakeInstance(t, fleet, nil)
		require.NoError(t, instances[i].Start(ctx))
	}
	assert.Equal(t, 10, fleet.Len())

	for _, q := range instances {
		ch, err := q.ControlChannel(ctx)
		require.NoError(t, err)
		require.NoError(t, ch.WaitForState(ctx, StatusRunning, 5))

		again, err := q.ControlChannel(ctx)
		require.NoError(t, err)
		assert.Same(t, ch, again)
	}

	for _, q := range instances {
		q.Stop(ctx)
		assert.False(t, q.Running())
	}
	assert.Zero(t, fleet.Len())

	for _, q := range instances {
		q.Destroy(ctx)
	}
	assert.Zero(t, fleet.Len())
}

func TestInstance_GracefulStop(t *testing.T) {
	fleet := NewFleet()
	q := newFakeInstance(t, fleet, nil)
	signals := recordSignals(q)
	ctx := context.Background()

	require.NoError(t, q.StartAndWaitReady(ctx))
	q.Stop(ctx)

	assert.Empty(t, signals(), "powerdown is enough")
	res, err := q.WaitExit(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, stateStopped, q.getState())
}

func TestInstance_StopEscalatesToSIGTERM(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Env = fakevmm.Env(fakevmm.IgnorePowerdownEnv + "=1")
		c.ShutdownGrace = 300 * time.Millisecond
	})
	signals := recordSignals(q)
	ctx := context.Background()

	require.NoError(t, q.StartAndWaitReady(ctx))
	q.Stop(ctx)

	assert.Equal(t, []unix.Signal{unix.SIGTERM}, signals())
	assert.False(t, q.Running())

	q.Stop(ctx)
	assert.Equal(t, []unix.Signal{unix.SIGTERM}, signals(), "second stop sends nothing")
}

func TestInstance_StopEscalatesToSIGKILL(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Env = fakevmm.Env(fakevmm.IgnorePowerdownEnv+"=1", fakevmm.IgnoreTermEnv+"=1")
		c.ShutdownGrace = 200 * time.Millisecond
		c.KillWait = 500 * time.Millisecond
	})
	signals := recordSignals(q)
	ctx := context.Background()

	require.NoError(t, q.StartAndWaitReady(ctx))
	q.Stop(ctx)

	assert.Equal(t, []unix.Signal{unix.SIGTERM, unix.SIGKILL}, signals())
	res, err := q.WaitExit(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, -1, res.Code)
}

func TestInstance_StopAfterExitSendsNothing(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	signals := recordSignals(q)
	ctx := context.Background()

	require.NoError(t, q.StartAndWaitReady(ctx))
	ch, err := q.ControlChannel(ctx)
	require.NoError(t, err)
	// The reply may race the exit.
	_ = ch.Quit(ctx)
	_, err = q.WaitExit(ctx, 5*time.Second)
	require.NoError(t, err)

	assert.False(t, q.RequestShutdown(ctx))
	q.Stop(ctx)
	assert.Empty(t, signals())
}

func TestInstance_WaitExitTimeoutLeavesProcessRunning(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	_, err := q.WaitExit(ctx, 100*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.True(t, q.Running())
}

func TestInstance_CommandChannel(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	c, err := q.CommandChannel(ctx)
	require.NoError(t, err)

	status, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, StatusRunning, status.Status)

	cpus, err := c.QueryCPUs(ctx)
	require.NoError(t, err)
	assert.Len(t, cpus, 1)

	mem, err := c.QueryMemorySizeSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), mem.BaseMemory)

	_, err = c.Execute(ctx, "no-such-command", nil)
	assert.Error(t, err)
}

func TestInstance_RequestShutdownFallsBackToQMP(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Disable = []Service{ServiceMonitor}
	})
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	assert.True(t, q.RequestShutdown(ctx))
	res, err := q.WaitExit(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
}

func TestInstance_ConsolePipe(t *testing.T) {
	fleet := NewFleet(WithDebug(true))
	q := newFakeInstance(t, fleet, func(c *InstanceConfig) { c.SerialMode = SerialPipe })
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitForConsole(waitCtx, "login:"))

	q.Destroy(ctx)
	data, err := os.ReadFile(q.SerialLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "TDX guest booted")
}

func TestInstance_ConsoleFile(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitForConsole(waitCtx, "TDX guest booted"))
}

func TestInstance_ConsoleStdio(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) { c.SerialMode = SerialStdio })
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitForConsole(waitCtx, "login:"))

	short, cancelShort := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancelShort()
	err := q.WaitForConsole(short, "never printed")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestInstance_Reboot(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Env = fakevmm.Env(fakevmm.SSHEnv + "=1")
	})
	ctx := context.Background()
	require.NoError(t, q.StartAndWaitReady(ctx))
	firstPID := q.PID()

	require.NoError(t, q.Reboot(ctx))
	assert.True(t, q.Running())
	assert.NotEqual(t, firstPID, q.PID())

	ch, err := q.ControlChannel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.WaitForState(ctx, StatusRunning, 5))
}

func TestInstance_RebootRequiresRunning(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)
	err := q.Reboot(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestInstance_RemoteChannel(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), func(c *InstanceConfig) {
		c.Env = fakevmm.Env(fakevmm.SSHEnv + "=1")
	})
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	rc, err := q.RemoteChannel(ctx)
	require.NoError(t, err)
	res, err := rc.ExecuteChecked(ctx, "echo ready")
	require.NoError(t, err)
	assert.Equal(t, "ready\n", string(res.Stdout))

	again, err := q.RemoteChannel(ctx)
	require.NoError(t, err)
	assert.Same(t, rc, again)
}

func TestInstance_DestroyRemovesWorkdirAndLedgerRecord(t *testing.T) {
	l := ledger.New(ledger.NewInMemoryStore[ledger.Record]())
	fleet := NewFleet(WithDebug(false), WithLedger(l))
	q := newFakeInstance(t, fleet, nil)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx))
	recs, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, q.PID(), recs[0].PID)
	assert.Equal(t, q.Workdir(), recs[0].Workdir)
	assert.Equal(t, os.Getpid(), recs[0].Owner.PID)
	assert.True(t, recs[0].Owner.Alive())

	q.Destroy(ctx)
	q.Destroy(ctx)

	assert.NoDirExists(t, q.Workdir())
	recs, err = l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, fleet.Len())
}

func TestInstance_DestroyKeepsWorkdirInDebug(t *testing.T) {
	fleet := NewFleet(WithDebug(false))
	q := newFakeInstance(t, fleet, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	// A failing test flips the flag before teardown.
	fleet.SetDebug(true)
	q.Destroy(ctx)

	assert.DirExists(t, q.Workdir())
	assert.FileExists(t, filepath.Join(q.Workdir(), pidFileName))
}

func TestInstance_EnableVsock(t *testing.T) {
	q := newFakeInstance(t, NewFleet(), nil)

	q.EnableVsock(7)
	q.EnableVsock(9)

	argv, err := q.Command().Render()
	require.NoError(t, err)
	assert.Contains(t, argv, "vhost-vsock-pci,guest-cid=9")
	assert.NotContains(t, argv, "vhost-vsock-pci,guest-cid=7")
}

func TestInstance_AllocateVsock(t *testing.T) {
	alloc := vsock.NewAllocator(t.TempDir(), vsock.MinGuestCID, vsock.MinGuestCID+1, time.Minute)
	fleet := NewFleet(WithCIDAllocator(alloc))

	a := newFakeInstance(t, fleet, nil)
	b := newFakeInstance(t, fleet, nil)
	ctx := context.Background()

	cidA, err := a.AllocateVsock(ctx)
	require.NoError(t, err)
	cidB, err := b.AllocateVsock(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, cidA, cidB)

	vs, ok := FragmentAs[*VsockFragment](a.Command())
	require.True(t, ok)
	assert.Equal(t, cidA, vs.GuestCID)

	_, err = newFakeInstance(t, NewFleet(), nil).AllocateVsock(ctx)
	assert.Error(t, err)
}
