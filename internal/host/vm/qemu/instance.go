//go:build linux

package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/tdxharness/internal/config"
	"github.com/spin-stack/tdxharness/internal/host/remote"
	"github.com/spin-stack/tdxharness/internal/ledger"
	"github.com/spin-stack/tdxharness/internal/paths"
	"github.com/spin-stack/tdxharness/internal/vsock"
)

// Service is an optional per-instance endpoint that can be disabled.
type Service string

const (
	ServiceMonitor     Service = "monitor"
	ServiceQMP         Service = "qmp"
	ServicePortForward Service = "portfwd"
)

// InstanceConfig describes one guest. Zero fields take defaults; see
// InstanceConfigFrom for values taken from the harness configuration.
type InstanceConfig struct {
	// Name labels the working directory and log fields.
	Name string

	Machine EfiMachine // default MachineQ35TDX
	Memory  string     // default 2G

	// BIOSPath is the firmware blob for -bios. Empty uses the packaged OVMF.
	BIOSPath string

	// QuoteGeneration adds the QGS address to the tdx-guest object.
	QuoteGeneration *QGSAddress

	// BaseImage is the shared read-only guest image.
	BaseImage string
	// DiskMode defaults to DiskOverlay with a base image, DiskNone without.
	DiskMode DiskMode

	Kernel     string
	Initrd     string
	KernelArgs string

	Binary   string // qemu-system-x86_64
	QemuImg  string // qemu-img
	WorkRoot string // parent of the working directory

	// Disable turns off optional endpoints.
	Disable []Service

	SerialMode SerialMode // default SerialFile

	// Env is appended to the host environment of the QEMU process.
	Env []string

	Control       ControlOptions
	StateRetries  int
	QMPTimeout    time.Duration
	ShutdownGrace time.Duration
	KillWait      time.Duration
	RebootTimeout time.Duration

	// Remote is used by RemoteChannel. Host and Port are filled from the
	// port forward.
	Remote remote.Config
}

// InstanceConfigFrom maps the harness configuration onto an InstanceConfig.
func InstanceConfigFrom(cfg *config.Config) InstanceConfig {
	return InstanceConfig{
		BIOSPath:  cfg.Paths.OVMF.BIOS,
		BaseImage: cfg.Paths.GuestImage,
		Binary:    paths.QemuPath(cfg.Paths),
		QemuImg:   paths.QemuImgPath(cfg.Paths),
		WorkRoot:  cfg.Paths.WorkDir,
		Control: ControlOptions{
			ConnectRetries: cfg.Timeouts.MonitorConnectRetries,
			RetryInterval:  cfg.Timeouts.GetMonitorRetryInterval(),
			ReadTimeout:    cfg.Timeouts.GetMonitorReadTimeout(),
		},
		KernelArgs:    cfg.Guest.KernelArg,
		StateRetries:  cfg.Timeouts.StateRetries,
		QMPTimeout:    cfg.Timeouts.GetQMPCommand(),
		ShutdownGrace: cfg.Timeouts.GetShutdownGrace(),
		KillWait:      cfg.Timeouts.GetKillWait(),
		RebootTimeout: cfg.Timeouts.GetReboot(),
		Remote: remote.Config{
			User:           cfg.Guest.User,
			Password:       cfg.Guest.Password,
			KeyPath:        cfg.Guest.KeyPath,
			ConnectTimeout: cfg.Timeouts.GetSSHConnect(),
		},
	}
}

func (c InstanceConfig) withDefaults() InstanceConfig {
	if c.Machine == "" {
		c.Machine = MachineQ35TDX
	}
	if c.DiskMode == "" {
		c.DiskMode = DiskNone
		if c.BaseImage != "" {
			c.DiskMode = DiskOverlay
		}
	}
	if c.Binary == "" {
		c.Binary = paths.QemuPath(config.PathsConfig{})
	}
	if c.QemuImg == "" {
		c.QemuImg = paths.QemuImgPath(config.PathsConfig{})
	}
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
	if c.SerialMode == "" {
		c.SerialMode = SerialFile
	}
	if c.StateRetries <= 0 {
		c.StateRetries = defaultStateRetries
	}
	if c.QMPTimeout <= 0 {
		c.QMPTimeout = qmpDefaultTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.KillWait <= 0 {
		c.KillWait = defaultKillWait
	}
	if c.RebootTimeout <= 0 {
		c.RebootTimeout = defaultRebootTimeout
	}
	return c
}

func (c InstanceConfig) enabled(s Service) bool {
	return !slices.Contains(c.Disable, s)
}

// ExitResult is the outcome of a finished QEMU process.
type ExitResult struct {
	// Code is the exit status, or -1 when the process died from a signal.
	Code   int
	Stdout []byte
	Stderr []byte
}

// Instance manages a single QEMU process and the channels into it.
//
// Operations are meant to be driven by one goroutine (the test); the
// accessors and Stop are nevertheless safe for concurrent use so that
// Fleet.StopAll can run alongside.
type Instance struct {
	fleet   *Fleet
	cfg     InstanceConfig
	name    string
	workdir string
	asm     *CommandAssembler
	fwdPort int

	state     atomic.Int32
	destroyed atomic.Bool
	// stopped is closed when the first Stop has finished.
	stopped chan struct{}

	// mu guards the process fields.
	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	exitCode int
	stdout   *syncBuffer
	stderr   *syncBuffer
	console  *console
	cidLease *vsock.Lease

	// channelMu guards the lazily opened channels. It is separate from mu
	// so that a slow dial never blocks Stop.
	channelMu sync.Mutex
	control   *ControlChannel
	qmp       *QMPClient
	remote    *remote.Client

	ledgerID string

	// signal delivers sig to the process group led by pid.
	signal func(pid int, sig unix.Signal) error
}

// NewInstance creates a working directory, provisions the disk and builds
// the default command line. The process is not started.
func NewInstance(ctx context.Context, fleet *Fleet, cfg InstanceConfig) (*Instance, error) {
	if fleet == nil {
		return nil, fmt.Errorf("instance needs a fleet: %w", errdefs.ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.WorkRoot, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	workdir, err := os.MkdirTemp(cfg.WorkRoot, paths.InstanceWorkDirPattern(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	q, err := newInstance(ctx, fleet, cfg, workdir)
	if err != nil {
		_ = os.RemoveAll(workdir)
		return nil, err
	}
	fleet.Register(q)

	log.G(ctx).WithFields(log.Fields{
		"instance": q.name,
		"workdir":  workdir,
		"machine":  cfg.Machine,
	}).Debug("qemu: instance created")
	return q, nil
}

func newInstance(ctx context.Context, fleet *Fleet, cfg InstanceConfig, workdir string) (*Instance, error) {
	if p := filepath.Join(workdir, monitorSockName); len(p) > maxUnixSocketPath {
		return nil, fmt.Errorf("working directory too deep for unix sockets (%d > %d): %s: %w",
			len(p), maxUnixSocketPath, workdir, errdefs.ErrInvalidArgument)
	}

	image, err := provisionDisk(ctx, cfg.DiskMode, cfg.QemuImg, cfg.BaseImage, workdir)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = filepath.Base(workdir)
	}

	fw := NewFirmware(cfg.Machine)
	if cfg.BIOSPath != "" {
		fw.BIOSPath = cfg.BIOSPath
	}
	fw.TempDir = workdir

	machine := NewMachine(cfg.Machine)
	machine.QuoteGeneration = cfg.QuoteGeneration

	boot := NewBoot(image)
	boot.Kernel = cfg.Kernel
	boot.Initrd = cfg.Initrd
	if cfg.KernelArgs != "" {
		boot.KernelArgs = cfg.KernelArgs
	}

	asm := NewCommandAssembler(cfg.Binary, workdir,
		NewCPU(),
		NewAccel(),
		NewGraphic(),
		NewUserConfig(),
		NewMemory(cfg.Memory),
		fw,
		machine,
		boot,
	)

	switch cfg.SerialMode {
	case SerialStdio:
		asm.SetFragment(&SerialFragment{Mode: SerialStdio})
	case SerialPipe:
		asm.SetFragment(&SerialFragment{Mode: SerialPipe, Path: filepath.Join(workdir, serialFifoName)})
	default:
		asm.SetFragment(&SerialFragment{Mode: SerialFile, Path: filepath.Join(workdir, serialLogName)})
	}

	q := &Instance{
		fleet:    fleet,
		cfg:      cfg,
		name:     name,
		workdir:  workdir,
		asm:      asm,
		ledgerID: ledger.NewID(),
		stopped:  make(chan struct{}),
		signal:   signalGroup,
	}

	if cfg.enabled(ServicePortForward) {
		port, err := freeTCPPort()
		if err != nil {
			return nil, err
		}
		q.fwdPort = port
		asm.SetFragment(NewPortForward(port))
	}
	asm.SetFragment(&RunLogFragment{Path: filepath.Join(workdir, runLogName)})

	if cfg.enabled(ServiceMonitor) {
		asm.RegisterControlSocket()
	}
	if cfg.enabled(ServiceQMP) {
		asm.RegisterCommandSocket()
	}
	return q, nil
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil || !errors.Is(err, unix.ESRCH) {
		return err
	}
	return unix.Kill(pid, sig)
}

// Name returns the instance label.
func (q *Instance) Name() string {
	return q.name
}

// Workdir returns the private working directory.
func (q *Instance) Workdir() string {
	return q.workdir
}

// Command returns the assembler. Fragment changes take effect at the next
// start.
func (q *Instance) Command() *CommandAssembler {
	return q.asm
}

// ForwardedPort returns the host port forwarded to the guest SSH port, or 0.
func (q *Instance) ForwardedPort() int {
	return q.fwdPort
}

// SerialLogPath returns where the guest console is written in file and
// pipe modes.
func (q *Instance) SerialLogPath() string {
	return filepath.Join(q.workdir, serialLogName)
}

// PID returns the QEMU process id, or 0 before Start.
func (q *Instance) PID() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cmd == nil || q.cmd.Process == nil {
		return 0
	}
	return q.cmd.Process.Pid
}

// Running reports whether the process has been started and has not exited.
func (q *Instance) Running() bool {
	exited := q.exitedChan()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

func (q *Instance) exitedChan() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exited
}

// untilExit derives a context cancelled when the process exits.
func (q *Instance) untilExit(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	exited := q.exitedChan()
	if exited == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-exited:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ControlChannel returns the monitor channel, connecting on first use.
// Later calls return the same channel until the process restarts or stops.
func (q *Instance) ControlChannel(ctx context.Context) (*ControlChannel, error) {
	if !q.Running() {
		return nil, ErrNotRunning
	}
	path := q.asm.ControlSocketPath()
	if path == "" {
		return nil, ErrNoControlSocket
	}

	q.channelMu.Lock()
	defer q.channelMu.Unlock()
	if q.control != nil {
		return q.control, nil
	}

	dialCtx, cancel := q.untilExit(ctx)
	defer cancel()
	ch, err := DialControlChannel(dialCtx, path, q.cfg.Control)
	if err != nil {
		if !q.Running() {
			return nil, fmt.Errorf("qemu exited before the monitor was ready: %w", errors.Join(ErrNotRunning, err))
		}
		return nil, err
	}
	q.control = ch
	return ch, nil
}

// CommandChannel returns the QMP client, connecting on first use.
func (q *Instance) CommandChannel(ctx context.Context) (*QMPClient, error) {
	if !q.Running() {
		return nil, ErrNotRunning
	}
	path := q.asm.CommandSocketPath()
	if path == "" {
		return nil, ErrNoCommandSocket
	}

	q.channelMu.Lock()
	defer q.channelMu.Unlock()
	if q.qmp != nil {
		return q.qmp, nil
	}

	opts := q.cfg.Control.withDefaults()
	wait := time.Duration(opts.ConnectRetries) * opts.RetryInterval
	dialCtx, cancel := q.untilExit(ctx)
	defer cancel()
	c, err := DialQMP(dialCtx, path, wait)
	if err != nil {
		return nil, err
	}
	c.SetCommandTimeout(q.cfg.QMPTimeout)
	q.qmp = c
	return c, nil
}

// RemoteChannel returns an SSH client to the guest through the port
// forward, connecting on first use.
func (q *Instance) RemoteChannel(ctx context.Context) (*remote.Client, error) {
	if q.fwdPort == 0 {
		return nil, ErrNoPortForward
	}
	if !q.Running() {
		return nil, ErrNotRunning
	}

	q.channelMu.Lock()
	defer q.channelMu.Unlock()
	if q.remote != nil {
		return q.remote, nil
	}

	rcfg := q.cfg.Remote
	rcfg.Host = "127.0.0.1"
	rcfg.Port = q.fwdPort
	dialCtx, cancel := q.untilExit(ctx)
	defer cancel()
	c, err := remote.Dial(log.WithLogger(dialCtx, log.G(ctx).WithField("workdir", q.workdir)), rcfg)
	if err != nil {
		return nil, err
	}
	q.remote = c
	return c, nil
}

// closeChannels drops every open channel. They are reopened on demand.
func (q *Instance) closeChannels(logger *log.Entry) {
	q.channelMu.Lock()
	defer q.channelMu.Unlock()

	if q.control != nil {
		closeAndLog(logger, "monitor", q.control)
		q.control = nil
	}
	if q.qmp != nil {
		closeAndLog(logger, "qmp", q.qmp)
		q.qmp = nil
	}
	if q.remote != nil {
		closeAndLog(logger, "ssh", q.remote)
		q.remote = nil
	}
}

// EnableVsock attaches a vhost-vsock device with the given guest CID,
// replacing any previous one. It takes effect at the next start.
func (q *Instance) EnableVsock(cid uint32) {
	q.asm.SetFragment(&VsockFragment{GuestCID: cid})
}

// AllocateVsock leases a free CID from the fleet allocator and enables
// vsock with it. The lease is released by Destroy.
func (q *Instance) AllocateVsock(ctx context.Context) (uint32, error) {
	if q.fleet.cids == nil {
		return 0, fmt.Errorf("fleet has no CID allocator: %w", errdefs.ErrFailedPrecondition)
	}
	lease, err := q.fleet.cids.AllocateWait(ctx, q.name, 100*time.Millisecond)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	prev := q.cidLease
	q.cidLease = lease
	q.mu.Unlock()
	if prev != nil {
		_ = prev.Release()
	}

	q.EnableVsock(lease.CID)
	return lease.CID, nil
}

// Console returns the console output captured so far.
func (q *Instance) Console() string {
	q.mu.Lock()
	c, stdout := q.console, q.stdout
	q.mu.Unlock()

	switch {
	case c != nil:
		return c.String()
	case q.cfg.SerialMode == SerialStdio && stdout != nil:
		return stdout.String()
	}
	data, err := os.ReadFile(q.SerialLogPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// WaitForConsole polls the console until it contains substr or ctx ends.
func (q *Instance) WaitForConsole(ctx context.Context, substr string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if strings.Contains(q.Console(), substr) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("console never printed %q: %w", substr, ctx.Err())
		case <-ticker.C:
		}
	}
}
