//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/spin-stack/tdxharness/internal/config"
	"github.com/spin-stack/tdxharness/internal/host/vm/qemu"
	"github.com/spin-stack/tdxharness/internal/ledger"
	"github.com/spin-stack/tdxharness/internal/paths"
	"github.com/spin-stack/tdxharness/internal/vsock"
)

type instanceFlags struct {
	name        string
	memory      string
	machine     string
	diskMode    string
	serial      string
	vsock       bool
	noMonitor   bool
	noQMP       bool
	noPortFwd   bool
	qgs         bool
	keepWorkdir bool
}

func (f *instanceFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "tdxvm", "Instance name")
	fl.StringVar(&f.memory, "memory", "", "Guest memory size (QEMU syntax, e.g. 4G)")
	fl.StringVar(&f.machine, "machine", string(qemu.MachineQ35TDX), "Machine type: q35 or tdx")
	fl.StringVar(&f.diskMode, "disk", string(qemu.DiskOverlay), "Disk mode: overlay, copy or none")
	fl.StringVar(&f.serial, "serial", string(qemu.SerialFile), "Serial console: file, pipe or stdio")
	fl.BoolVar(&f.vsock, "vsock", false, "Attach a vhost-vsock device with an allocated CID")
	fl.BoolVar(&f.noMonitor, "no-monitor", false, "Do not expose the human monitor")
	fl.BoolVar(&f.noQMP, "no-qmp", false, "Do not expose QMP")
	fl.BoolVar(&f.noPortFwd, "no-ssh", false, "Do not forward a host port to the guest SSH server")
	fl.BoolVar(&f.qgs, "qgs", false, "Point the TD at the host quote generation service")
	fl.BoolVar(&f.keepWorkdir, "keep", false, "Keep the working directory after teardown")
}

func (f *instanceFlags) instanceConfig(cfg *config.Config) (qemu.InstanceConfig, error) {
	machine, err := qemu.ParseEfiMachine(f.machine)
	if err != nil {
		return qemu.InstanceConfig{}, err
	}

	ic := qemu.InstanceConfigFrom(cfg)
	ic.Name = f.name
	ic.Memory = f.memory
	ic.Machine = machine
	ic.DiskMode = qemu.DiskMode(f.diskMode)
	ic.SerialMode = qemu.SerialMode(f.serial)
	if f.noMonitor {
		ic.Disable = append(ic.Disable, qemu.ServiceMonitor)
	}
	if f.noQMP {
		ic.Disable = append(ic.Disable, qemu.ServiceQMP)
	}
	if f.noPortFwd {
		ic.Disable = append(ic.Disable, qemu.ServicePortForward)
	}
	if f.qgs {
		addr := qemu.DefaultQGSAddress
		ic.QuoteGeneration = &addr
	}
	return ic, nil
}

func (f *instanceFlags) fleet(cfg *config.Config) (*qemu.Fleet, error) {
	opts := []qemu.FleetOption{qemu.WithDebug(cfg.Debug || debug || f.keepWorkdir)}
	if f.vsock {
		opts = append(opts, qemu.WithCIDAllocator(vsock.DefaultAllocator(paths.CIDLockDir(cfg.Paths))))
	}
	l, err := ledger.Open(paths.LedgerPath(cfg.Paths))
	if err != nil {
		return nil, err
	}
	opts = append(opts, qemu.WithLedger(l))
	return qemu.NewFleet(opts...), nil
}

var cmdlineFlags instanceFlags

var cmdlineCmd = &cobra.Command{
	Use:   "cmdline",
	Short: "Print the QEMU command line for an instance",
	Long: `Print the QEMU command line an instance would be started with.

The working directory is created to resolve socket and log paths and is
removed again unless --keep is given. No disk is provisioned unless --disk
is passed explicitly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("disk") {
			cmdlineFlags.diskMode = string(qemu.DiskNone)
		}
		ic, err := cmdlineFlags.instanceConfig(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		fleet := qemu.NewFleet(qemu.WithDebug(cmdlineFlags.keepWorkdir))
		q, err := qemu.NewInstance(ctx, fleet, ic)
		if err != nil {
			return err
		}
		defer q.Destroy(ctx)

		if cmdlineFlags.vsock {
			q.EnableVsock(vsock.MinGuestCID)
		}
		argv, err := q.Command().Render()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), shellJoin(argv))
		return nil
	},
}

var (
	bootFlags   instanceFlags
	bootExec    string
	bootWaitFor string
	bootTimeout time.Duration
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot a guest and keep it running until interrupted",
	Long: `Boot a guest, wait for its monitor to report "running", and keep it
alive until SIGINT or SIGTERM. With --exec the command is run in the guest
over SSH and the guest is torn down afterwards.`,
	Example: `  tdxvm boot --qgs
  tdxvm boot --wait-for "login:" --exec "dmesg | grep -i tdx"
  tdxvm boot --machine q35 --disk copy --keep`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ic, err := bootFlags.instanceConfig(cfg)
		if err != nil {
			return err
		}
		fleet, err := bootFlags.fleet(cfg)
		if err != nil {
			return err
		}
		defer fleet.Ledger().Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q, err := qemu.NewInstance(ctx, fleet, ic)
		if err != nil {
			return err
		}
		defer q.Destroy(context.WithoutCancel(ctx))

		if bootFlags.vsock {
			if _, err := q.AllocateVsock(ctx); err != nil {
				return err
			}
		}
		return runBoot(ctx, cmd, q)
	},
}

func runBoot(ctx context.Context, cmd *cobra.Command, q *qemu.Instance) error {
	logger := log.G(ctx).WithField("instance", q.Name())

	bootCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()
	if err := q.StartAndWaitReady(bootCtx); err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"pid":     q.PID(),
		"workdir": q.Workdir(),
		"ssh":     q.ForwardedPort(),
	}).Info("guest started")

	if bootWaitFor != "" {
		if err := q.WaitForConsole(bootCtx, bootWaitFor); err != nil {
			return fmt.Errorf("waiting for %q on the console: %w", bootWaitFor, err)
		}
	}

	if bootExec != "" {
		rc, err := q.RemoteChannel(bootCtx)
		if err != nil {
			return err
		}
		res, err := rc.Execute(ctx, bootExec)
		if err != nil {
			return err
		}
		_, _ = cmd.OutOrStdout().Write(res.Stdout)
		_, _ = cmd.ErrOrStderr().Write(res.Stderr)
		if res.ExitStatus != 0 {
			return fmt.Errorf("guest command exited with status %d", res.ExitStatus)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		logger.Info("interrupted, stopping guest")
	case <-untilExit(q):
		res, _ := q.WaitExit(context.Background(), time.Second)
		if res != nil && res.Code != 0 {
			return fmt.Errorf("qemu exited with code %d: %s", res.Code, strings.TrimSpace(string(res.Stderr)))
		}
		logger.Info("guest powered off")
	}
	return nil
}

// untilExit closes the returned channel once q's process has exited.
func untilExit(q *qemu.Instance) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.WaitExit(context.Background(), 0)
	}()
	return done
}

func init() {
	cmdlineFlags.register(cmdlineCmd)

	bootFlags.register(bootCmd)
	bootCmd.Flags().StringVar(&bootExec, "exec", "", "Run this command in the guest over SSH, then tear down")
	bootCmd.Flags().StringVar(&bootWaitFor, "wait-for", "", "Wait until the serial console prints this text")
	bootCmd.Flags().DurationVar(&bootTimeout, "timeout", 5*time.Minute, "Bound on boot and readiness waits")
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`{}") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
			continue
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
