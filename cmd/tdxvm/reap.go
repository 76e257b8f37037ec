//go:build linux

package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spin-stack/tdxharness/internal/ledger"
	"github.com/spin-stack/tdxharness/internal/paths"
)

var reapOpts ledger.ReapOptions

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Kill and clean up instances left behind by earlier runs",
	Long: `Walk the run ledger and, for every recorded instance, kill its QEMU
process if it is still alive and remove its working directory.

A process is only killed when its command line still references the
recorded working directory; recycled PIDs are left alone. Instances whose
launching harness is still running are skipped unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := ledger.Open(paths.LedgerPath(cfg.Paths))
		if err != nil {
			return err
		}
		defer l.Close()

		reaped, err := ledger.Reap(cmd.Context(), l, reapOpts)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tPID\tOWNER\tALIVE\tKILLED\tWORKDIR")
		for _, r := range reaped {
			workdir := r.Workdir
			if r.WorkdirRemoved {
				workdir += " (removed)"
			}
			owner := strconv.Itoa(r.Owner.PID)
			if r.OwnerAlive {
				owner += " (running)"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%t\t%s\n", r.Name, r.PID, owner, r.Alive, r.Killed, workdir)
		}
		if flushErr := w.Flush(); flushErr != nil && err == nil {
			err = flushErr
		}
		return err
	},
}

func init() {
	reapCmd.Flags().BoolVar(&reapOpts.DryRun, "dry-run", false, "Only report what would be reaped")
	reapCmd.Flags().BoolVar(&reapOpts.KeepWorkdirs, "keep-workdirs", false, "Leave working directories in place")
	reapCmd.Flags().DurationVar(&reapOpts.KillWait, "kill-wait", 0, "How long to wait for a killed process (default 5s)")
	reapCmd.Flags().BoolVar(&reapOpts.Force, "force", false, "Also reap instances whose harness is still running")
}
