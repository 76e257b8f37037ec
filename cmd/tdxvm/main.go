//go:build linux

// Command tdxvm launches and inspects TDX validation guests outside of a
// test binary: print the QEMU command line, boot a guest interactively, or
// reap instances a crashed run left behind.
package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/spin-stack/tdxharness/internal/config"
	"github.com/spin-stack/tdxharness/internal/version"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:     "tdxvm",
	Short:   "Launch and manage TDX validation guests",
	Version: version.Short(),

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			return log.SetLevel("debug")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tdxvm %s\n", version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd, cmdlineCmd, bootCmd, reapCmd)
}

// loadConfig reads the file named by --config, falling back to the
// environment and default location.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.L.WithError(err).Error("tdxvm failed")
		os.Exit(1)
	}
}
