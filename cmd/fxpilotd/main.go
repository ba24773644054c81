// Package main is the entry point for the fxpilot trading daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "fxpilotd",
		Short:         "Multi-account forex scan, score, execute and protect daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/fxpilot.yaml", "path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newCheckCmd(&configPath),
		newTokenCmd(&configPath),
		newVersionCmd(),
	)
	return root
}
