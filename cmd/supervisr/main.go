package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "supervisr",
		Short: "Supervise basecaller, post-primary and calibration workers",
		Long: `supervisr launches worker processes on request, tracks their liveness
through status reports or heartbeats, and reaps the ones that stop responding.

Examples:
  supervisr config init supervisr.toml
  supervisr serve --config supervisr.toml
  supervisr start basecaller s1 --param chip=A
  supervisr start-ppa --mid m1
  supervisr healthcheck`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080", "daemon URL including base path")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	cmd := command{flags: flags, out: os.Stdout}
	root.AddCommand(
		createServeCommand(flags),
		createConfigCommand(flags),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createStartPpaCommand(cmd),
		createStopPpaCommand(cmd),
		createHealthcheckCommand(cmd),
		createWorkersCommand(cmd),
	)
	return root
}
