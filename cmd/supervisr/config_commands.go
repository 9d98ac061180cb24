package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/supervisr"
)

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check configuration files",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample config with default worker templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "supervisr.toml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := supervisr.WriteSampleConfig(path, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written: %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check [path]",
		Short: "Load and validate a config, including worker templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return checkConfig(cmd.OutOrStdout(), path)
		},
	}
	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

func checkConfig(out io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("config path required")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	cfg, err := supervisr.LoadConfig(path)
	if err != nil {
		return err
	}
	b, err := cfg.Commands()
	if err != nil {
		return err
	}
	if _, err := cfg.BuildEnv(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "OK: listen=%s base_path=%q kinds=%v history=%t\n",
		cfg.Server.Listen, cfg.Server.BasePath, b.Kinds(), cfg.History.Enabled)
	return nil
}
