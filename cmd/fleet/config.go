package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the config file and FLEET_*
environment overrides are applied. Secrets are masked.

Configuration is read from --config, ./fleet.yaml (searched upward) or
~/.config/fleet/config.yaml, in that order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := config.Open(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out := cmd.OutOrStdout()
		if f := src.File(); f != "" {
			fmt.Fprintf(out, "# %s\n", f)
		} else {
			fmt.Fprintln(out, "# defaults (no config file found)")
		}
		return printConfig(out, config.Redacted(src.Config()))
	},
}
