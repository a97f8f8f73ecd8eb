package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/beads-live/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "store",
	Short:   "Print the effective configuration",
	Long: `Print the configuration after applying defaults, the config file, LQ_*
environment variables and flags. The output is a valid config file:

  lq config > lq.toml
  lq config --format yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return config.Write(os.Stdout, cfg, format)
	},
}

func init() {
	configCmd.Flags().String("format", "toml", "output format (toml or yaml)")
	rootCmd.AddCommand(configCmd)
}
