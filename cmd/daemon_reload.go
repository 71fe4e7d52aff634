package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"coreinit/internal/manager"
)

// daemonReloadCmd rescans the unit search path for files the loader has not
// seen yet (spec §4.I "daemon-reload"), distinct from `reload UNIT` which
// asks one already-running unit to reload its own configuration.
var daemonReloadCmd = &cobra.Command{
	Use:   "daemon-reload",
	Short: "Rescan the unit search path for newly added unit files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := manager.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("coreinit: daemon-reload: %w", err)
		}
		m, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("coreinit: daemon-reload: %w", err)
		}

		n, err := m.Reload()
		if err != nil {
			return fmt.Errorf("coreinit: daemon-reload: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %d newly discovered unit(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonReloadCmd)
}
