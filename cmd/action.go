package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"coreinit/internal/job"
	"coreinit/internal/manager"
	"coreinit/internal/unit"
)

// newActionCmd builds one of the start/stop/restart/reload subcommands: they
// all take a single unit id, run one Manager transaction, and report the
// jobs it queued. Grounded on the teacher's cmd/start.go and cmd/stop.go,
// collapsed into one constructor since coreinit's actions share the same
// "id in, Affect out" shape rather than muster's per-resource-type fan-out.
func newActionCmd(use, short string, run func(*manager.Manager, unit.ID) (*job.Affect, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " UNIT",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}

			affect, err := run(m, unit.ID(args[0]))
			if err != nil {
				return fmt.Errorf("coreinit: %s %s: %w", use, args[0], err)
			}

			for id, j := range affect.Jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s job for %s\n", j.Kind, id)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newActionCmd("start", "Start a unit and its dependencies", (*manager.Manager).StartUnit))
	rootCmd.AddCommand(newActionCmd("stop", "Stop a unit and propagate to dependents", (*manager.Manager).StopUnit))
	rootCmd.AddCommand(newActionCmd("restart", "Stop then start a unit", (*manager.Manager).RestartUnit))
	rootCmd.AddCommand(newActionCmd("reload", "Ask a running unit to reload its configuration", (*manager.Manager).ReloadUnit))
	rootCmd.AddCommand(newActionCmd("isolate", "Start a target, stopping every unit it does not require", (*manager.Manager).IsolateUnit))
}
