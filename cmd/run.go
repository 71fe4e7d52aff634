package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"coreinit/internal/manager"
	"coreinit/pkg/logging"
)

// runCmd starts coreinit as a long-running daemon: load every unit on the
// search path and drive the scheduler loop until interrupted. Grounded on
// the teacher's internal/app.runOrchestrator, which likewise blocks on
// SIGINT/SIGTERM to trigger a graceful shutdown rather than performing one
// action and exiting.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run coreinit as a daemon, supervising every loaded unit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := manager.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("coreinit: run: %w", err)
		}
		m, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("coreinit: run: %w", err)
		}

		n, err := m.Reload()
		if err != nil {
			return fmt.Errorf("coreinit: run: %w", err)
		}
		logging.Info("cmd", "loaded %d unit(s) from search path", n)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logging.Info("cmd", "received shutdown signal")
			cancel()
		}()

		return m.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
