// Package cmd implements coreinit's command-line surface (spec §1 "Non-goals"
// excludes a DBus/IPC wire format, so cobra subcommands talking to an
// in-process Manager are the control surface a real init system would
// otherwise expose over DBus).
//
// Grounded on the teacher's cmd/root.go: a package-level rootCmd built once
// in init(), version injected at build time via SetVersion, Execute() as the
// sole entry point called from main.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

var configPath string

// rootCmd is the base command for the coreinit binary.
var rootCmd = &cobra.Command{
	Use:   "coreinit",
	Short: "A dependency-aware service manager",
	Long: `coreinit starts, stops, and supervises services and their dependencies,
tracking each unit through a systemd-like load/active state machine.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the sole entry point called from main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "coreinit version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to coreinit's YAML config file")
}
