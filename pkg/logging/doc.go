// Package logging provides the structured logging used throughout coreinit:
// the unit store, job engine, scheduler and spawner all log through here
// rather than calling slog directly, so that subsystem names and error
// wrapping stay consistent.
//
// # Log levels
//
//   - Debug: parse detail, queue churn, per-notify state transitions
//   - Info: unit/job lifecycle milestones (loaded, started, stopped)
//   - Warn: recoverable conditions (optional setting ignored, drop-in skipped)
//   - Error: failed operations that are reported back to a caller
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("JobEngine", "committed %d jobs for transaction %s", n, txID)
//	logging.Error("Spawn", err, "failed to exec %s", path)
//
// Every call names the subsystem as its first argument, matching the
// component names used in § 4 of the design: "Journal", "Registry", "Graph",
// "Loader", "JobEngine", "Scheduler", "Service", "Spawn", "Manager".
package logging
