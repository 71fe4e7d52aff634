package cmd

import (
	"fmt"

	"coreinit/internal/manager"
)

// openManager builds a Manager from the --config flag (or built-in defaults)
// and loads every unit currently on its search path. Each CLI invocation is
// its own short-lived process against on-disk unit state (spec §1 places a
// control-socket protocol to a long-running daemon out of scope), the same
// simplification the teacher's own standalone mode makes by composing the
// server in-process rather than over a wire protocol.
func openManager() (*manager.Manager, error) {
	cfg, err := manager.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("coreinit: %w", err)
	}

	m, err := manager.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("coreinit: %w", err)
	}

	if _, err := m.Reload(); err != nil {
		return nil, fmt.Errorf("coreinit: %w", err)
	}
	return m, nil
}
