package manager

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"coreinit/internal/unitfile"
)

// Config is the manager's own daemon configuration, read with
// gopkg.in/yaml.v3, following the layered-default pattern of the teacher's
// internal/config.Loader ("GetDefault...() then overlay from file").
type Config struct {
	JournalDir string              `yaml:"journalDir"`
	SearchPath unitfile.SearchPath `yaml:"searchPath"`
	CGroupRoot string              `yaml:"cgroupRoot"`
	JobTimeout time.Duration       `yaml:"jobTimeout"`
}

// DefaultConfig returns coreinit's built-in defaults, overridden by
// LoadConfig when a config file is present.
func DefaultConfig() Config {
	return Config{
		JournalDir: "/var/lib/coreinit/journal",
		SearchPath: unitfile.SearchPath{
			PersistentDir: "/etc/coreinit/system",
			RuntimeDir:    "/run/coreinit/system",
			DistroDir:     "/usr/lib/coreinit/system",
		},
		CGroupRoot: "/sys/fs/cgroup/coreinit.slice",
		JobTimeout: 30 * time.Second,
	}
}

// LoadConfig reads a YAML config file and overlays it onto DefaultConfig,
// matching the teacher's layered-default config style. A missing path is
// not an error: the defaults alone are a valid configuration.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("manager: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("manager: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// withDefaults fills in any zero-valued field left unset by a partial
// override (e.g. a config file that only customizes CGroupRoot).
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JournalDir == "" {
		c.JournalDir = d.JournalDir
	}
	if c.SearchPath == (unitfile.SearchPath{}) {
		c.SearchPath = d.SearchPath
	}
	if c.CGroupRoot == "" {
		c.CGroupRoot = d.CGroupRoot
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}
