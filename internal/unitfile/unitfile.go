// Package unitfile implements the lookup and parsing half of the unit load
// pipeline (spec §4.D steps 3-4): ordered search-path resolution, drop-in
// merging, and INI-style parsing of [Unit]/[Install]/type-specific sections.
//
// Parsing is grounded on github.com/coreos/go-systemd/v22/unit, which already
// understands the real systemd unit-file grammar (quoting, line
// continuations, comments) rather than generic INI, so Deserialize is reused
// verbatim and its flat Section/Name/Value triples are folded into a
// unit.Config.
package unitfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	systemdunit "github.com/coreos/go-systemd/v22/unit"
	"gopkg.in/ini.v1"

	"coreinit/internal/unit"
	"coreinit/pkg/logging"
)

// ErrNotFound is returned by Resolve when no unit file exists on any search
// path (spec §4.D step 4: "missing file → NotFound").
var ErrNotFound = errors.New("unitfile: not found")

// BadSettingError marks a parse failure on a required key (spec §4.D step 4).
type BadSettingError struct {
	Key string
	Err error
}

func (e *BadSettingError) Error() string {
	return fmt.Sprintf("unitfile: required key %s: %v", e.Key, e.Err)
}
func (e *BadSettingError) Unwrap() error { return e.Err }

// SearchPath is the ordered list of directories consulted for a unit id:
// persistent (admin-authored) first, then runtime (ephemeral, e.g.
// generators), then distribution-shipped defaults last. Earlier entries win.
type SearchPath struct {
	PersistentDir string
	RuntimeDir    string
	DistroDir     string
}

func (sp SearchPath) dirs() []string {
	var out []string
	for _, d := range []string{sp.PersistentDir, sp.RuntimeDir, sp.DistroDir} {
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Dirs exposes the search-path directories in priority order, for callers
// outside this package that need to watch or enumerate them (spec §4.I
// "Reload", §4.F inotify watch setup).
func (sp SearchPath) Dirs() []string { return sp.dirs() }

// Resolve finds the first on-disk unit file for id across the search path,
// plus every "<id>.d/*.conf" drop-in across ALL search-path directories, in
// lexical order within each directory and lowest-priority directory first,
// so that Parse, which lets later files win, applies persistent drop-ins
// last and they override distro drop-ins.
func Resolve(sp SearchPath, id unit.ID) (mainFile string, dropins []string, err error) {
	dirs := sp.dirs()
	for _, dir := range dirs {
		candidate := filepath.Join(dir, string(id))
		if st, statErr := os.Stat(candidate); statErr == nil && !st.IsDir() {
			mainFile = candidate
			break
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		dropinDir := filepath.Join(dir, string(id)+".d")
		entries, readErr := os.ReadDir(dropinDir)
		if readErr != nil {
			continue
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			dropins = append(dropins, filepath.Join(dropinDir, n))
		}
	}

	if mainFile == "" && len(dropins) == 0 {
		return "", nil, ErrNotFound
	}
	return mainFile, dropins, nil
}

// Discover lists every well-formed unit id with a file on the search path,
// deduplicated and sorted, for the manager's daemon-reload rescan (spec
// §4.I "Reload").
func Discover(sp SearchPath) ([]unit.ID, error) {
	seen := make(map[unit.ID]struct{})
	for _, dir := range sp.dirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("unitfile: discover %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			id := unit.ID(e.Name())
			if _, ok := unit.TypeOf(id); !ok {
				continue
			}
			seen[id] = struct{}{}
		}
	}
	out := make([]unit.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Parse loads mainFile and merges dropins in order (later files override
// earlier ones for scalar keys; list keys accumulate) into a unit.Config.
func Parse(mainFile string, dropins []string) (*unit.Config, error) {
	cfg := &unit.Config{
		DefaultDependencies: true,
		Section:             make(map[string]string),
	}

	files := dropins
	if mainFile != "" {
		files = append([]string{mainFile}, dropins...)
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("unitfile: open %s: %w", path, err)
		}
		opts, err := systemdunit.Deserialize(f)
		f.Close()
		if err != nil {
			return nil, &BadSettingError{Key: path, Err: err}
		}
		if err := applyOptions(cfg, opts); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyOptions(cfg *unit.Config, opts []*systemdunit.UnitOption) error {
	for _, o := range opts {
		switch o.Section {
		case "Unit":
			if err := applyUnitKey(cfg, o.Name, o.Value); err != nil {
				return err
			}
		case "Install":
			applyInstallKey(cfg, o.Name, o.Value)
		default:
			// Type-specific section ([Service], [Socket], ...): stash raw
			// key/value pairs for the SubUnit factory to interpret.
			cfg.Section[o.Name] = o.Value
		}
	}
	return nil
}

func splitList(v string) []string {
	return strings.Fields(v)
}

func idList(v string) []unit.ID {
	fields := splitList(v)
	out := make([]unit.ID, len(fields))
	for i, f := range fields {
		out[i] = unit.ID(f)
	}
	return out
}

func applyUnitKey(cfg *unit.Config, key, value string) error {
	switch key {
	case "Description":
		cfg.Description = value
	case "Documentation":
		cfg.Documentation = append(cfg.Documentation, splitList(value)...)
	case "Wants":
		cfg.Wants = append(cfg.Wants, idList(value)...)
	case "Requires":
		cfg.Requires = append(cfg.Requires, idList(value)...)
	case "BindsTo":
		cfg.BindsTo = append(cfg.BindsTo, idList(value)...)
	case "Requisite":
		cfg.Requisite = append(cfg.Requisite, idList(value)...)
	case "PartOf":
		cfg.PartOf = append(cfg.PartOf, idList(value)...)
	case "Conflicts":
		cfg.Conflicts = append(cfg.Conflicts, idList(value)...)
	case "Before":
		cfg.Before = append(cfg.Before, idList(value)...)
	case "After":
		cfg.After = append(cfg.After, idList(value)...)
	case "Triggers":
		cfg.Triggers = append(cfg.Triggers, idList(value)...)
	case "OnFailure":
		cfg.OnFailure = append(cfg.OnFailure, idList(value)...)
	case "OnSuccess":
		cfg.OnSuccess = append(cfg.OnSuccess, idList(value)...)
	case "OnFailureJobMode":
		cfg.OnFailureJobMode = value
	case "OnSuccessJobMode":
		cfg.OnSuccessJobMode = value
	case "DefaultDependencies":
		b, err := strconv.ParseBool(value)
		switch strings.ToLower(value) {
		case "yes", "on":
			b, err = true, nil
		case "no", "off":
			b, err = false, nil
		}
		if err != nil {
			return &BadSettingError{Key: key, Err: err}
		}
		cfg.DefaultDependencies = b
	case "RefuseManualStart":
		cfg.RefuseManualStart, _ = strconv.ParseBool(value)
	case "RefuseManualStop":
		cfg.RefuseManualStop, _ = strconv.ParseBool(value)
	case "IgnoreOnIsolate":
		cfg.IgnoreOnIsolate, _ = strconv.ParseBool(value)
	case "StartLimitInterval", "StartLimitIntervalSec":
		d, err := parseDurationSec(value)
		if err != nil {
			logging.Warn("Loader", "optional key %s unparsable: %v", key, err)
			return nil
		}
		cfg.StartLimitInterval = d
	case "StartLimitBurst":
		n, err := strconv.Atoi(value)
		if err != nil {
			logging.Warn("Loader", "optional key %s unparsable: %v", key, err)
			return nil
		}
		cfg.StartLimitBurst = n
	case "JobTimeoutSec":
		d, err := parseDurationSec(value)
		if err != nil {
			logging.Warn("Loader", "optional key %s unparsable: %v", key, err)
			return nil
		}
		cfg.JobTimeoutSec = d
	case "JobTimeoutAction":
		cfg.JobTimeoutAction = value
	default:
		// Condition*/Assert*/SuccessAction/FailureAction/StartLimitAction and
		// anything else unrecognized: out of scope per spec §1, ignored.
	}
	return nil
}

func applyInstallKey(cfg *unit.Config, key, value string) {
	switch key {
	case "Alias":
		cfg.Alias = append(cfg.Alias, splitList(value)...)
	case "WantedBy":
		cfg.WantedBy = append(cfg.WantedBy, idList(value)...)
	case "RequiredBy":
		cfg.RequiredBy = append(cfg.RequiredBy, idList(value)...)
	case "Also":
		cfg.Also = append(cfg.Also, splitList(value)...)
	}
}

func parseDurationSec(v string) (time.Duration, error) {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

// ParseEnvironmentFile parses a shell-style KEY=VALUE environment file (spec
// §6 "parsed EnvironmentFile=s") using ini.v1 in its key=value-only mode,
// since an env file is just an unsectioned INI file.
func ParseEnvironmentFile(path string) (map[string]string, error) {
	cfgFile, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("unitfile: parse environment file %s: %w", path, err)
	}
	out := make(map[string]string)
	for _, key := range cfgFile.Section("").Keys() {
		v := key.Value()
		v = strings.Trim(v, `"'`)
		out[key.Name()] = v
	}
	return out, nil
}

// DefaultDependenciesFor synthesizes the standard pre-target edges for a
// unit that did not opt out (spec §4.D step 8). It reports the (relation,
// target) pairs to insert, not the insert itself, so the loader can attach
// the MaskDefault provenance.
func DefaultDependenciesFor(typ unit.Type) []struct {
	Rel    unit.Relation
	Target unit.ID
} {
	switch typ {
	case unit.TypeService, unit.TypeSocket, unit.TypeTarget, unit.TypeTimer, unit.TypePath, unit.TypeMount:
		return []struct {
			Rel    unit.Relation
			Target unit.ID
		}{
			{unit.After, "sysinit.target"},
			{unit.Requires, "sysinit.target"},
			{unit.After, "basic.target"},
		}
	default:
		return nil
	}
}
