// Package journal implements the reliability journal from spec §4.A: named
// key-value tables with transactional commit, plus the "last frame / last
// unit" breadcrumbs crash recovery reads to decide which compensation to
// run.
//
// Tables are persisted one file per table under a configured directory,
// generalizing the teacher's internal/config/Storage (one YAML file per
// entity under configPath/entityType/name.yaml) from per-entity files to a
// single file per whole table, since the journal's unit of atomic commit is
// the table, not the entry. The on-disk encoding is gopkg.in/yaml.v3, the
// same library Storage uses, with yaml.Node standing in for the deferred,
// re-encodable entry value that encoding/json would give as RawMessage.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"coreinit/pkg/logging"
)

// Frame identifies the scheduler step in progress when a breadcrumb was
// written (spec §4.A "last-frame breadcrumbs").
type Frame struct {
	Frame    uint64 `yaml:"frame"`
	Queue    string `yaml:"queue"`
	Substep  string `yaml:"substep"`
	LastUnit string `yaml:"last_unit,omitempty"`
}

// Journal is a process-wide store of named tables plus the crash-recovery
// breadcrumb. It is safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	tables  map[string]map[string]yaml.Node
	frame   Frame
}

// Open creates a Journal rooted at dir. If enabled is false the journal
// degenerates to a no-op that still accepts writes but performs no recovery
// (spec §4.A "Enable flag").
func Open(dir string, enabled bool) (*Journal, error) {
	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory %s: %w", dir, err)
		}
	}
	j := &Journal{
		dir:     dir,
		enabled: enabled,
		tables:  make(map[string]map[string]yaml.Node),
	}
	if enabled {
		if err := j.loadAll(); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) tablePath(name string) string {
	return filepath.Join(j.dir, name+".yaml")
}

func (j *Journal) loadAll() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: read directory %s: %w", j.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".yaml" {
			continue
		}
		table := name[:len(name)-len(".yaml")]
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			return fmt.Errorf("journal: read table %s: %w", table, err)
		}
		if table == "__breadcrumb" {
			var f Frame
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("journal: parse breadcrumb: %w", err)
			}
			j.frame = f
			continue
		}
		var kv map[string]yaml.Node
		if err := yaml.Unmarshal(data, &kv); err != nil {
			return fmt.Errorf("journal: parse table %s: %w", table, err)
		}
		j.tables[table] = kv
	}
	return nil
}

// Commit is a staged set of writes to a single table, flushed atomically by
// calling Commit.Apply.
type Commit struct {
	j       *Journal
	table   string
	sets    map[string]interface{}
	deletes map[string]struct{}
}

// Table begins a transaction against the named table.
func (j *Journal) Table(name string) *Commit {
	return &Commit{j: j, table: name, sets: make(map[string]interface{}), deletes: make(map[string]struct{})}
}

// Set stages a key-value write.
func (c *Commit) Set(key string, value interface{}) *Commit {
	c.sets[key] = value
	delete(c.deletes, key)
	return c
}

// Delete stages a key removal.
func (c *Commit) Delete(key string) *Commit {
	c.deletes[key] = struct{}{}
	delete(c.sets, key)
	return c
}

// Apply flushes the staged mutations atomically: the in-memory table map is
// only mutated once every value has successfully marshaled, and the on-disk
// file is written via a temp-file-then-rename so no partial state is ever
// visible on disk (spec §4.A "no partial visibility"; "any I/O failure
// during commit is fatal").
func (c *Commit) Apply() error {
	c.j.mu.Lock()
	defer c.j.mu.Unlock()

	kv, ok := c.j.tables[c.table]
	if !ok {
		kv = make(map[string]yaml.Node)
	} else {
		// copy-on-write so a failed marshal never corrupts the live table
		cp := make(map[string]yaml.Node, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		kv = cp
	}

	for k, v := range c.sets {
		var node yaml.Node
		if err := node.Encode(v); err != nil {
			return fmt.Errorf("journal: marshal %s/%s: %w", c.table, k, err)
		}
		kv[k] = node
	}
	for k := range c.deletes {
		delete(kv, k)
	}

	if c.j.enabled {
		if err := c.j.writeTable(c.table, kv); err != nil {
			return err
		}
	}
	c.j.tables[c.table] = kv
	return nil
}

func (c *Commit) String() string {
	return fmt.Sprintf("journal.Commit{table=%s, sets=%d, deletes=%d}", c.table, len(c.sets), len(c.deletes))
}

func (j *Journal) writeTable(table string, kv map[string]yaml.Node) error {
	data, err := yaml.Marshal(kv)
	if err != nil {
		return fmt.Errorf("journal: marshal table %s: %w", table, err)
	}
	path := j.tablePath(table)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("journal: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("journal: rename %s: %w", tmp, err)
	}
	return nil
}

// Map rehydrates dest from the named table's entry for key. A missing key
// is not an error (spec §4.A "reads returning 'not found' are not errors");
// dest is left untouched and ok is false.
func (j *Journal) Map(table, key string, dest interface{}) (ok bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kv, exists := j.tables[table]
	if !exists {
		return false, nil
	}
	raw, exists := kv[key]
	if !exists {
		return false, nil
	}
	if err := raw.Decode(dest); err != nil {
		return false, fmt.Errorf("journal: unmarshal %s/%s: %w", table, key, err)
	}
	return true, nil
}

// MapAll rehydrates every entry of the named table, keyed by its string key.
func (j *Journal) MapAll(table string) map[string]yaml.Node {
	j.mu.Lock()
	defer j.mu.Unlock()
	kv, ok := j.tables[table]
	if !ok {
		return nil
	}
	out := make(map[string]yaml.Node, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	return out
}

// SetBreadcrumb records the (frame, queue, substep, last-unit) tuple before
// an externally observable action, per spec §4.A.
func (j *Journal) SetBreadcrumb(f Frame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frame = f
	if !j.enabled {
		return nil
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("journal: marshal breadcrumb: %w", err)
	}
	path := filepath.Join(j.dir, "__breadcrumb.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("journal: write breadcrumb: %w", err)
	}
	return os.Rename(tmp, path)
}

// Breadcrumb returns the last recorded frame.
func (j *Journal) Breadcrumb() Frame {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.frame
}

// CompensateFunc is called once per station during recovery to retry or roll
// forward whatever was interrupted at the recorded breadcrumb. It must be
// idempotent: running recovery twice yields the same state (spec §8
// invariant 5).
type CompensateFunc func(last Frame) error

// CompensateLast runs fn against the current breadcrumb if the journal is
// enabled; when disabled it is a no-op, matching the "enable flag" contract.
func (j *Journal) CompensateLast(station string, fn CompensateFunc) error {
	if !j.enabled {
		return nil
	}
	last := j.Breadcrumb()
	logging.Debug("Journal", "compensating station %s at frame %d (%s/%s, last unit %q)",
		station, last.Frame, last.Queue, last.Substep, last.LastUnit)
	return fn(last)
}

// Enabled reports whether the journal participates in recovery.
func (j *Journal) Enabled() bool { return j.enabled }
