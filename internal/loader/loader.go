// Package loader implements ensure_loaded, the unit load pipeline's single
// public operation (spec §4.D): interning, search-path resolution, parsing,
// alias/merge handling, subunit instantiation, and default-dependency
// synthesis. It is grounded on the teacher's internal/config.Loader
// (resolve-then-parse-then-validate shape) generalized from a single YAML
// config to the full load-state machine.
package loader

import (
	"errors"
	"fmt"

	"coreinit/internal/depgraph"
	"coreinit/internal/journal"
	"coreinit/internal/registry"
	"coreinit/internal/unit"
	"coreinit/internal/unitfile"
	"coreinit/pkg/logging"
)

// SubFactory constructs the type-specific sub-unit for a freshly-loaded
// unit, per spec §9 "a factory keyed by unit type constructs the variant".
type SubFactory func(id unit.ID, typ unit.Type, cfg *unit.Config) (unit.SubUnit, error)

// Loader drives ensure_loaded against a registry and graph shared with the
// rest of the manager.
type Loader struct {
	reg        *registry.Registry
	graph      *depgraph.Graph
	searchPath unitfile.SearchPath
	subFactory SubFactory
	journal    *journal.Journal
}

// New creates a Loader. j may be nil, in which case load-time journaling of
// the unit table is skipped (still valid: the journal's enable flag already
// covers disabled recovery; passing nil covers callers with no journal at
// all, e.g. unit tests).
func New(reg *registry.Registry, graph *depgraph.Graph, sp unitfile.SearchPath, sf SubFactory, j *journal.Journal) *Loader {
	return &Loader{reg: reg, graph: graph, searchPath: sp, subFactory: sf, journal: j}
}

// EnsureLoaded returns a unit whose load state is terminal for this attempt
// (spec §4.D). Steps 1-2 (intern, dedupe-by-already-queued) are immediate;
// steps 3-9 run synchronously here since the scheduler's load queue, in this
// single-threaded design, drains by calling straight back into EnsureLoaded
// on the loop thread (spec §5: blocking I/O is done synchronously on the
// loop thread).
func (l *Loader) EnsureLoaded(id unit.ID) (*unit.Unit, error) {
	typ, ok := unit.TypeOf(id)
	if !ok {
		return nil, fmt.Errorf("loader: %w", unit.Validate(id))
	}

	u := l.reg.GetOrCreate(id, typ)
	if u.LoadState() != unit.LoadStub {
		return u, nil // step 1: not Stub, already terminal
	}

	mainFile, dropins, err := unitfile.Resolve(l.searchPath, id)
	if err != nil {
		if errors.Is(err, unitfile.ErrNotFound) {
			u.SetLoadState(unit.LoadNotFound)
			return u, nil
		}
		u.SetLoadState(unit.LoadError)
		u.SetLastError(err)
		return u, nil
	}

	cfg, err := unitfile.Parse(mainFile, dropins)
	if err != nil {
		var bse *unitfile.BadSettingError
		if errors.As(err, &bse) {
			u.SetLoadState(unit.LoadBadSetting)
			u.SetLastError(err)
			return u, nil
		}
		u.SetLoadState(unit.LoadError)
		u.SetLastError(err)
		return u, nil
	}

	merged, err := l.applyInstallSection(u, cfg)
	if err != nil {
		u.SetLoadState(unit.LoadError)
		u.SetLastError(err)
		return u, nil
	}
	if merged {
		// Merged is absorbing for the donor (spec §4.D "Load-state machine"):
		// stop here rather than overwrite the state SetMerged just set.
		return u, nil
	}

	u.SetConfig(cfg)

	sub, err := l.subFactory(id, typ, cfg)
	if err != nil {
		u.SetLoadState(unit.LoadError)
		u.SetLastError(err)
		return u, nil
	}
	if err := sub.Load(cfg); err != nil {
		u.SetLoadState(unit.LoadError)
		u.SetLastError(err)
		return u, nil
	}
	u.SetSub(sub)

	l.insertConfigEdges(id, cfg)
	if cfg.DefaultDependencies {
		l.synthesizeDefaultDeps(id, typ)
	}

	u.SetLoadState(unit.LoadLoaded)
	u.SetPending(unit.PendingTargetDeps, true)

	if l.journal != nil {
		_ = l.journal.Table("units").Set(string(id), cfg).Apply()
	}

	logging.Info("Loader", "loaded unit %s (type=%s)", id, typ)
	return u, nil
}

// applyInstallSection processes step 5 (alias → rename to real name) and
// step 6 (Merged) via the registry's alias table, plus registers [Install]
// Alias= names. It reports merged=true when u turned out to be a second real
// unit claiming a name already owned by another unit, in which case u is now
// terminal (Merged) and the caller must not process it any further.
func (l *Loader) applyInstallSection(u *unit.Unit, cfg *unit.Config) (merged bool, err error) {
	canonical := l.reg.CanonicalID(u.ID())
	if canonical != u.ID() {
		if err := l.reg.Rename(u.ID(), canonical); err != nil {
			if errors.Is(err, registry.ErrTargetRegistered) {
				if mErr := l.reg.Merge(u.ID(), canonical); mErr != nil {
					return false, fmt.Errorf("loader: merge %s into %s: %w", u.ID(), canonical, mErr)
				}
				logging.Info("Loader", "merged %s into %s", u.ID(), canonical)
				return true, nil
			}
			return false, fmt.Errorf("loader: rename %s to %s: %w", u.ID(), canonical, err)
		}
	}
	for _, a := range cfg.Alias {
		if err := l.reg.AddAlias(u.ID(), unit.ID(a)); err != nil {
			logging.Warn("Loader", "cannot register alias %s for %s: %v", a, u.ID(), err)
		}
	}
	return false, nil
}

func (l *Loader) insertConfigEdges(id unit.ID, cfg *unit.Config) {
	insert := func(rel unit.Relation, targets []unit.ID, inverse bool) {
		for _, t := range targets {
			l.graph.Insert(id, rel, t, inverse, unit.MaskConfig)
		}
	}
	insert(unit.Wants, cfg.Wants, true)
	insert(unit.Requires, cfg.Requires, true)
	insert(unit.BindsTo, cfg.BindsTo, true)
	insert(unit.Requisite, cfg.Requisite, true)
	insert(unit.PartOf, cfg.PartOf, true)
	insert(unit.Conflicts, cfg.Conflicts, true)
	insert(unit.Before, cfg.Before, true)
	insert(unit.After, cfg.After, true)
	insert(unit.Triggers, cfg.Triggers, true)

	// [Install] WantedBy/RequiredBy point the other direction: the named
	// unit wants/requires *this* one.
	for _, t := range cfg.WantedBy {
		l.graph.Insert(t, unit.Wants, id, true, unit.MaskConfig)
	}
	for _, t := range cfg.RequiredBy {
		l.graph.Insert(t, unit.Requires, id, true, unit.MaskConfig)
	}
}

// synthesizeDefaultDeps implements step 8: targets (and the other default-
// dependency-aware types) acquire After/Requires edges to their standard
// pre-targets, unless the unit opted out.
func (l *Loader) synthesizeDefaultDeps(id unit.ID, typ unit.Type) {
	for _, d := range unitfile.DefaultDependenciesFor(typ) {
		l.graph.Insert(id, d.Rel, d.Target, true, unit.MaskDefault)
	}
}
