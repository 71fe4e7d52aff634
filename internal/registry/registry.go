// Package registry implements the unit registry from spec §4.B: it interns
// unit identifiers and owns the arena of *unit.Unit handles that every other
// component looks units up through, following the teacher's
// internal/services/registry.go Register/Get/GetAll shape generalized to
// alias-aware lookup.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"coreinit/internal/unit"
)

// ErrTargetRegistered is returned by Rename when newID already names a
// distinct real unit. The loader's cue to merge the donor into that owner
// instead of treating the collision as a load error (spec §4.D step 6).
var ErrTargetRegistered = errors.New("rename target already registered")

// Registry interns unit identifiers, mapping canonical ids and aliases to
// the same *unit.Unit handle (spec invariant 1).
type Registry struct {
	mu    sync.RWMutex
	byID  map[unit.ID]*unit.Unit // canonical id -> handle
	alias map[unit.ID]unit.ID    // alias -> canonical id
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[unit.ID]*unit.Unit),
		alias: make(map[unit.ID]unit.ID),
	}
}

// Get returns the unit known by id (canonical or alias), or (nil, false).
func (r *Registry) Get(id unit.ID) (*unit.Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canon, ok := r.alias[id]; ok {
		id = canon
	}
	u, ok := r.byID[id]
	return u, ok
}

// Insert interns u under its own ID. It is an error to insert a second unit
// under an ID already present.
func (r *Registry) Insert(u *unit.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := u.ID()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("unit %s already registered", id)
	}
	r.byID[id] = u
	return nil
}

// GetOrCreate returns the existing unit for id, or interns a freshly-created
// Stub unit of type typ and returns that. This is the entry point used by
// ensure_loaded (spec §4.D step 1: "Intern the id").
func (r *Registry) GetOrCreate(id unit.ID, typ unit.Type) *unit.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if canon, ok := r.alias[id]; ok {
		id = canon
	}
	if u, ok := r.byID[id]; ok {
		return u
	}
	u := unit.New(id, typ)
	r.byID[id] = u
	return u
}

// AddAlias makes alias resolve to the same handle as canon. Both the alias
// map and the unit's own alias set are updated so that Aliases() reflects
// every name pointing at the handle.
func (r *Registry) AddAlias(canon, alias unit.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[canon]
	if !ok {
		return fmt.Errorf("cannot alias unknown unit %s", canon)
	}
	if existingCanon, ok := r.alias[alias]; ok && existingCanon != canon {
		return fmt.Errorf("alias %s already points at %s", alias, existingCanon)
	}
	if _, ok := r.byID[alias]; ok && alias != canon {
		return fmt.Errorf("alias %s collides with a real unit", alias)
	}
	r.alias[alias] = canon
	u.AddAlias(alias)
	return nil
}

// Rename moves a unit from oldID to newID (spec §4.D step 5: the loader
// discovers that an opened alias name is actually the real unit and renames
// the in-memory unit). The old id becomes an alias of the new one.
func (r *Registry) Rename(oldID, newID unit.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[oldID]
	if !ok {
		return fmt.Errorf("cannot rename unknown unit %s", oldID)
	}
	if _, exists := r.byID[newID]; exists {
		return fmt.Errorf("cannot rename %s to %s: %w", oldID, newID, ErrTargetRegistered)
	}
	delete(r.byID, oldID)
	r.byID[newID] = u
	r.alias[oldID] = newID
	return nil
}

// Merge marks the unit at oldID as merged into the unit already registered at
// newID (spec §4.D step 6): oldID becomes an alias of newID so future lookups
// transparently resolve to the owner, and the donor unit is left behind
// marked Merged (via unit.SetMerged) for diagnostics. Merged is absorbing:
// the donor's own byID entry is dropped, so it can never again be reached
// except through the handle a caller already holds.
func (r *Registry) Merge(oldID, newID unit.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	donor, ok := r.byID[oldID]
	if !ok {
		return fmt.Errorf("cannot merge unknown unit %s", oldID)
	}
	if _, ok := r.byID[newID]; !ok {
		return fmt.Errorf("cannot merge %s into unknown unit %s", oldID, newID)
	}
	delete(r.byID, oldID)
	r.alias[oldID] = newID
	donor.SetMerged(newID)
	return nil
}

// All returns every distinct unit, iterating over the canonical key set
// (aliases are not double-counted).
func (r *Registry) All() []*unit.Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*unit.Unit, 0, len(r.byID))
	for _, u := range r.byID {
		out = append(out, u)
	}
	return out
}

// Remove deletes a unit and every alias pointing at it (spec: GC, "destroyed
// only when GC criteria are met").
func (r *Registry) Remove(id unit.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for a, canon := range r.alias {
		if canon == id {
			delete(r.alias, a)
		}
	}
}

// CanonicalID resolves id through the alias table without requiring the
// unit to already exist in the registry.
func (r *Registry) CanonicalID(id unit.ID) unit.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canon, ok := r.alias[id]; ok {
		return canon
	}
	return id
}
