package manager

import (
	"sync"

	"coreinit/internal/unit"
)

// passiveUnit is the uniform SubUnit implementation for every unit type
// besides Service: Socket, Target, Mount, Timer, Path, Device, Scope, Slice
// all present the same contract per spec.md's own scoping ("Socket, Mount,
// Timer, Target, Path are assumed to present the same SubUnit contract").
// It has no process of its own — Start and Stop just flip the active state,
// which is exactly a Target's semantics and a reasonable stand-in for the
// others until a type-specific implementation is warranted.
// passiveNotifier mirrors service.Notifier's signature so passiveUnit can
// report its (synchronous) state changes back to the job engine the same
// way Service does.
type passiveNotifier func(id unit.ID, newState unit.ActiveState, reloadFailure bool)

type passiveUnit struct {
	mu     sync.Mutex
	id     unit.ID
	state  unit.ActiveState
	notify passiveNotifier
}

func newPassiveUnit(id unit.ID, notify passiveNotifier) *passiveUnit {
	return &passiveUnit{id: id, state: unit.StateInactive, notify: notify}
}

func (p *passiveUnit) Load(*unit.Config) error { return nil }

// Start transitions straight to Active: a passive unit has no process whose
// exit the job engine needs to wait for, so it notifies immediately rather
// than leaving the Start job running (spec §4.E "unit state -> job result
// mapping" requires a notify to close the job).
func (p *passiveUnit) Start() error {
	p.mu.Lock()
	p.state = unit.StateActive
	p.mu.Unlock()
	if p.notify != nil {
		p.notify(p.id, unit.StateActive, false)
	}
	return nil
}

func (p *passiveUnit) Stop(bool) error {
	p.mu.Lock()
	p.state = unit.StateInactive
	p.mu.Unlock()
	if p.notify != nil {
		p.notify(p.id, unit.StateInactive, false)
	}
	return nil
}

func (p *passiveUnit) Reload() error { return nil }

func (p *passiveUnit) Verify() error { return nil }

func (p *passiveUnit) CurrentActiveState() unit.ActiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *passiveUnit) SigchldEvent(int, int, bool, int) {}

func (p *passiveUnit) NotifyMessage(string) {}

func (p *passiveUnit) CollectFDs() []int { return nil }
