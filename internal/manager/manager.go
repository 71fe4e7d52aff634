// Package manager wires every §4 component into one running daemon (spec
// §4.I): the registry, dependency graph, journal, loader, job engine, and
// scheduler all hang off one *Manager value. It is the module's sole public
// control surface, since §1 places the DBus/IPC wire format out of scope —
// Manager's exported methods (StartUnit, StopUnit, ...) are themselves the
// control surface a real init system would expose over DBus.
//
// Grounded on the teacher's internal/orchestrator.Orchestrator: a single
// struct created with New(Config), wiring a registry and publishing state
// changes to subscriber channels, generalized here from the teacher's
// static/ServiceClass service split to coreinit's loader/job-engine/
// scheduler pipeline.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreos/go-systemd/v22/daemon"

	"coreinit/internal/depgraph"
	"coreinit/internal/job"
	"coreinit/internal/journal"
	"coreinit/internal/loader"
	"coreinit/internal/registry"
	"coreinit/internal/scheduler"
	"coreinit/internal/service"
	"coreinit/internal/spawn"
	"coreinit/internal/unit"
	"coreinit/internal/unitfile"
	"coreinit/pkg/logging"
)

// Event is published on the manager's notification bus whenever a unit's
// externally-observed state changes — the Go-native stand-in for the DBus
// PropertiesChanged signal spec §1 places out of scope.
type Event struct {
	Unit      unit.ID
	State     unit.ActiveState
	Timestamp time.Time
}

// Manager owns every §4 component and is constructed explicitly by the
// caller (spec §9 "explicit Manager value, no singletons"): there is no
// package-level state anywhere in coreinit.
type Manager struct {
	reg   *registry.Registry
	graph *depgraph.Graph
	jrn   *journal.Journal
	ldr   *loader.Loader
	eng   *job.Engine
	sched *scheduler.Scheduler

	cfg Config

	// spawnFn defaults to spawn.Spawn; tests in this package override it to
	// avoid forking real processes while still exercising pid-tracking.
	spawnFn func(spawn.Request) (int, error)

	mu          sync.Mutex
	subscribers []chan<- Event
}

// New builds a Manager from cfg: opens the journal, constructs the registry/
// graph/loader/engine/scheduler, and wires the loader's SubFactory back to
// the Manager itself so every Service sub-unit's spawner and notifier close
// over the scheduler's pid-tracking and the job engine's notify callback.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	jrn, err := journal.Open(cfg.JournalDir, cfg.JournalDir != "")
	if err != nil {
		return nil, fmt.Errorf("manager: open journal: %w", err)
	}

	m := &Manager{
		reg:   registry.New(),
		graph: depgraph.New(),
		jrn:   jrn,
		cfg:   cfg,
	}

	m.ldr = loader.New(m.reg, m.graph, cfg.SearchPath, m.subFactory, jrn)
	m.eng = job.New(m.reg, m.graph, m.ldr)
	m.eng.OnFallback = m.onJobFallback

	sched, err := scheduler.New(m.reg, m.graph, m.ldr, m.eng, cfg.SearchPath.Dirs())
	if err != nil {
		return nil, fmt.Errorf("manager: create scheduler: %w", err)
	}
	if cfg.CGroupRoot != "" {
		sched.CGroupRoot = cfg.CGroupRoot
	}
	m.sched = sched

	return m, nil
}

// Run starts the scheduler's event loop and blocks until ctx is canceled. If
// coreinit was itself started by a supervising instance, it signals
// readiness over NOTIFY_SOCKET once the loop is live.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.sched.Run(ctx) }()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn("Manager", "sd_notify READY failed: %v", err)
	} else if ok {
		logging.Info("Manager", "signaled READY=1 to supervising instance")
	}

	return <-done
}

// subFactory implements loader.SubFactory: Service units get the full state
// machine from internal/service; every other unit type gets the uniform
// passive implementation spec.md explicitly allows ("Socket, Mount, Timer,
// Target, Path are assumed to present the same SubUnit contract").
func (m *Manager) subFactory(id unit.ID, typ unit.Type, _ *unit.Config) (unit.SubUnit, error) {
	if typ == unit.TypeService {
		return service.New(id, m.spawnerFor(id), m.notifierFor(id)), nil
	}
	return newPassiveUnit(id, m.notifierFor(id)), nil
}

// spawnerFor returns a service.Spawner that delegates to spawn.Spawn and
// registers the resulting pid with the scheduler, so a later SIGCHLD reap
// routes back to this unit's SubUnit (spec §4.H invariant "a pid belongs to
// at most one unit").
func (m *Manager) spawnerFor(id unit.ID) service.Spawner {
	spawnFn := m.spawnFn
	if spawnFn == nil {
		spawnFn = spawn.Spawn
	}
	return func(req spawn.Request) (int, error) {
		pid, err := spawnFn(req)
		if err != nil {
			return 0, err
		}
		m.sched.TrackPID(id, pid)
		return pid, nil
	}
}

// notifierFor returns a service.Notifier that updates the unit's active
// state, feeds the job engine's OnUnitNotify (spec §4.E "unit state -> job
// result mapping"), and publishes an Event to every manager subscriber.
func (m *Manager) notifierFor(id unit.ID) service.Notifier {
	return func(_ unit.ID, newState unit.ActiveState, reloadFailure bool) {
		if u, ok := m.reg.Get(id); ok {
			u.SetActiveState(newState)
		}
		m.eng.OnUnitNotify(id, newState, reloadFailure)
		m.publish(Event{Unit: id, State: newState, Timestamp: time.Now()})
	}
}

func (m *Manager) onJobFallback(dependent, cause unit.ID) {
	logging.Warn("Manager", "job for %s cancelled: dependency failure propagated from %s", dependent, cause)
}

// Subscribe returns a channel receiving every unit state-change Event. The
// channel is buffered; a slow subscriber drops events rather than blocking
// the loop thread (mirrors the teacher's SubscribeToStateChanges).
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	subs := make([]chan<- Event, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			logging.Debug("Manager", "subscriber channel full, dropping event for %s", ev.Unit)
		}
	}
}

// exec runs one transaction, logging it under a correlation id so every job
// in its fan-out can be grepped together, then kicks an immediate dispatch
// pass instead of waiting for the scheduler's next poll tick.
func (m *Manager) exec(id unit.ID, kind job.Kind, mode job.Mode) (*job.Affect, error) {
	txID := uuid.New().String()
	logging.Info("Manager", "tx=%s exec %s %s (mode=%s)", txID, kind, id, modeName(mode))

	affect, err := m.eng.Exec(id, kind, mode, m.cfg.JobTimeout)
	if err != nil {
		logging.Warn("Manager", "tx=%s exec %s %s failed: %v", txID, kind, id, err)
		return nil, err
	}
	for unitID, j := range affect.Jobs {
		logging.Debug("Manager", "tx=%s job %s for %s (run=%s)", txID, j.Kind, unitID, j.RunKind)
	}
	m.sched.DispatchNow()
	return affect, nil
}

// StartUnit requests KindStart (spec §8 scenario S1).
func (m *Manager) StartUnit(id unit.ID) (*job.Affect, error) {
	return m.exec(id, job.KindStart, job.ModeReplace)
}

// StopUnit requests KindStop (spec §8 scenario S5).
func (m *Manager) StopUnit(id unit.ID) (*job.Affect, error) {
	return m.exec(id, job.KindStop, job.ModeReplace)
}

// ReloadUnit requests KindReload (spec §8 scenario S4 variants).
func (m *Manager) ReloadUnit(id unit.ID) (*job.Affect, error) {
	return m.exec(id, job.KindReload, job.ModeReplace)
}

// RestartUnit requests KindRestart, which the job engine decomposes into a
// Stop half followed by a Start half (spec §8 scenario S3).
func (m *Manager) RestartUnit(id unit.ID) (*job.Affect, error) {
	return m.exec(id, job.KindRestart, job.ModeReplace)
}

// IsolateUnit requests KindStart under ModeIsolate: every active unit not
// pulled in by the target is stopped (spec §8 scenario S6).
func (m *Manager) IsolateUnit(id unit.ID) (*job.Affect, error) {
	return m.exec(id, job.KindStart, job.ModeIsolate)
}

// TriggerUnit requests KindStart under ModeTrigger: units that Trigger the
// target are stopped as part of the same transaction (spec §3 "Triggers").
func (m *Manager) TriggerUnit(id unit.ID) (*job.Affect, error) {
	return m.exec(id, job.KindStart, job.ModeTrigger)
}

// DryRun plans a transaction without committing it, returning the job set
// Exec would create (spec §2 supplemented feature: install-queue dry run).
func (m *Manager) DryRun(id unit.ID, kind job.Kind, mode job.Mode) (*job.Affect, error) {
	return m.eng.Plan(id, kind, mode)
}

// Reload rescans the unit search path for files the loader has not seen yet
// (spec §4.I "daemon-reload"): this is explicit and stage-gated, not a
// transparent background reload, per spec.md's Non-goals.
func (m *Manager) Reload() (int, error) {
	ids, err := unitfile.Discover(m.cfg.SearchPath)
	if err != nil {
		return 0, fmt.Errorf("manager: reload: %w", err)
	}
	queued := 0
	for _, id := range ids {
		if u, ok := m.reg.Get(id); ok && u.LoadState().IsTerminal() {
			continue
		}
		m.sched.Push(scheduler.QueueLoad, id)
		queued++
	}
	m.sched.DrainQueuesNow()
	return queued, nil
}

// UnitStatus is a read-only projection combining unit and job-table state,
// the Go-native analog of `systemctl status` (spec §2 supplemented feature).
type UnitStatus struct {
	ID          unit.ID
	Type        unit.Type
	LoadState   unit.LoadState
	ActiveState unit.ActiveState
	MainPID     int
	CGroupPath  string
	LastError   error
	RunningJob  job.Kind
	HasJob      bool
}

// Status projects a single unit's current state.
func (m *Manager) Status(id unit.ID) (UnitStatus, bool) {
	u, ok := m.reg.Get(id)
	if !ok {
		return UnitStatus{}, false
	}
	st := UnitStatus{
		ID:          u.ID(),
		Type:        u.Type(),
		LoadState:   u.LoadState(),
		ActiveState: u.ActiveState(),
		MainPID:     u.MainPID(),
		CGroupPath:  u.CGroupPath(),
		LastError:   u.LastError(),
	}
	if j, running := m.eng.Table().Running(id); running {
		st.RunningJob = j.Kind
		st.HasJob = true
	}
	return st, true
}

// ListUnits projects every registered unit's status, sorted by id.
func (m *Manager) ListUnits() []UnitStatus {
	all := m.reg.All()
	out := make([]UnitStatus, 0, len(all))
	for _, u := range all {
		st, _ := m.Status(u.ID())
		out = append(out, st)
	}
	sortStatuses(out)
	return out
}

func sortStatuses(s []UnitStatus) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].ID < s[j-1].ID; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func modeName(m job.Mode) string {
	switch m {
	case job.ModeFail:
		return "fail"
	case job.ModeReplace:
		return "replace"
	case job.ModeReplaceIrreversible:
		return "replace-irreversible"
	case job.ModeIsolate:
		return "isolate"
	case job.ModeFlush:
		return "flush"
	case job.ModeIgnoreDependencies:
		return "ignore-dependencies"
	case job.ModeIgnoreRequirements:
		return "ignore-requirements"
	case job.ModeTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}
