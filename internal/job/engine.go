package job

import (
	"errors"
	"fmt"
	"time"

	"coreinit/internal/depgraph"
	"coreinit/internal/loader"
	"coreinit/internal/registry"
	"coreinit/internal/unit"
	"coreinit/pkg/logging"
)

// ErrConflict is returned by Exec when the transaction conflicts with the
// committed table under ModeFail (spec §4.E "Verify", §8 scenario S2).
type ErrConflict struct {
	Unit unit.ID
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("job: conflicting transaction for unit %s", e.Unit)
}

// Affect is the per-call result object returned by Exec: the set of jobs the
// transaction placed (newly committed or merged into an existing one), per
// spec §7 "summarized into a single result object with zero or more
// per-unit entries".
type Affect struct {
	Jobs map[unit.ID]*Job
}

// Engine is the job engine and transaction planner (spec §4.E). It shares
// the registry and graph with the loader and scheduler.
type Engine struct {
	reg   *registry.Registry
	graph *depgraph.Graph
	ldr   *loader.Loader
	table *Table

	// OnFallback is invoked when a job closes with a non-Done result that
	// triggers PropagateStartFailure/PropagateStopFailure, once per
	// cancelled dependent (manager wiring hook).
	OnFallback func(dependent unit.ID, cause unit.ID)
}

// New creates an Engine over a shared registry/graph/loader.
func New(reg *registry.Registry, graph *depgraph.Graph, ldr *loader.Loader) *Engine {
	return &Engine{reg: reg, graph: graph, ldr: ldr, table: NewTable()}
}

// Table exposes the committed job table for the scheduler.
func (e *Engine) Table() *Table { return e.table }

// Exec runs the full transaction algorithm: expand, affect, verify, commit
// (spec §4.E).
func (e *Engine) Exec(target unit.ID, kind Kind, mode Mode, jobTimeout time.Duration) (*Affect, error) {
	stage := make(map[unit.ID]*Job)

	if err := e.expand(stage, target, kind, mode, 0, true); err != nil {
		return nil, err
	}

	if mode == ModeIsolate {
		e.affectIsolate(stage, target)
	}
	if mode == ModeTrigger {
		e.affectTrigger(stage, target)
	}

	if err := e.verify(stage, mode); err != nil {
		return nil, err
	}

	return e.commit(stage, jobTimeout), nil
}

// expand recurses the dependency graph by atom, staging a Job per unit
// touched (spec §4.E step 1). Unit-not-loadable failures on the primary
// target propagate; on a dependency they are swallowed (BadRequest).
func (e *Engine) expand(stage map[unit.ID]*Job, id unit.ID, kind Kind, mode Mode, attr Attr, primary bool) error {
	if _, already := stage[id]; already {
		return nil // "Record ... marking it new. Only if new ... recurse"
	}

	u, err := e.ldr.EnsureLoaded(id)
	if err != nil {
		if primary {
			return fmt.Errorf("job: cannot expand %s: %w", id, err)
		}
		return nil // swallowed BadRequest on an optional edge
	}
	if u.LoadState() == unit.LoadNotFound || u.LoadState() == unit.LoadError {
		if primary {
			return fmt.Errorf("job: cannot expand %s: load state %v", id, u.LoadState())
		}
		return nil // swallowed BadRequest on an optional edge
	}

	effectiveKind := kind
	if kind == KindTryReload || kind == KindTryRestart {
		if !u.ActiveState().IsRunning() {
			effectiveKind = KindNop
		}
	}

	j := &Job{
		ID:      e.table.newID(),
		Unit:    id,
		Kind:    effectiveKind,
		RunKind: initialRunKind(effectiveKind),
		Stage:   StageInit,
		Attr:    attr,
	}
	stage[id] = j

	if mode == ModeIgnoreDependencies || mode == ModeIgnoreRequirements {
		return nil
	}

	switch effectiveKind {
	case KindStart, KindReloadOrStart:
		for _, dep := range e.graph.GetsAtom(id, depgraph.PullInStart) {
			_ = e.expand(stage, dep, KindStart, mode, attr, false)
		}
		for _, dep := range e.graph.GetsAtom(id, depgraph.PullInVerify) {
			_ = e.expand(stage, dep, KindVerify, mode, attr, false)
		}
		for _, dep := range e.graph.GetsAtom(id, depgraph.PullInStop) {
			_ = e.expand(stage, dep, KindStop, mode, attr, false)
		}
	case KindStop:
		for _, dep := range e.graph.GetsAtom(id, depgraph.PropagateStop) {
			_ = e.expand(stage, dep, KindStop, mode, attr, false)
		}
		for _, dep := range e.graph.GetsAtom(id, depgraph.PropagateRestart) {
			_ = e.expand(stage, dep, KindTryRestart, mode, attr, false)
		}
	case KindReload:
		for _, dep := range e.graph.GetsAtom(id, depgraph.PropagatesReloadTo) {
			_ = e.expand(stage, dep, KindTryReload, mode, attr, false)
		}
	case KindRestart:
		_ = e.expand(stage, id, KindStart, mode, attr, primary)
		_ = e.expand(stage, id, KindStop, mode, attr, primary)
	}
	return nil
}

// Plan runs expand/affect/verify without committing, for the manager's
// dry-run operation (spec §4.I "DryRun"): callers see exactly the job set
// Exec would commit, with no effect on the job table or any unit.
func (e *Engine) Plan(target unit.ID, kind Kind, mode Mode) (*Affect, error) {
	stage := make(map[unit.ID]*Job)

	if err := e.expand(stage, target, kind, mode, 0, true); err != nil {
		return nil, err
	}
	if mode == ModeIsolate {
		e.affectIsolate(stage, target)
	}
	if mode == ModeTrigger {
		e.affectTrigger(stage, target)
	}
	if err := e.verify(stage, mode); err != nil {
		return nil, err
	}

	affect := &Affect{Jobs: make(map[unit.ID]*Job, len(stage))}
	for id, j := range stage {
		affect.Jobs[id] = j
	}
	return affect, nil
}

// affectIsolate expands Stop for every unit not already staged and not
// IgnoreOnIsolate (spec §4.E step 2, §8 S6).
func (e *Engine) affectIsolate(stage map[unit.ID]*Job, target unit.ID) {
	for _, u := range e.reg.All() {
		if u.ID() == target {
			continue
		}
		if _, staged := stage[u.ID()]; staged {
			continue
		}
		if u.IgnoreOnIsolate() {
			continue
		}
		_ = e.expand(stage, u.ID(), KindStop, ModeIsolate, 0, false)
	}
}

// affectTrigger expands Stop for every unit that Triggers the target (spec
// §4.E step 2).
func (e *Engine) affectTrigger(stage map[unit.ID]*Job, target unit.ID) {
	for _, src := range e.graph.GetsAtom(target, depgraph.TriggeredByAtom) {
		if _, staged := stage[src]; !staged {
			_ = e.expand(stage, src, KindStop, ModeTrigger, 0, false)
		}
	}
}

// verify checks the staged transaction for internal conflicts and for
// conflicts against the committed table (spec §4.E step 3).
func (e *Engine) verify(stage map[unit.ID]*Job, mode Mode) error {
	for id, staged := range stage {
		var committed []*Job
		if running, ok := e.table.Running(id); ok {
			committed = append(committed, running)
		}
		for _, q := range e.table.suspends[id] {
			committed = append(committed, q)
		}
		for _, c := range committed {
			if opposes(c.RunKind, staged.RunKind) {
				irreversible := c.Attr.Has(AttrIrreversible) || staged.Attr.Has(AttrIrreversible)
				if mode == ModeFail {
					return &ErrConflict{Unit: id}
				}
				if irreversible && mode != ModeReplaceIrreversible {
					return &ErrConflict{Unit: id}
				}
			}
		}
	}
	return nil
}

// commit moves staged jobs into the committed table, coalescing merges
// (spec §4.E step 4).
func (e *Engine) commit(stage map[unit.ID]*Job, jobTimeout time.Duration) *Affect {
	affect := &Affect{Jobs: make(map[unit.ID]*Job, len(stage))}

	for id, j := range stage {
		if jobTimeout > 0 {
			j.Deadline = time.Now().Add(jobTimeout)
		}
		if running, ok := e.table.Running(id); ok && running.RunKind == j.RunKind {
			running.Attr |= j.Attr
			j.Result = Merged
			affect.Jobs[id] = running
			continue
		}
		if e.table.insertQueued(j) {
			j.Result = Merged
		}
		affect.Jobs[id] = j
	}
	return affect
}

// Dispatch promotes every queued job whose ordering predecessors are
// satisfied and invokes its action, returning the set of jobs it started
// running (spec §4.E "Job scheduling", "Running a job"). Ordering uses
// AtomBefore/AtomAfter unless the job has AttrIgnoreOrder.
func (e *Engine) Dispatch(subOf func(unit.ID) unit.SubUnit) []*Job {
	var started []*Job

	// Process ready units in After-respecting order rather than Go's random
	// map order, so that when several units become ready in the same
	// dispatch pass, the one its peers order After runs first.
	ids := make([]unit.ID, 0, len(e.table.suspends))
	for id := range e.table.suspends {
		ids = append(ids, id)
	}
	ordered, err := e.graph.TopoOrder(ids)
	if err != nil {
		logging.Warn("JobEngine", "topo order for dispatch: %v, falling back to map order", err)
		ordered = ids
	}

	for _, id := range ordered {
		m := e.table.suspends[id]
		if _, running := e.table.trigger[id]; running {
			continue // at most one running job per unit
		}
		for _, j := range m {
			if !e.orderSatisfied(j) {
				continue
			}
			e.table.promote(j)
			e.run(j, subOf(j.Unit))
			started = append(started, j)
			break // one promotion per unit per dispatch pass
		}
	}
	return started
}

func (e *Engine) orderSatisfied(j *Job) bool {
	if j.Attr.Has(AttrIgnoreOrder) {
		return true
	}
	var predecessors []unit.ID
	switch j.RunKind {
	case RunStart:
		predecessors = e.graph.GetsAtom(j.Unit, depgraph.AtomAfter)
	case RunStop:
		predecessors = e.graph.GetsAtom(j.Unit, depgraph.AtomBefore)
	default:
		return true
	}
	for _, p := range predecessors {
		if pj, ok := e.table.Running(p); ok {
			if !runKindCompatible(j.RunKind, pj.RunKind) {
				return false
			}
			continue
		}
		if len(e.table.suspends[p]) == 0 {
			continue // a predecessor with no job of its own imposes no wait
		}
		if pu, ok := e.reg.Get(p); ok {
			if j.RunKind == RunStart && !pu.ActiveState().IsRunning() {
				return false
			}
			if j.RunKind == RunStop && !pu.ActiveState().IsDown() {
				return false
			}
		}
	}
	return true
}

func runKindCompatible(a, b RunKind) bool { return a == b }

// run invokes the unit action for run-kind j.RunKind and maps the returned
// action error to a Result (spec §4.E "Running a job").
func (e *Engine) run(j *Job, sub unit.SubUnit) {
	if sub == nil {
		e.finish(j, Invalid)
		return
	}
	var err error
	switch j.RunKind {
	case RunStart:
		err = sub.Start()
	case RunStop:
		err = sub.Stop(j.Attr.Has(AttrForce))
	case RunReload:
		err = sub.Reload()
	case RunVerify:
		err = sub.Verify()
	case RunNop:
		e.finish(j, Done)
		return
	}

	result := resultForActionError(err)
	if result == resultKeepRunning {
		logging.Debug("JobEngine", "job %s: action accepted or returned EAgain, waiting for unit notify", j)
		return
	}
	e.finish(j, result)
}

// OnUnitNotify implements the "unit state -> job result mapping" table from
// spec §4.E, called by the manager's trigger_notify when a unit's job is
// Running.
func (e *Engine) OnUnitNotify(id unit.ID, newState unit.ActiveState, reloadFailure bool) {
	j, ok := e.table.Running(id)
	if !ok || j.Stage != StageRunning {
		return
	}

	result, keep, terminal := unitStateResult(j.RunKind, newState, reloadFailure)
	if !terminal {
		return
	}
	if !keep {
		// State arrived externally; the job's relevance ends, but it is
		// still closed with the observed result for reporting purposes.
	}
	e.finish(j, result)
}

// unitStateResult implements the table in spec §4.E. terminal=false means
// "no decision yet, keep waiting".
func unitStateResult(run RunKind, s unit.ActiveState, reloadFailure bool) (result Result, keep bool, terminal bool) {
	switch run {
	case RunStart:
		switch s {
		case unit.StateActive:
			return Done, true, true
		case unit.StateActivating:
			return 0, true, false
		case unit.StateInactive:
			return Done, false, true
		case unit.StateFailed:
			return Failed, false, true
		}
	case RunStop:
		switch s {
		case unit.StateInactive, unit.StateFailed:
			return Done, true, true
		case unit.StateDeactivating:
			return 0, true, false
		case unit.StateActive:
			return Failed, false, true
		}
	case RunReload:
		switch s {
		case unit.StateActive:
			if reloadFailure {
				return Failed, true, true
			}
			return Done, true, true
		case unit.StateReloading:
			return 0, true, false
		}
	}
	return 0, false, false
}

// finish closes a running job, advances multi-step decompositions (Restart),
// and triggers fallback propagation on non-Done terminal results (spec §4.E
// "Finishing a job").
func (e *Engine) finish(j *Job, result Result) {
	if result == Done && (j.Kind == KindRestart || j.Kind == KindTryRestart) && j.RunKind == RunStop {
		// Stop half of the decomposition finished: re-queue the Start half
		// (spec §4.E "Finishing a job", §8 scenario S3).
		j.RunKind = RunStart
		j.Stage = StageWait
		e.table.closeRunning(j.Unit)
		if m, ok := e.table.suspends[j.Unit]; ok {
			m[j.Kind] = j
		} else {
			e.table.suspends[j.Unit] = map[Kind]*Job{j.Kind: j}
		}
		return
	}

	j.Result = result
	j.Stage = StageEnd
	e.table.closeRunning(j.Unit)

	if result != Done {
		e.propagateFallback(j)
	}
}

// propagateFallback cancels dependent Start/Verify (or Stop) jobs along
// PropagateStartFailure/PropagateStopFailure (spec §4.E "Finishing a job",
// §7 "Dependency failure").
func (e *Engine) propagateFallback(j *Job) {
	var atom depgraph.Atom
	switch j.RunKind {
	case RunStart, RunVerify:
		atom = depgraph.PropagateStartFailure
	case RunStop:
		atom = depgraph.PropagateStopFailure
	default:
		return
	}

	for _, dep := range e.graph.GetsAtom(j.Unit, atom) {
		cancelled := false
		if running, ok := e.table.Running(dep); ok && (running.RunKind == RunStart || running.RunKind == RunVerify) {
			running.Result = Dependency
			running.Stage = StageEnd
			e.table.closeRunning(dep)
			cancelled = true
		}
		if m, ok := e.table.suspends[dep]; ok {
			for k, q := range m {
				if q.RunKind == RunStart || q.RunKind == RunVerify {
					q.Result = Dependency
					q.Stage = StageEnd
					delete(m, k)
					cancelled = true
				}
			}
		}
		if cancelled && e.OnFallback != nil {
			e.OnFallback(dep, j.Unit)
		}
	}
}

// Cancel removes a queued-but-not-running job, yielding Cancelled (spec §5
// "Cancellation").
func (e *Engine) Cancel(id unit.ID, k Kind) error {
	m, ok := e.table.suspends[id]
	if !ok {
		return errors.New("job: no such queued job")
	}
	q, ok := m[k]
	if !ok {
		return errors.New("job: no such queued job")
	}
	q.Result = Cancelled
	q.Stage = StageEnd
	delete(m, k)
	return nil
}

// ExpireTimeouts closes any running job past its deadline with TimeOut
// (spec §4.E, §4.F "Timeouts").
func (e *Engine) ExpireTimeouts(now time.Time) []*Job {
	var expired []*Job
	for _, j := range e.table.trigger {
		if !j.Deadline.IsZero() && now.After(j.Deadline) {
			e.finish(j, TimeOut)
			expired = append(expired, j)
		}
	}
	return expired
}
