// Package job implements the job engine and transaction planner from spec
// §4.E: job entities, the job table, transaction expansion/verification/
// commit, scheduling, running, and fallback propagation.
//
// It is grounded on the teacher's internal/reconciler package (queue.go's
// workQueue/delayedQueue shape for pending-vs-running separation) and on
// internal/orchestrator.go for the "plan then commit" transaction shape,
// generalized to the richer job/mode/result vocabulary of spec §4.E.
package job

import (
	"fmt"
	"time"

	"coreinit/internal/unit"
)

// Kind is the requested job kind (spec §3 "Job").
type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindReload
	KindRestart
	KindVerify
	KindNop
	KindTryReload
	KindTryRestart
	KindReloadOrStart
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "Start"
	case KindStop:
		return "Stop"
	case KindReload:
		return "Reload"
	case KindRestart:
		return "Restart"
	case KindVerify:
		return "Verify"
	case KindNop:
		return "Nop"
	case KindTryReload:
		return "TryReload"
	case KindTryRestart:
		return "TryRestart"
	case KindReloadOrStart:
		return "ReloadOrStart"
	default:
		return "Unknown"
	}
}

// RunKind is the concrete action a running job performs; Restart decomposes
// into a Stop run-kind then a Start run-kind (spec §3, §4.E "Finishing a job").
type RunKind int

const (
	RunStart RunKind = iota
	RunStop
	RunReload
	RunVerify
	RunNop
)

func (k RunKind) String() string {
	switch k {
	case RunStart:
		return "Start"
	case RunStop:
		return "Stop"
	case RunReload:
		return "Reload"
	case RunVerify:
		return "Verify"
	case RunNop:
		return "Nop"
	default:
		return "Unknown"
	}
}

// Stage is the job's position in the transaction/run lifecycle.
type Stage int

const (
	StageInit Stage = iota
	StageWait
	StageRunning
	StageEnd
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "Init"
	case StageWait:
		return "Wait"
	case StageRunning:
		return "Running"
	case StageEnd:
		return "End"
	default:
		return "Unknown"
	}
}

// Attr is the job attribute bit set from spec §3.
type Attr uint8

const (
	AttrIgnoreOrder Attr = 1 << iota
	AttrIrreversible
	AttrForce
	AttrNoRelevance
)

func (a Attr) Has(bit Attr) bool { return a&bit != 0 }

// Result is the terminal (or provisional) outcome of a job, per spec §3.
type Result int

const (
	Done Result = iota
	Cancelled
	TimeOut
	Failed
	Dependency
	Skipped
	Invalid
	Assert
	UnSupported
	Collected
	Once
	Merged
)

func (r Result) String() string {
	switch r {
	case Done:
		return "Done"
	case Cancelled:
		return "Cancelled"
	case TimeOut:
		return "TimeOut"
	case Failed:
		return "Failed"
	case Dependency:
		return "Dependency"
	case Skipped:
		return "Skipped"
	case Invalid:
		return "Invalid"
	case Assert:
		return "Assert"
	case UnSupported:
		return "UnSupported"
	case Collected:
		return "Collected"
	case Once:
		return "Once"
	case Merged:
		return "Merged"
	default:
		return "Unknown"
	}
}

// Mode selects how a requested transaction interacts with the committed job
// table (spec §4.E).
type Mode int

const (
	ModeFail Mode = iota
	ModeReplace
	ModeReplaceIrreversible
	ModeIsolate
	ModeFlush
	ModeIgnoreDependencies
	ModeIgnoreRequirements
	ModeTrigger
)

// Job is one scheduled intent to bring a unit to a desired state.
type Job struct {
	ID      uint64
	Unit    unit.ID
	Kind    Kind
	RunKind RunKind
	Stage   Stage
	Attr    Attr
	Result  Result

	Deadline time.Time // zero means no timeout (JobTimeoutSec == 0)

	restartPhase int // never set; the Restart decomposition is tracked through RunKind
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{id=%d unit=%s kind=%s run=%s stage=%s}", j.ID, j.Unit, j.Kind, j.RunKind, j.Stage)
}

// initialRunKind derives the first RunKind for a requested Kind, per spec §3
// ("run-kind (derived)").
func initialRunKind(k Kind) RunKind {
	switch k {
	case KindStart, KindReloadOrStart:
		return RunStart
	case KindStop:
		return RunStop
	case KindReload, KindTryReload:
		return RunReload
	case KindRestart, KindTryRestart:
		return RunStop // Restart decomposes Stop then Start
	case KindVerify:
		return RunVerify
	default:
		return RunNop
	}
}

// Table indexes committed jobs per spec §3 "Job table": at most one running
// job per unit (trigger), plus queued-and-merged suspended jobs keyed by
// kind.
type Table struct {
	trigger  map[unit.ID]*Job
	suspends map[unit.ID]map[Kind]*Job
	nextID   uint64
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{
		trigger:  make(map[unit.ID]*Job),
		suspends: make(map[unit.ID]map[Kind]*Job),
	}
}

func (t *Table) newID() uint64 {
	t.nextID++
	return t.nextID
}

// Running returns the unit's currently-running job, if any.
func (t *Table) Running(id unit.ID) (*Job, bool) {
	j, ok := t.trigger[id]
	return j, ok
}

// Queued returns the unit's queued job of the given kind, if any.
func (t *Table) Queued(id unit.ID, k Kind) (*Job, bool) {
	m, ok := t.suspends[id]
	if !ok {
		return nil, false
	}
	j, ok := m[k]
	return j, ok
}

// All returns every committed job (running + queued), for iteration by the
// scheduler and for conflict checks.
func (t *Table) All() []*Job {
	var out []*Job
	for _, j := range t.trigger {
		out = append(out, j)
	}
	for _, m := range t.suspends {
		for _, j := range m {
			out = append(out, j)
		}
	}
	return out
}

// insertQueued coalesces j into the suspends index: an existing job of the
// same kind for the same unit has its attributes OR'd in (spec §4.E
// "Commit"), and the caller is informed via merged=true.
func (t *Table) insertQueued(j *Job) (merged bool) {
	m, ok := t.suspends[j.Unit]
	if !ok {
		m = make(map[Kind]*Job)
		t.suspends[j.Unit] = m
	}
	if existing, ok := m[j.Kind]; ok {
		existing.Attr |= j.Attr
		return true
	}
	m[j.Kind] = j
	return false
}

// promote moves a queued job to running.
func (t *Table) promote(j *Job) {
	if m, ok := t.suspends[j.Unit]; ok {
		delete(m, j.Kind)
		if len(m) == 0 {
			delete(t.suspends, j.Unit)
		}
	}
	j.Stage = StageRunning
	t.trigger[j.Unit] = j
}

// closeRunning removes the unit's running job from the trigger index.
func (t *Table) closeRunning(id unit.ID) {
	delete(t.trigger, id)
}

// HasOpposingUnresolved reports whether unit id has two committed jobs whose
// run-kinds are opposites (Start vs Stop) and neither is irreversible, per
// spec §8 invariant 3 / §4.E "Verify".
func (t *Table) HasOpposingUnresolved(id unit.ID) bool {
	running, hasRunning := t.trigger[id]
	m := t.suspends[id]
	if !hasRunning || len(m) == 0 {
		return false
	}
	for _, q := range m {
		if opposes(running.RunKind, q.RunKind) && !running.Attr.Has(AttrIrreversible) && !q.Attr.Has(AttrIrreversible) {
			return true
		}
	}
	return false
}

func opposes(a, b RunKind) bool {
	return (a == RunStart && b == RunStop) || (a == RunStop && b == RunStart)
}
