package unit

import (
	"sync"
	"time"
)

// StartLimit implements the sliding-window start-rate-limit from spec §3.
// A zero Burst disables rate limiting (spec §8 invariant 9).
type StartLimit struct {
	Interval time.Duration
	Burst    int

	starts []time.Time // ring of recent start timestamps, pruned lazily
}

// Record registers a start attempt at "now" and reports whether the unit is
// still within its allowed burst for the configured interval.
func (l *StartLimit) Record(now time.Time) bool {
	if l.Burst <= 0 {
		return true // rate limiting disabled
	}
	cutoff := now.Add(-l.Interval)
	kept := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts = append(kept, now)
	return len(l.starts) <= l.Burst
}

// SubUnit is the capability set every type-specific unit implementation
// (Service, Socket, Target, Mount, Timer, Path, Device, Scope, Slice)
// exposes, per spec §9 "Polymorphic sub-units". Implementations hold only
// their owning unit's ID and call back into the arena by lookup, never by
// owning a *Unit reference, so Unit and SubUnit never form a reference
// cycle.
type SubUnit interface {
	Load(cfg *Config) error
	Start() error
	Stop(force bool) error
	Reload() error
	Verify() error
	CurrentActiveState() ActiveState
	SigchldEvent(pid int, exitCode int, signaled bool, signal int)
	NotifyMessage(text string)
	CollectFDs() []int
}

// Config is the parsed unit-file configuration: the common [Unit]/[Install]
// sections plus whatever the type-specific section parsed into.
type Config struct {
	Description         string
	Documentation        []string
	Before, After         []ID
	Wants, Requires       []ID
	BindsTo, Requisite    []ID
	PartOf, Conflicts     []ID
	Triggers              []ID
	OnFailure, OnSuccess  []ID
	OnFailureJobMode      string
	OnSuccessJobMode      string
	DefaultDependencies   bool
	RefuseManualStart     bool
	RefuseManualStop      bool
	IgnoreOnIsolate       bool
	StartLimitInterval    time.Duration
	StartLimitBurst       int
	JobTimeoutSec         time.Duration
	JobTimeoutAction      string
	Alias                 []string
	WantedBy, RequiredBy  []ID
	Also                  []string

	// Raw type-specific section, interpreted by the SubUnit factory.
	Section map[string]string
}

// Unit is the in-memory unit entity from spec §3. Units live in a
// Manager-owned arena keyed by ID; a SubUnit reaches back into its Unit only
// through that arena (spec §9 "Cyclic back-references").
type Unit struct {
	mu sync.RWMutex

	typ    Type
	id     ID
	alias  map[ID]struct{}

	loadState   LoadState
	activeState ActiveState
	mergeInto   ID // valid only when loadState == LoadMerged

	cfg *Config
	sub SubUnit

	cgroupPath string
	childPIDs  map[int]struct{}
	mainPID    int

	pending PendingFlag

	defaultDeps     bool
	ignoreOnIsolate bool
	startLimit      StartLimit

	lastError error
}

// New creates a Stub unit for id. The caller (the registry) is responsible
// for interning it.
func New(id ID, typ Type) *Unit {
	return &Unit{
		typ:         typ,
		id:          id,
		alias:       make(map[ID]struct{}),
		loadState:   LoadStub,
		activeState: StateInactive,
		childPIDs:   make(map[int]struct{}),
		defaultDeps: true,
	}
}

func (u *Unit) ID() ID     { u.mu.RLock(); defer u.mu.RUnlock(); return u.id }
func (u *Unit) Type() Type { u.mu.RLock(); defer u.mu.RUnlock(); return u.typ }

func (u *Unit) LoadState() LoadState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.loadState
}

func (u *Unit) SetLoadState(s LoadState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.loadState = s
}

func (u *Unit) ActiveState() ActiveState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.activeState
}

func (u *Unit) SetActiveState(s ActiveState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.activeState = s
}

func (u *Unit) MergeInto() (ID, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.loadState != LoadMerged {
		return "", false
	}
	return u.mergeInto, true
}

func (u *Unit) SetMerged(into ID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.loadState = LoadMerged
	u.mergeInto = into
}

func (u *Unit) AddAlias(a ID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.alias[a] = struct{}{}
}

func (u *Unit) Aliases() []ID {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]ID, 0, len(u.alias))
	for a := range u.alias {
		out = append(out, a)
	}
	return out
}

func (u *Unit) Config() *Config {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.cfg
}

func (u *Unit) SetConfig(c *Config) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cfg = c
	if c != nil {
		u.defaultDeps = c.DefaultDependencies
		u.ignoreOnIsolate = c.IgnoreOnIsolate
		u.startLimit = StartLimit{Interval: c.StartLimitInterval, Burst: c.StartLimitBurst}
	}
}

func (u *Unit) Sub() SubUnit {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.sub
}

func (u *Unit) SetSub(s SubUnit) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sub = s
}

func (u *Unit) DefaultDependencies() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.defaultDeps
}

func (u *Unit) IgnoreOnIsolate() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.ignoreOnIsolate
}

// TryStart records a start attempt against the unit's sliding-window rate
// limiter and reports whether the attempt is allowed (spec §3 start-rate-limit,
// §8 invariant 9).
func (u *Unit) TryStart(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.startLimit.Record(now)
}

func (u *Unit) CGroupPath() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.cgroupPath
}

func (u *Unit) SetCGroupPath(p string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cgroupPath = p
}

// AddPID registers pid as belonging to this unit (invariant 4: a pid belongs
// to at most one unit — enforced by the scheduler's pid-owner map, not here).
func (u *Unit) AddPID(pid int, isMain bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.childPIDs[pid] = struct{}{}
	if isMain {
		u.mainPID = pid
	}
}

// RemovePID drops pid from the unit's child set, e.g. after reaping.
func (u *Unit) RemovePID(pid int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.childPIDs, pid)
	if u.mainPID == pid {
		u.mainPID = 0
	}
}

func (u *Unit) MainPID() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mainPID
}

func (u *Unit) PIDs() []int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]int, 0, len(u.childPIDs))
	for p := range u.childPIDs {
		out = append(out, p)
	}
	return out
}

func (u *Unit) Pending() PendingFlag {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.pending
}

func (u *Unit) SetPending(f PendingFlag, on bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if on {
		u.pending |= f
	} else {
		u.pending &^= f
	}
}

func (u *Unit) LastError() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastError
}

func (u *Unit) SetLastError(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastError = err
}
