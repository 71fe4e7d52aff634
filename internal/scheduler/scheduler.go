package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"coreinit/internal/depgraph"
	"coreinit/internal/job"
	"coreinit/internal/loader"
	"coreinit/internal/registry"
	"coreinit/internal/spawn"
	"coreinit/internal/unit"
	"coreinit/pkg/logging"
)

// CGroupRoot is the base of the cgroup hierarchy the scheduler realizes
// units under (spec §4.H "cgroup placement").
const CGroupRoot = "/sys/fs/cgroup/coreinit.slice"

// Scheduler drives the single-threaded event loop from spec §4.F: it is the
// only goroutine that mutates the registry, graph, and job table during
// steady-state operation. A second goroutine only reaps children (a
// necessarily blocking syscall) and a third watches unit-file directories;
// both merely report events onto channels the loop selects on.
type Scheduler struct {
	reg   *registry.Registry
	graph *depgraph.Graph
	ldr   *loader.Loader
	eng   *job.Engine

	queues map[Name]*dedupQueue

	pidMu    sync.Mutex
	pidOwner map[int]unit.ID

	watcher       *fsnotify.Watcher
	watchDirs     []string
	reloadLimiter *rate.Limiter

	sigchldCh chan sigchldEvent
	stopCh    chan struct{}

	pollInterval time.Duration
	jobTimeout   time.Duration

	// CGroupRoot overrides CGroupRoot for this scheduler instance; tests
	// point it at a temp directory instead of the real cgroup filesystem.
	CGroupRoot string
}

type sigchldEvent struct {
	pid      int
	exitCode int
	signaled bool
	signal   int
}

// New constructs a Scheduler. watchDirs are the unit-file directories to
// inotify-watch for drop-in/unit-file changes (spec §4.F "Dbus"/reload
// triggers); pass nil to disable filesystem watching (e.g. in tests).
func New(reg *registry.Registry, graph *depgraph.Graph, ldr *loader.Loader, eng *job.Engine, watchDirs []string) (*Scheduler, error) {
	queues := make(map[Name]*dedupQueue, len(AllQueues))
	for _, n := range AllQueues {
		queues[n] = newDedupQueue()
	}

	s := &Scheduler{
		reg:           reg,
		graph:         graph,
		ldr:           ldr,
		eng:           eng,
		queues:        queues,
		pidOwner:      make(map[int]unit.ID),
		watchDirs:     watchDirs,
		reloadLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		sigchldCh:     make(chan sigchldEvent, 64),
		stopCh:        make(chan struct{}),
		pollInterval:  200 * time.Millisecond,
		jobTimeout:    30 * time.Second,
		CGroupRoot:    CGroupRoot,
	}

	if len(watchDirs) > 0 {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("scheduler: create watcher: %w", err)
		}
		for _, dir := range watchDirs {
			if err := w.Add(dir); err != nil {
				logging.Warn("Scheduler", "watch %s: %v", dir, err)
				continue
			}
		}
		s.watcher = w
	}

	return s, nil
}

// Push enqueues id onto the named queue (spec §4.F per-queue pending flags).
func (s *Scheduler) Push(name Name, id unit.ID) {
	q, ok := s.queues[name]
	if !ok {
		return
	}
	q.push(id)
	if u, ok := s.reg.Get(id); ok {
		u.SetPending(flagFor(name), true)
	}
}

func flagFor(name Name) unit.PendingFlag {
	switch name {
	case QueueLoad:
		return unit.PendingLoad
	case QueueTargetDeps:
		return unit.PendingTargetDeps
	case QueueStopWhenBound:
		return unit.PendingStopWhenBound
	case QueueCgRealize:
		return unit.PendingCgRealize
	case QueueClean:
		return unit.PendingClean
	case QueueGc:
		return unit.PendingGC
	default:
		return 0
	}
}

// TrackPID records which unit owns pid, so a later SIGCHLD reap can be
// routed to the right SubUnit (spec §4.H invariant "a pid belongs to at
// most one unit").
func (s *Scheduler) TrackPID(id unit.ID, pid int) {
	s.pidMu.Lock()
	s.pidOwner[pid] = id
	s.pidMu.Unlock()
	if u, ok := s.reg.Get(id); ok {
		u.AddPID(pid, true)
	}
}

func (s *Scheduler) ownerOf(pid int) (unit.ID, bool) {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	id, ok := s.pidOwner[pid]
	return id, ok
}

func (s *Scheduler) untrackPID(pid int) {
	s.pidMu.Lock()
	id, ok := s.pidOwner[pid]
	delete(s.pidOwner, pid)
	s.pidMu.Unlock()
	if ok {
		if u, uok := s.reg.Get(id); uok {
			u.RemovePID(pid)
		}
	}
}

// Run executes the event loop until ctx is canceled. It starts the SIGCHLD
// reaper goroutine, drains every queue once per tick, dispatches the job
// engine after each event, and expires overdue jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.reapLoop(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if s.watcher != nil {
		watchEvents = s.watcher.Events
		watchErrors = s.watcher.Errors
		defer s.watcher.Close()
	}

	for {
		select {
		case <-ctx.Done():
			close(s.stopCh)
			return nil
		case ev := <-s.sigchldCh:
			s.handleSigchld(ev)
			s.dispatch()
		case fev := <-watchEvents:
			s.handleFSEvent(fev)
			s.dispatch()
		case err := <-watchErrors:
			logging.Warn("Scheduler", "watcher error: %v", err)
		case <-ticker.C:
			s.drainQueues()
			s.dispatch()
			s.expireTimeouts()
			s.checkServiceTimers()
		}
	}
}

// DispatchNow runs one job-dispatch pass immediately, so a manager API call
// that just committed a transaction doesn't wait for the next poll tick to
// see it start running.
func (s *Scheduler) DispatchNow() {
	s.dispatch()
}

// DrainQueuesNow processes every queue once immediately, the queue-side
// counterpart to DispatchNow: a caller that just pushed unit ids onto
// QueueLoad (e.g. Manager.Reload) doesn't have to wait for the next poll
// tick to see them loaded.
func (s *Scheduler) DrainQueuesNow() {
	s.drainQueues()
}

func (s *Scheduler) dispatch() {
	s.eng.Dispatch(func(id unit.ID) unit.SubUnit {
		u, ok := s.reg.Get(id)
		if !ok {
			return nil
		}
		return u.Sub()
	})
}

func (s *Scheduler) expireTimeouts() {
	for _, j := range s.eng.ExpireTimeouts(time.Now()) {
		logging.Warn("Scheduler", "job %s for %s expired", j.Kind, j.Unit)
	}
}

// stopTimeouter is implemented by a SubUnit that runs a stop ladder with
// timeout escalation (spec §4.G "Stop ladder timeout"); Service is the only
// implementation today.
type stopTimeouter interface {
	StopDeadline() (time.Time, bool)
	OnStopTimeout()
}

// restartTimeouter is implemented by a SubUnit with an auto-restart timer
// (spec §4.G "Auto-restart"), gated by the owning Unit's start-rate-limit.
type restartTimeouter interface {
	RestartDeadline() (time.Time, bool)
	OnRestartTimer()
	AbortRestart()
}

// checkServiceTimers polls every loaded unit's sub-unit for an armed stop
// or restart timer past its deadline. Polling rather than per-unit timers
// keeps every state transition on the single loop thread (spec §5).
func (s *Scheduler) checkServiceTimers() {
	now := time.Now()
	for _, u := range s.reg.All() {
		sub := u.Sub()
		if sub == nil {
			continue
		}
		if st, ok := sub.(stopTimeouter); ok {
			if dl, armed := st.StopDeadline(); armed && now.After(dl) {
				st.OnStopTimeout()
			}
		}
		if rt, ok := sub.(restartTimeouter); ok {
			if dl, armed := rt.RestartDeadline(); armed && now.After(dl) {
				if u.TryStart(now) {
					rt.OnRestartTimer()
				} else {
					logging.Warn("Scheduler", "unit %s exceeded start-rate-limit, aborting auto-restart", u.ID())
					rt.AbortRestart()
				}
			}
		}
	}
}

// handleFSEvent reacts to a write, create or rename in a watched search-path
// directory by pushing the unit named by the file onto the Load queue (spec
// §4.F "Dbus"/external-change notifications). Events beyond reloadLimiter's
// budget are dropped, not merged. Only files named like a unit id count, so
// drop-in .conf files are ignored, and a unit that is already loaded is not
// re-parsed, because the loader hands it back unchanged.
func (s *Scheduler) handleFSEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if !s.reloadLimiter.Allow() {
		return
	}
	id := unit.ID(filepath.Base(ev.Name))
	if _, ok := unit.TypeOf(id); !ok {
		return
	}
	s.Push(QueueLoad, id)
}

func (s *Scheduler) handleSigchld(ev sigchldEvent) {
	id, ok := s.ownerOf(ev.pid)
	if !ok {
		return
	}
	s.untrackPID(ev.pid)

	u, ok := s.reg.Get(id)
	if !ok {
		return
	}
	sub := u.Sub()
	if sub == nil {
		return
	}
	sub.SigchldEvent(ev.pid, ev.exitCode, ev.signaled, ev.signal)
}

// reapLoop blocks on SIGCHLD delivery and wait4(2)s every exited child,
// forwarding results to the main loop. This is the one piece of blocking
// I/O the scheduler design allows off the mutation thread, since wait4
// itself performs no unit/graph mutation (spec §5 "blocking I/O is done
// synchronously on the loop thread" applies to actions the loop initiates;
// reaping a signal the kernel delivers asynchronously is reported back in,
// not run on, the loop).
func (s *Scheduler) reapLoop(ctx context.Context) {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-sigCh:
			s.reapAll()
		}
	}
}

func (s *Scheduler) reapAll() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		ev := sigchldEvent{pid: pid}
		switch {
		case status.Exited():
			ev.exitCode = status.ExitStatus()
		case status.Signaled():
			ev.signaled = true
			ev.signal = int(status.Signal())
		}
		select {
		case s.sigchldCh <- ev:
		default:
			logging.Warn("Scheduler", "sigchld channel full, dropping reap for pid %d", pid)
		}
	}
}

// drainQueues processes every queue once, in the fixed order AllQueues
// defines (spec §4.F).
func (s *Scheduler) drainQueues() {
	s.queues[QueueLoad].drainAll(s.processLoad)
	s.queues[QueueTargetDeps].drainAll(s.processTargetDeps)
	s.queues[QueueCgRealize].drainAll(s.processCgRealize)
	s.queues[QueueStopWhenBound].drainAll(s.processStopWhenBound)
	s.queues[QueueStopWhenUnneeded].drainAll(s.processStopWhenUnneeded)
	s.queues[QueueStartWhenUpheld].drainAll(s.processStartWhenUpheld)
	s.queues[QueueClean].drainAll(s.processClean)
	s.queues[QueueDbus].drainAll(s.processDbus)
	s.queues[QueueGc].drainAll(s.processGc)
}

func (s *Scheduler) clearPending(id unit.ID, f unit.PendingFlag) {
	if u, ok := s.reg.Get(id); ok {
		u.SetPending(f, false)
	}
}

func (s *Scheduler) processLoad(id unit.ID) {
	defer s.clearPending(id, unit.PendingLoad)
	if _, err := s.ldr.EnsureLoaded(id); err != nil {
		logging.Warn("Scheduler", "load %s: %v", id, err)
		return
	}
	s.Push(QueueTargetDeps, id)
}

// processTargetDeps ensures everything id Wants/Requires is itself queued
// to load, so a target's transitive closure resolves without the caller
// having to walk it (spec §4.F "TargetDeps").
func (s *Scheduler) processTargetDeps(id unit.ID) {
	defer s.clearPending(id, unit.PendingTargetDeps)
	for _, want := range s.graph.GetsAtom(id, depgraph.PullInStart) {
		s.Push(QueueLoad, want)
	}
	s.Push(QueueCgRealize, id)
}

func (s *Scheduler) cgroupPathFor(id unit.ID) string {
	return filepath.Join(s.CGroupRoot, string(id))
}

// processCgRealize creates id's cgroup and, for a Service sub-unit, tells it
// where to place spawned processes (spec §4.H step 1).
func (s *Scheduler) processCgRealize(id unit.ID) {
	defer s.clearPending(id, unit.PendingCgRealize)
	u, ok := s.reg.Get(id)
	if !ok {
		return
	}
	path := s.cgroupPathFor(id)
	if err := spawn.EnsureCGroup(path); err != nil {
		logging.Warn("Scheduler", "cgroup for %s: %v", id, err)
		return
	}
	u.SetCGroupPath(path)
	if setter, ok := u.Sub().(interface{ SetCGroupPath(string) }); ok {
		setter.SetCGroupPath(path)
	}
}

// processStopWhenBound stops units whose BindsTo/Requisite target has gone
// inactive (spec §4.F step 7 "stop-when-bound").
func (s *Scheduler) processStopWhenBound(id unit.ID) {
	defer s.clearPending(id, unit.PendingStopWhenBound)
	for _, target := range s.graph.GetsAtom(id, depgraph.CannotBeActiveWithout) {
		tu, ok := s.reg.Get(target)
		if !ok || !tu.ActiveState().IsDown() {
			continue
		}
		if _, err := s.eng.Exec(id, job.KindStop, job.ModeReplace, s.jobTimeout); err != nil {
			logging.Warn("Scheduler", "stop-when-bound %s (bound to %s): %v", id, target, err)
		}
		return
	}
}

// processStopWhenUnneeded stops a unit nothing depends on anymore, when it
// was only ever pulled in by Wants/Requires (never manually requested) —
// mirrored by checking PropagateStop's dependent set is empty.
func (s *Scheduler) processStopWhenUnneeded(id unit.ID) {
	u, ok := s.reg.Get(id)
	if !ok || !u.ActiveState().IsRunning() {
		return
	}
	if len(s.graph.GetsAtom(id, depgraph.PropagateStop)) > 0 {
		return
	}
	if _, err := s.eng.Exec(id, job.KindStop, job.ModeReplace, s.jobTimeout); err != nil {
		logging.Warn("Scheduler", "stop-when-unneeded %s: %v", id, err)
	}
}

// processStartWhenUpheld starts a unit whose BindsTo/Requires target just
// became active, if the unit itself is still inactive (spec's
// complement to stop-when-bound, the upward direction of upholding).
func (s *Scheduler) processStartWhenUpheld(id unit.ID) {
	u, ok := s.reg.Get(id)
	if !ok || u.ActiveState().IsRunning() {
		return
	}
	for _, dep := range s.graph.GetsAtom(id, depgraph.PullInStart) {
		du, ok := s.reg.Get(dep)
		if ok && du.ActiveState().IsRunning() {
			if _, err := s.eng.Exec(id, job.KindStart, job.ModeReplace, s.jobTimeout); err != nil {
				logging.Warn("Scheduler", "start-when-upheld %s (upheld by %s): %v", id, dep, err)
			}
			return
		}
	}
}

// processClean unloads a unit that is inactive, has no running or queued
// job, and that no unit Requires or BindsTo (other edges, such as Wants or
// After, do not keep it loaded) — garbage collection of transient load state
// (spec §4.F "Clean").
func (s *Scheduler) processClean(id unit.ID) {
	defer s.clearPending(id, unit.PendingClean)
	u, ok := s.reg.Get(id)
	if !ok {
		return
	}
	if !u.ActiveState().IsDown() {
		return
	}
	if _, running := s.eng.Table().Running(id); running {
		return
	}
	for _, j := range s.eng.Table().All() {
		if j.Unit == id {
			return
		}
	}
	if len(s.graph.GetsAtom(id, depgraph.PropagateStop)) > 0 {
		return
	}
	s.reg.Remove(id)
}

// processDbus is the external-notification hook: in the absence of an
// actual D-Bus surface (spec Non-goal), it simply logs the unit's current
// state for anything subscribed through Manager's own notification bus.
func (s *Scheduler) processDbus(id unit.ID) {
	u, ok := s.reg.Get(id)
	if !ok {
		return
	}
	logging.Debug("Scheduler", "notify: %s is now %s", id, u.ActiveState())
}

// processGc sweeps every pending-GC unit for final removal, identical to
// processClean but triggered explicitly rather than reactively.
func (s *Scheduler) processGc(id unit.ID) {
	s.processClean(id)
}
