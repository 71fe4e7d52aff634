package service

import (
	"fmt"
	"sync"
	"time"

	"coreinit/internal/job"
	"coreinit/internal/spawn"
	"coreinit/internal/unit"
	"coreinit/pkg/logging"
)

// Spawner starts a process and returns its pid, matching spawn.Spawn's
// signature. Injected so tests can stub process creation.
type Spawner func(req spawn.Request) (int, error)

// Notifier is called whenever the service's externally-observed active
// state changes, so the owning Unit (and through it, the job engine) learns
// about it without Service holding a reference back to the Unit (spec §9
// "handle-plus-arena").
type Notifier func(id unit.ID, newState unit.ActiveState, reloadFailure bool)

// Service implements unit.SubUnit for the Service unit type (spec §4.G).
type Service struct {
	mu sync.Mutex

	id      unit.ID
	cfg     *Config
	spawner Spawner
	notify  Notifier

	cgroupPath string

	state  State
	result Result
	queue  []ExecCommand

	mainPID    int
	controlPID int

	stopTimeout     time.Time
	restartDeadline time.Time
}

// New constructs a Service bound to id. spawner and notify are the only ways
// Service reaches outside itself, per the handle-plus-arena design.
func New(id unit.ID, spawner Spawner, notify Notifier) *Service {
	return &Service{id: id, spawner: spawner, notify: notify, state: Dead, result: Success}
}

// SetCGroupPath records the cgroup path the manager realized for this unit
// (spec §4.H step 1 happens before Start via the manager's CgRealize queue).
func (s *Service) SetCGroupPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cgroupPath = p
}

// Load parses the [Service] section (spec §4.D step 7).
func (s *Service) Load(cfg *unit.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = ParseConfig(cfg.Section)
	if len(s.cfg.ExecStart) == 0 && s.cfg.Type != TypeOneshot {
		return fmt.Errorf("service %s: Type=%s requires ExecStart", s.id, s.cfg.Type)
	}
	return nil
}

// CurrentActiveState projects the internal state to spec §3's ActiveState
// (spec §4.G "Active-state projection").
func (s *Service) CurrentActiveState() unit.ActiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStateLocked()
}

func (s *Service) activeStateLocked() unit.ActiveState {
	idle := s.cfg != nil && s.cfg.Type == TypeIdle
	switch s.state {
	case Dead:
		return unit.StateInactive
	case Condition, StartPre, Start:
		return unit.StateActivating
	case StartPost:
		if idle {
			return unit.StateActive
		}
		return unit.StateActivating
	case Running, Exited:
		return unit.StateActive
	case Reload:
		return unit.StateReloading
	case Stop, StopWatchdog, StopSigterm, StopSigkill, StopPost, FinalWatchdog, FinalSigterm, FinalSigkill:
		return unit.StateDeactivating
	case Failed:
		return unit.StateFailed
	case AutoRestart:
		return unit.StateActivating
	case Cleaning:
		return unit.StateMaintenance
	default:
		return unit.StateInactive
	}
}

func (s *Service) notifyLocked() {
	if s.notify != nil {
		s.notify(s.id, s.activeStateLocked(), s.state == Running && s.result != Success)
	}
}

// Start implements the Dead -> ... -> Running happy path (spec §4.G).
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Running, Exited:
		return job.ErrAlready
	case Dead, Failed:
		s.result = Success
		s.enterCondition()
		return nil
	default:
		return job.ErrAgain // a start/stop cycle is already in flight
	}
}

// Stop initiates the stop ladder. force makes Stop proceed through the
// ladder even from Dead, per spec §9's documented force semantics.
func (s *Service) Stop(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Dead && !force {
		return job.ErrAlready
	}
	if s.state.isStopPhase() {
		return job.ErrAgain
	}
	s.enterStop()
	return nil
}

// Reload pops the ExecReload command and transitions to Reload; only valid
// while Running (spec §4.G "Reload").
func (s *Service) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return job.ErrBadR
	}
	s.enterReloadPhase()
	return nil
}

// Verify reports whether the service's configuration is internally
// consistent; out-of-scope condition/assert checks are not evaluated here
// (spec §1 Non-goals).
func (s *Service) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return job.ErrInval
	}
	return nil
}

func (s *Service) NotifyMessage(text string) {
	logging.Debug("Service", "unit %s notify: %s", s.id, text)
}

func (s *Service) CollectFDs() []int { return nil }

// --- phase machinery -------------------------------------------------

func (s *Service) transitionPhase(state State, queue []ExecCommand, mainPhase bool) {
	s.state = state
	s.queue = queue
	s.notifyLocked()

	if len(queue) == 0 {
		s.onPhaseComplete(true)
		return
	}

	cmd := queue[0]
	flags := spawn.FlagControl
	if mainPhase {
		flags = spawn.FlagPassFDs
	}
	pid, err := s.spawn(cmd, flags)
	if err != nil {
		s.onSpawnFailure(err)
		return
	}
	if mainPhase {
		s.mainPID = pid
		// The main process is long-lived; the phase completes as soon as
		// the spawn call itself succeeds, not when the process exits.
		s.onPhaseComplete(true)
		return
	}
	s.controlPID = pid
}

func (s *Service) spawn(cmd ExecCommand, flags spawn.Flags) (int, error) {
	spawner := s.spawner
	if spawner == nil {
		spawner = spawn.Spawn
	}

	uid, gid, homeDir, err := s.cfg.resolveCredentials()
	if err != nil {
		return 0, err
	}
	env, err := s.cfg.buildEnv(homeDir)
	if err != nil {
		return 0, err
	}

	return spawner(spawn.Request{
		Path: cmd.Path,
		Args: cmd.Args,
		Env:  env,
		Creds: spawn.Credentials{
			UID:              uid,
			GID:              gid,
			WorkingDirectory: s.cfg.WorkingDirectory,
			RootDirectory:    s.cfg.RootDirectory,
			Umask:            s.cfg.UMask,
		},
		Flags:        flags,
		CGroupPath:   s.cgroupPath,
		RLimitNOFILE: s.cfg.rlimitNOFILE(),
	})
}

func (s *Service) onSpawnFailure(err error) {
	if se, ok := err.(*spawn.Error); ok && se.Kind == spawn.ErrResources {
		s.latchResult(FailureResources)
	} else {
		s.latchResult(FailureExitCode)
	}
	logging.Error("Service", err, "unit %s: spawn failed in state %s", s.id, s.state)
	s.enterStopSigterm()
}

func (s *Service) enterCondition()     { s.transitionPhase(Condition, s.cfg.ExecCondition, false) }
func (s *Service) enterStartPre()      { s.transitionPhase(StartPre, s.cfg.ExecStartPre, false) }
func (s *Service) enterStart() {
	mainPhase := s.cfg.Type != TypeOneshot
	s.transitionPhase(Start, s.cfg.ExecStart, mainPhase)
}
func (s *Service) enterStartPost()     { s.transitionPhase(StartPost, s.cfg.ExecStartPost, false) }
func (s *Service) enterReloadPhase()   { s.transitionPhase(Reload, s.cfg.ExecReload, false) }
func (s *Service) enterStop()          { s.transitionPhase(Stop, s.cfg.ExecStop, false) }
func (s *Service) enterStopPostPhase() { s.transitionPhase(StopPost, s.cfg.ExecStopPost, false) }

func (s *Service) enterStopSigterm() {
	s.state = StopSigterm
	s.notifyLocked()
	if s.cfg != nil && s.cfg.TimeoutStopSec > 0 {
		s.stopTimeout = time.Now().Add(s.cfg.TimeoutStopSec)
	}
	s.killCurrent("SIGTERM")
}

func (s *Service) enterStopSigkill() {
	s.state = StopSigkill
	s.notifyLocked()
	s.killCurrent("SIGKILL")
	s.onPhaseComplete(true)
}

func (s *Service) killCurrent(signal string) {
	mode := KillControlGroup
	if s.cfg != nil {
		mode = s.cfg.KillMode
	}
	if mode == KillNone {
		return
	}
	if mode == KillControlGroup && s.cgroupPath != "" {
		sig := sigByName(signal)
		if err := spawn.KillRecursive(s.cgroupPath, sig, true, true); err != nil {
			logging.Warn("Service", "kill-recursive on %s for %s: %v", s.cgroupPath, s.id, err)
		}
		return
	}
	for _, pid := range []int{s.mainPID, s.controlPID} {
		if pid != 0 {
			killPID(pid, signal)
		}
	}
}

func (s *Service) enterRunningState() {
	if s.cfg.Type == TypeOneshot {
		if s.cfg.RemainAfterExit {
			s.state = Exited
		} else {
			s.finishCycle()
			return
		}
	} else {
		s.state = Running
	}
	s.notifyLocked()
}

func (s *Service) finishReload(success bool) {
	s.state = Running
	if !success {
		s.latchResult(FailureSignal)
	}
	s.notifyLocked()
}

// onPhaseComplete implements the control-pid advance table from spec §4.G.
func (s *Service) onPhaseComplete(success bool) {
	switch s.state {
	case Condition:
		if success {
			s.enterStartPre()
		} else {
			s.latchResult(FailureSignal)
			s.enterStopSigterm()
		}
	case StartPre:
		if success {
			s.enterStart()
		} else {
			s.latchResult(FailureSignal)
			s.enterStopSigterm()
		}
	case Start:
		if success {
			s.enterStartPost()
		} else {
			s.latchResult(FailureSignal)
			s.enterStopSigterm()
		}
	case StartPost:
		if success {
			s.enterRunningState()
		} else {
			s.latchResult(FailureSignal)
			s.enterStop()
		}
	case Reload:
		s.finishReload(success)
	case Stop:
		s.enterStopSigterm()
	case StopWatchdog, StopSigterm, StopSigkill:
		s.enterStopPostPhase()
	case StopPost:
		s.enterFinalSigterm()
	case FinalSigterm, FinalSigkill:
		s.enterDeadOrFailed()
	}
}

func (s *Service) enterFinalSigterm() {
	s.state = FinalSigterm
	s.notifyLocked()
	if s.cfg != nil && s.cfg.TimeoutStopSec > 0 {
		s.stopTimeout = time.Now().Add(s.cfg.TimeoutStopSec)
	}
	s.killCurrent("SIGTERM")
}

func (s *Service) enterFinalSigkill() {
	s.state = FinalSigkill
	s.notifyLocked()
	s.killCurrent("SIGKILL")
	s.onPhaseComplete(true)
}

func (s *Service) enterDeadOrFailed() {
	s.finishCycle()
}

func (s *Service) finishCycle() {
	s.mainPID = 0
	s.controlPID = 0
	if s.result != Success {
		if s.cfg != nil && s.cfg.shouldRestart(s.result) {
			s.enterAutoRestart()
			return
		}
		s.state = Failed
	} else {
		s.state = Dead
	}
	s.notifyLocked()
}

func (s *Service) enterAutoRestart() {
	s.state = AutoRestart
	delay := time.Duration(0)
	if s.cfg != nil {
		delay = s.cfg.RestartSec
	}
	s.restartDeadline = time.Now().Add(delay)
	s.notifyLocked()
	// The scheduler polls RestartDeadline and calls OnRestartTimer/AbortRestart.
}

// RestartDeadline reports when the armed auto-restart timer expires, used by
// the scheduler to call OnRestartTimer at the right time (mirrors
// StopDeadline/OnStopTimeout).
func (s *Service) RestartDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartDeadline, !s.restartDeadline.IsZero()
}

// OnRestartTimer re-enters Condition after RestartSec expires (spec §4.G
// "Auto-restart"), subject to the unit's start-rate-limit which the
// scheduler checks before calling this; on exhaustion it calls AbortRestart
// instead.
func (s *Service) OnRestartTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AutoRestart {
		return
	}
	s.restartDeadline = time.Time{}
	s.result = Success
	s.enterCondition()
}

// AbortRestart gives up on the armed auto-restart when the unit's
// start-rate-limit has been exhausted (spec §8 invariant 9), moving
// straight to Failed instead of re-entering Condition.
func (s *Service) AbortRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AutoRestart {
		return
	}
	s.restartDeadline = time.Time{}
	s.state = Failed
	s.notifyLocked()
}

// latchResult keeps the first non-Success result seen this cycle (spec
// §4.G "SIGCHLD handling").
func (s *Service) latchResult(r Result) {
	if s.result == Success {
		s.result = r
	}
}

// RestartSec reports the configured auto-restart delay.
func (s *Service) RestartSec() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return 0
	}
	return s.cfg.RestartSec
}

// StopDeadline reports the TimeoutStopSec deadline armed on entering
// StopSigterm, used by the scheduler to escalate to StopSigkill.
func (s *Service) StopDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopTimeout, !s.stopTimeout.IsZero()
}

// OnStopTimeout escalates the ladder on timeout (spec §8 scenario S4).
func (s *Service) OnStopTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latchResult(FailureTimeout)
	switch s.state {
	case StopSigterm, StopWatchdog:
		s.enterStopSigkill()
	case FinalSigterm, FinalWatchdog:
		s.enterFinalSigkill()
	}
}

// State exposes the current internal state for diagnostics and tests.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result exposes the latched result register for diagnostics and tests.
func (s *Service) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// MainPID exposes the tracked main pid (0 if none).
func (s *Service) MainPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainPID
}
