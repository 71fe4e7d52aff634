package service

import (
	"strings"
	"syscall"
)

// SigchldEvent implements unit.SubUnit's reap callback: the scheduler's
// SIGCHLD handler calls this once per reaped child, after distinguishing
// which unit (and which of its pids) the child belonged to (spec §4.G
// "SIGCHLD handling"). Results route through two tables depending on
// whether the reaped pid was the main process or a control process.
func (s *Service) SigchldEvent(pid int, exitCode int, signaled bool, signal int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := exitCode == 0 && !signaled

	switch pid {
	case s.mainPID:
		s.mainPID = 0
		if !success {
			s.latchResult(resultForExit(signaled))
		}
		s.onMainExit(success)
	case s.controlPID:
		s.controlPID = 0
		if !success {
			s.latchResult(resultForExit(signaled))
		}
		s.onPhaseComplete(success)
	default:
		// Reaped a pid we are no longer tracking (already superseded by a
		// later phase); nothing to do.
	}
}

func resultForExit(signaled bool) Result {
	if signaled {
		return FailureSignal
	}
	return FailureExitCode
}

// onMainExit implements the main-pid advance table from spec §4.G.
func (s *Service) onMainExit(success bool) {
	switch s.state {
	case Start:
		s.enterStopSigterm()
	case StartPost, Reload:
		s.enterStop()
	case Running:
		s.enterStop()
	case Stop:
		// main already accounted for; the ExecStop control process still owns the phase
	case StopWatchdog, StopSigterm, StopSigkill:
		s.enterStopPostPhase()
	case FinalSigterm, FinalSigkill:
		s.enterDeadOrFailed()
	}
}

func sigByName(name string) syscall.Signal {
	switch strings.ToUpper(name) {
	case "SIGTERM", "TERM":
		return syscall.SIGTERM
	case "SIGKILL", "KILL":
		return syscall.SIGKILL
	case "SIGHUP", "HUP":
		return syscall.SIGHUP
	case "SIGINT", "INT":
		return syscall.SIGINT
	case "SIGUSR1", "USR1":
		return syscall.SIGUSR1
	case "SIGUSR2", "USR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGTERM
	}
}

func killPID(pid int, signal string) {
	_ = syscall.Kill(pid, sigByName(signal))
}
