package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreinit/internal/job"
	"coreinit/internal/spawn"
	"coreinit/internal/unit"
)

func TestServiceHappyPathReachesRunning(t *testing.T) {
	svc := &Service{id: "web.service", state: Dead, result: Success}
	svc.spawner = func(req spawn.Request) (int, error) { return 100, nil }
	svc.cfg = &Config{Type: TypeSimple, ExecStart: []ExecCommand{{Path: "/usr/bin/webd"}}}

	require.NoError(t, svc.Start())

	assert.Equal(t, Running, svc.State())
	assert.Equal(t, unit.StateActive, svc.CurrentActiveState())
	assert.Equal(t, 100, svc.MainPID())
}

func TestServiceStartWhileRunningReturnsAlready(t *testing.T) {
	svc := &Service{id: "web.service", state: Running}
	err := svc.Start()
	assert.ErrorIs(t, err, job.ErrAlready)
}

func TestServiceConditionFailureSkipsToStopLadder(t *testing.T) {
	svc := &Service{id: "web.service", state: Dead, result: Success}
	calls := 0
	svc.spawner = func(req spawn.Request) (int, error) {
		calls++
		return 200, nil
	}
	svc.cfg = &Config{
		Type:          TypeSimple,
		ExecCondition: []ExecCommand{{Path: "/usr/bin/check"}},
		ExecStart:     []ExecCommand{{Path: "/usr/bin/webd"}},
	}

	require.NoError(t, svc.Start())
	assert.Equal(t, Condition, svc.State())

	// Condition's control process exits non-zero.
	svc.SigchldEvent(200, 1, false, 0)

	assert.Equal(t, StopSigterm, svc.State())
	assert.Equal(t, FailureExitCode, svc.Result())
	assert.Equal(t, 1, calls)
}

func TestServiceStopLadderEscalatesOnTimeout(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: Success}
	svc.cfg = &Config{Type: TypeSimple, KillMode: KillProcess, TimeoutStopSec: time.Millisecond}
	svc.mainPID = 500

	require.NoError(t, svc.Stop(false))
	assert.Equal(t, StopSigterm, svc.State())

	dl, ok := svc.StopDeadline()
	require.True(t, ok)
	assert.False(t, dl.IsZero())

	// With no ExecStopPost entries configured, the empty-FIFO StopSigkill ->
	// StopPost -> FinalSigterm cascade runs synchronously off the timeout.
	svc.OnStopTimeout()
	assert.Equal(t, FinalSigterm, svc.State())
	assert.Equal(t, FailureTimeout, svc.Result())
}

func TestServiceMainPidExitDuringRunningTriggersStop(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: Success}
	svc.cfg = &Config{Type: TypeSimple, KillMode: KillNone}
	svc.mainPID = 777

	svc.SigchldEvent(777, 1, false, 0)

	assert.Equal(t, StopSigterm, svc.State())
	assert.Equal(t, FailureExitCode, svc.Result())
}

func TestServiceControlPidTableAdvancesThroughStartPhases(t *testing.T) {
	svc := &Service{id: "web.service", state: Dead, result: Success}
	pid := 10
	svc.spawner = func(req spawn.Request) (int, error) {
		pid++
		return pid, nil
	}
	svc.cfg = &Config{
		Type:         TypeSimple,
		ExecStartPre: []ExecCommand{{Path: "/usr/bin/pre"}},
		ExecStart:    []ExecCommand{{Path: "/usr/bin/webd"}},
	}

	require.NoError(t, svc.Start())
	assert.Equal(t, StartPre, svc.State())

	svc.SigchldEvent(svc.controlPID, 0, false, 0)

	assert.Equal(t, Running, svc.State())
}

func TestServiceReloadReturnsToRunning(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: Success}
	svc.spawner = func(req spawn.Request) (int, error) { return 900, nil }
	svc.cfg = &Config{Type: TypeSimple, ExecReload: []ExecCommand{{Path: "/usr/bin/reload"}}}

	require.NoError(t, svc.Reload())
	assert.Equal(t, Reload, svc.State())
	assert.Equal(t, unit.StateReloading, svc.CurrentActiveState())

	svc.SigchldEvent(900, 0, false, 0)
	assert.Equal(t, Running, svc.State())
}

func TestServiceReloadWhileNotRunningIsRejected(t *testing.T) {
	svc := &Service{id: "web.service", state: Dead}
	err := svc.Reload()
	assert.ErrorIs(t, err, job.ErrBadR)
}

func TestServiceAutoRestartOnFailure(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: Success}
	svc.cfg = &Config{Type: TypeSimple, KillMode: KillNone, Restart: RestartOnFailure, RestartSec: 0}
	svc.mainPID = 1

	svc.SigchldEvent(1, 1, false, 0) // unexpected exit -> Stop ladder
	svc.OnStopTimeout()              // no control pid registered, but exercise escalation path harmlessly
	svc.finishCycle()                // simulate the StopPost->Final ladder completing

	assert.Equal(t, AutoRestart, svc.State())

	// With no ExecCondition/ExecStartPre/ExecStart entries configured, the
	// empty-FIFO phases cascade synchronously all the way to Running.
	svc.OnRestartTimer()
	assert.Equal(t, Running, svc.State())
	assert.Equal(t, Success, svc.Result())
}

func TestServiceAutoRestartArmsRestartDeadline(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: FailureExitCode}
	svc.cfg = &Config{Type: TypeSimple, Restart: RestartOnFailure, RestartSec: time.Minute}

	svc.finishCycle()

	assert.Equal(t, AutoRestart, svc.State())
	dl, armed := svc.RestartDeadline()
	require.True(t, armed)
	assert.True(t, dl.After(time.Now()))
}

func TestServiceAbortRestartGoesToFailed(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: FailureExitCode}
	svc.cfg = &Config{Type: TypeSimple, Restart: RestartOnFailure, RestartSec: time.Minute}
	svc.finishCycle()
	require.Equal(t, AutoRestart, svc.State())

	svc.AbortRestart()

	assert.Equal(t, Failed, svc.State())
	_, armed := svc.RestartDeadline()
	assert.False(t, armed)
}

func TestServiceNoRestartPolicyGoesToFailed(t *testing.T) {
	svc := &Service{id: "web.service", state: Running, result: FailureExitCode}
	svc.cfg = &Config{Type: TypeSimple, Restart: RestartNo}

	svc.finishCycle()

	assert.Equal(t, Failed, svc.State())
	assert.Equal(t, unit.StateFailed, svc.CurrentActiveState())
}

func TestServiceOneshotRemainAfterExitStaysActive(t *testing.T) {
	svc := &Service{id: "batch.service", state: Dead, result: Success}
	svc.spawner = func(req spawn.Request) (int, error) { return 55, nil }
	svc.cfg = &Config{Type: TypeOneshot, ExecStart: []ExecCommand{{Path: "/usr/bin/batch"}}, RemainAfterExit: true}

	require.NoError(t, svc.Start())
	assert.Equal(t, Start, svc.State())

	svc.SigchldEvent(svc.controlPID, 0, false, 0)

	assert.Equal(t, Exited, svc.State())
	assert.Equal(t, unit.StateActive, svc.CurrentActiveState())
}

func TestServiceOneshotWithoutRemainAfterExitGoesDead(t *testing.T) {
	svc := &Service{id: "batch.service", state: Dead, result: Success}
	svc.spawner = func(req spawn.Request) (int, error) { return 56, nil }
	svc.cfg = &Config{Type: TypeOneshot, ExecStart: []ExecCommand{{Path: "/usr/bin/batch"}}}

	require.NoError(t, svc.Start())
	svc.SigchldEvent(svc.controlPID, 0, false, 0)

	assert.Equal(t, Dead, svc.State())
}

func TestServiceSpawnFailureEntersStopLadder(t *testing.T) {
	svc := &Service{id: "web.service", state: Dead, result: Success}
	svc.spawner = func(req spawn.Request) (int, error) {
		return 0, &spawn.Error{Kind: spawn.ErrResources, Err: errors.New("EAGAIN")}
	}
	svc.cfg = &Config{Type: TypeSimple, ExecStart: []ExecCommand{{Path: "/usr/bin/webd"}}}

	require.NoError(t, svc.Start())

	assert.Equal(t, StopSigterm, svc.State())
	assert.Equal(t, FailureResources, svc.Result())
}

func TestServiceLoadRejectsMissingExecStartForNonOneshot(t *testing.T) {
	svc := New(unit.ID("broken.service"), nil, nil)
	err := svc.Load(&unit.Config{Section: map[string]string{"Type": "simple"}})
	assert.Error(t, err)
}

func TestServiceVerifyRequiresLoadedConfig(t *testing.T) {
	svc := New(unit.ID("broken.service"), nil, nil)
	assert.ErrorIs(t, svc.Verify(), job.ErrInval)
}
