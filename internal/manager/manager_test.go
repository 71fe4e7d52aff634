package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreinit/internal/job"
	"coreinit/internal/spawn"
	"coreinit/internal/unit"
	"coreinit/internal/unitfile"
)

func writeUnit(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

// newTestManager builds a Manager rooted at a fresh temp search path and
// installs a fake spawner: these tests exercise the real job engine,
// dependency graph, loader, and scheduler wiring end to end, but never fork
// a real process, so no test depends on OS process lifecycles or
// privileges.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		JournalDir: filepath.Join(t.TempDir(), "journal"),
		SearchPath: unitfile.SearchPath{PersistentDir: dir},
		CGroupRoot: filepath.Join(t.TempDir(), "cgroup"),
		JobTimeout: 5 * time.Second,
	}

	m, err := New(cfg)
	require.NoError(t, err)

	var nextPID int64 = 100
	m.spawnFn = func(spawn.Request) (int, error) {
		return int(atomic.AddInt64(&nextPID, 1)), nil
	}
	return m, dir
}

func TestStartUnitPullsInRequiredService(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "work.target", `[Unit]
Description=work target
DefaultDependencies=no
Requires=helper.service
After=helper.service
`)
	writeUnit(t, dir, "helper.service", `[Unit]
Description=helper service
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/helper
KillMode=none
`)

	_, err := m.StartUnit(unit.ID("work.target"))
	require.NoError(t, err)

	targetSt, ok := m.Status(unit.ID("work.target"))
	require.True(t, ok)
	assert.Equal(t, unit.StateActive, targetSt.ActiveState)

	helperSt, ok := m.Status(unit.ID("helper.service"))
	require.True(t, ok)
	assert.Equal(t, unit.StateActive, helperSt.ActiveState)
	assert.Equal(t, unit.LoadLoaded, helperSt.LoadState)
}

// runScheduler starts the manager's scheduler loop for the lifetime of the
// test, so stop-timeout escalation (driven by checkServiceTimers on the
// poll ticker) actually runs. A stopped service with no ExecStop and
// KillMode=none never gets a real exit to notify on, so it can only reach a
// terminal state by timing out the stop ladder (spec §4.G "Stop ladder
// timeout") into Failed, never into a clean Inactive.
func runScheduler(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.sched.Run(ctx) }()
}

func TestStopUnitPropagatesToRequiringTarget(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "work.target", `[Unit]
Description=work target
DefaultDependencies=no
Requires=helper.service
After=helper.service
`)
	writeUnit(t, dir, "helper.service", `[Unit]
Description=helper service
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/helper
KillMode=none
TimeoutStopSec=0.05
`)

	_, err := m.StartUnit(unit.ID("work.target"))
	require.NoError(t, err)
	helperSt, _ := m.Status(unit.ID("helper.service"))
	require.Equal(t, unit.StateActive, helperSt.ActiveState)

	runScheduler(t, m)

	// Stop propagates along RequiredBy: stopping helper.service also stops
	// work.target, which Requires it.
	_, err = m.StopUnit(unit.ID("helper.service"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		helperSt, _ := m.Status(unit.ID("helper.service"))
		targetSt, _ := m.Status(unit.ID("work.target"))
		return helperSt.ActiveState == unit.StateFailed && targetSt.ActiveState == unit.StateInactive
	}, 2*time.Second, 20*time.Millisecond, "Stop on helper.service propagates to work.target through Requires=")
}

func TestRestartUnitDecomposesIntoStopThenStart(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "helper.service", `[Unit]
Description=helper service
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/helper
KillMode=none
TimeoutStopSec=0.05
`)

	_, err := m.StartUnit(unit.ID("helper.service"))
	require.NoError(t, err)
	st, _ := m.Status(unit.ID("helper.service"))
	require.Equal(t, unit.StateActive, st.ActiveState)

	runScheduler(t, m)

	_, err = m.RestartUnit(unit.ID("helper.service"))
	require.NoError(t, err)

	// Restart decomposes into a Stop half and a Start half (spec §8 S3). With
	// no ExecStop and KillMode=none, the Stop half only closes once the stop
	// ladder times out into Failed; OnUnitNotify then treats Failed as a
	// terminal Done for the Stop run-kind and re-queues the Start half, which
	// the next dispatch pass runs back to Active.
	require.Eventually(t, func() bool {
		st, _ := m.Status(unit.ID("helper.service"))
		return st.ActiveState == unit.StateActive
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIsolateStopsUnitsNotPulledInByTarget(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "multi-user.target", `[Unit]
Description=multi-user target
DefaultDependencies=no
`)
	writeUnit(t, dir, "stray.service", `[Unit]
Description=stray service
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/stray
KillMode=none
TimeoutStopSec=0.05
`)

	_, err := m.StartUnit(unit.ID("stray.service"))
	require.NoError(t, err)
	st, _ := m.Status(unit.ID("stray.service"))
	require.Equal(t, unit.StateActive, st.ActiveState)

	runScheduler(t, m)

	_, err = m.IsolateUnit(unit.ID("multi-user.target"))
	require.NoError(t, err)

	targetSt, _ := m.Status(unit.ID("multi-user.target"))
	assert.Equal(t, unit.StateActive, targetSt.ActiveState)

	require.Eventually(t, func() bool {
		st, _ := m.Status(unit.ID("stray.service"))
		return st.ActiveState == unit.StateFailed
	}, 2*time.Second, 20*time.Millisecond, "Isolate stops units not pulled in by the target (spec §8 S6)")
}

func TestStopLadderEscalatesOnTimeoutUnderRealScheduler(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "slow.service", `[Unit]
Description=slow-to-stop service
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/slow
KillMode=none
TimeoutStopSec=0.05
`)

	_, err := m.StartUnit(unit.ID("slow.service"))
	require.NoError(t, err)
	st, _ := m.Status(unit.ID("slow.service"))
	require.Equal(t, unit.StateActive, st.ActiveState)

	runScheduler(t, m)

	_, err = m.StopUnit(unit.ID("slow.service"))
	require.NoError(t, err)

	// KillMode=none means nothing ever reaps the (fake) main pid, so the
	// stop ladder can only complete via the scheduler's stop-timeout poll
	// escalating StopSigterm -> StopSigkill -> StopPost -> FinalSigterm ->
	// FinalSigkill -> Failed across two ticks (spec §4.G "Stop ladder
	// timeout", §8 S4).
	require.Eventually(t, func() bool {
		st, _ := m.Status(unit.ID("slow.service"))
		return st.ActiveState == unit.StateFailed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDryRunDoesNotCommitOrStartAnything(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "work.target", `[Unit]
Description=work target
DefaultDependencies=no
Requires=helper.service
After=helper.service
`)
	writeUnit(t, dir, "helper.service", `[Unit]
Description=helper service
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/helper
KillMode=none
`)

	affect, err := m.DryRun(unit.ID("work.target"), job.KindStart, job.ModeReplace)
	require.NoError(t, err)
	assert.Len(t, affect.Jobs, 2)
	assert.Contains(t, affect.Jobs, unit.ID("work.target"))
	assert.Contains(t, affect.Jobs, unit.ID("helper.service"))

	st, ok := m.Status(unit.ID("work.target"))
	require.True(t, ok)
	assert.Equal(t, unit.StateInactive, st.ActiveState)
	assert.False(t, st.HasJob)
}

func TestReloadQueuesNewlyDiscoveredUnits(t *testing.T) {
	m, dir := newTestManager(t)

	queued, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)

	writeUnit(t, dir, "discovered.service", `[Unit]
Description=discovered later
DefaultDependencies=no

[Service]
Type=simple
ExecStart=/usr/bin/discovered
KillMode=none
`)

	queued, err = m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestListUnitsIsSortedByID(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "bbb.service", `[Unit]
DefaultDependencies=no
[Service]
Type=simple
ExecStart=/usr/bin/bbb
KillMode=none
`)
	writeUnit(t, dir, "aaa.service", `[Unit]
DefaultDependencies=no
[Service]
Type=simple
ExecStart=/usr/bin/aaa
KillMode=none
`)

	_, err := m.StartUnit(unit.ID("bbb.service"))
	require.NoError(t, err)
	_, err = m.StartUnit(unit.ID("aaa.service"))
	require.NoError(t, err)

	units := m.ListUnits()
	require.Len(t, units, 2)
	assert.Equal(t, unit.ID("aaa.service"), units[0].ID)
	assert.Equal(t, unit.ID("bbb.service"), units[1].ID)
}

func TestSubscribeReceivesStateChangeEvents(t *testing.T) {
	m, dir := newTestManager(t)

	writeUnit(t, dir, "watched.service", `[Unit]
DefaultDependencies=no
[Service]
Type=simple
ExecStart=/usr/bin/watched
KillMode=none
`)

	ch := m.Subscribe()

	_, err := m.StartUnit(unit.ID("watched.service"))
	require.NoError(t, err)

	// Start cascades through several internal phases (Condition, StartPre,
	// Start, StartPost) before Running, each publishing its own Event, so
	// drain until the terminal Active state arrives rather than asserting
	// on the first message.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			assert.Equal(t, unit.ID("watched.service"), ev.Unit)
			if ev.State == unit.StateActive {
				return
			}
		case <-deadline:
			t.Fatal("expected a terminal Active event for watched.service")
		}
	}
}
