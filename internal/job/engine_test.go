package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreinit/internal/depgraph"
	"coreinit/internal/loader"
	"coreinit/internal/registry"
	"coreinit/internal/unit"
	"coreinit/internal/unitfile"
)

// fakeSub is a SubUnit double whose Start/Stop just flip the owning unit's
// active state synchronously through startErr/stopErr hooks, letting tests
// drive the job engine's notify path deterministically.
type fakeSub struct {
	u        *unit.Unit
	startErr error
	stopErr  error
	notify   func(unit.ID, unit.ActiveState)
	order    *[]unit.ID // if set, Start appends u.ID() so tests can assert dispatch order
}

func (f *fakeSub) Load(cfg *unit.Config) error { return nil }
func (f *fakeSub) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.order != nil {
		*f.order = append(*f.order, f.u.ID())
	}
	f.u.SetActiveState(unit.StateActive)
	if f.notify != nil {
		f.notify(f.u.ID(), unit.StateActive)
	}
	return nil
}
func (f *fakeSub) Stop(force bool) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.u.SetActiveState(unit.StateInactive)
	if f.notify != nil {
		f.notify(f.u.ID(), unit.StateInactive)
	}
	return nil
}
func (f *fakeSub) Reload() error                        { return nil }
func (f *fakeSub) Verify() error                         { return nil }
func (f *fakeSub) CurrentActiveState() unit.ActiveState  { return f.u.ActiveState() }
func (f *fakeSub) SigchldEvent(pid, code int, s bool, sig int) {}
func (f *fakeSub) NotifyMessage(text string)             {}
func (f *fakeSub) CollectFDs() []int                      { return nil }

func writeUnit(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

type harness struct {
	reg        *registry.Registry
	graph      *depgraph.Graph
	eng        *Engine
	subs       map[unit.ID]*fakeSub
	startOrder []unit.ID
}

func newHarness(t *testing.T, dir string) *harness {
	h := &harness{
		reg:   registry.New(),
		graph: depgraph.New(),
		subs:  make(map[unit.ID]*fakeSub),
	}
	sp := unitfile.SearchPath{PersistentDir: dir}
	factory := func(id unit.ID, typ unit.Type, cfg *unit.Config) (unit.SubUnit, error) {
		u, _ := h.reg.Get(id)
		fs := &fakeSub{u: u, notify: h.notifyFn(), order: &h.startOrder}
		h.subs[id] = fs
		return fs, nil
	}
	ldr := loader.New(h.reg, h.graph, sp, factory, nil)
	h.eng = New(h.reg, h.graph, ldr)
	return h
}

func (h *harness) notifyFn() func(unit.ID, unit.ActiveState) {
	return func(id unit.ID, s unit.ActiveState) {
		h.eng.OnUnitNotify(id, s, false)
	}
}

func (h *harness) subOf(id unit.ID) unit.SubUnit {
	if s, ok := h.subs[id]; ok {
		return s
	}
	return nil
}

func TestExecStartPullsInWants(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a.service", "[Unit]\nWants=b.service\n[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "b.service", "[Service]\nExecStart=/bin/true\n")
	h := newHarness(t, dir)

	affect, err := h.eng.Exec("a.service", KindStart, ModeReplace, 0)
	require.NoError(t, err)
	assert.Contains(t, affect.Jobs, unit.ID("a.service"))
	assert.Contains(t, affect.Jobs, unit.ID("b.service"))

	h.eng.Dispatch(h.subOf)
	h.eng.Dispatch(h.subOf)

	aUnit, _ := h.reg.Get("a.service")
	bUnit, _ := h.reg.Get("b.service")
	assert.Equal(t, unit.StateActive, aUnit.ActiveState())
	assert.Equal(t, unit.StateActive, bUnit.ActiveState())
}

func TestDispatchStartsAllReadyUnitsInOneCallViaTopoOrder(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "x.service", "[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "y.service", "[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "z.service", "[Service]\nExecStart=/bin/true\n")
	h := newHarness(t, dir)

	for _, id := range []unit.ID{"x.service", "y.service", "z.service"} {
		_, err := h.eng.Exec(id, KindStart, ModeReplace, 0)
		require.NoError(t, err)
	}

	h.eng.Dispatch(h.subOf)

	assert.ElementsMatch(t, []unit.ID{"x.service", "y.service", "z.service"}, h.startOrder,
		"Dispatch promotes every ready unit in one pass; TopoOrder reorders but must never drop one")
}

func TestExecConflictRejectedInFailMode(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "c.service", "[Service]\nExecStart=/bin/true\n")
	h := newHarness(t, dir)

	_, err := h.eng.Exec("c.service", KindStart, ModeReplace, 0)
	require.NoError(t, err)
	// Without a notify the Start job stays Running after its action returns,
	// so it is still in the committed table when the Stop arrives.
	h.subs["c.service"].notify = nil
	h.eng.Dispatch(h.subOf) // promote c.service's Start to Running

	_, err = h.eng.Exec("c.service", KindStop, ModeFail, 0)
	assert.Error(t, err)
	var conflict *ErrConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestExecRestartDecomposes(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "s.service", "[Service]\nExecStart=/bin/true\n")
	h := newHarness(t, dir)

	_, err := h.eng.Exec("s.service", KindStart, ModeReplace, 0)
	require.NoError(t, err)
	h.eng.Dispatch(h.subOf)
	sUnit, _ := h.reg.Get("s.service")
	require.Equal(t, unit.StateActive, sUnit.ActiveState())

	_, err = h.eng.Exec("s.service", KindRestart, ModeReplace, 0)
	require.NoError(t, err)

	// First dispatch runs the Stop half.
	h.eng.Dispatch(h.subOf)
	assert.Equal(t, unit.StateInactive, sUnit.ActiveState())

	// Second dispatch runs the re-queued Start half.
	h.eng.Dispatch(h.subOf)
	assert.Equal(t, unit.StateActive, sUnit.ActiveState())
}

func TestExecPropagatesStartFailureToDependent(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a.service", "[Unit]\nRequires=b.service\nAfter=b.service\n[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "b.service", "[Service]\nExecStart=/bin/false\n")
	h := newHarness(t, dir)

	var fallbackDep, fallbackCause unit.ID
	h.eng.OnFallback = func(dependent, cause unit.ID) {
		fallbackDep, fallbackCause = dependent, cause
	}

	_, err := h.eng.Exec("a.service", KindStart, ModeReplace, 0)
	require.NoError(t, err)

	h.subs["b.service"] = &fakeSub{u: mustGet(t, h.reg, "b.service"), startErr: ErrFailed, notify: h.notifyFn()}

	h.eng.Dispatch(h.subOf) // runs b.service Start -> Failed, cancels a.service Start

	assert.Equal(t, unit.ID("a.service"), fallbackDep)
	assert.Equal(t, unit.ID("b.service"), fallbackCause)

	aUnit, _ := h.reg.Get("a.service")
	assert.Equal(t, unit.StateInactive, aUnit.ActiveState(), "a.service must never leave Inactive")
}

func mustGet(t *testing.T, reg *registry.Registry, id unit.ID) *unit.Unit {
	t.Helper()
	u, ok := reg.Get(id)
	require.True(t, ok)
	return u
}

func TestExecIsolateStopsNonPinnedUnits(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "x.service", "[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "y.service", "[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "z.service", "[Unit]\nIgnoreOnIsolate=true\n[Service]\nExecStart=/bin/true\n")
	h := newHarness(t, dir)

	for _, id := range []unit.ID{"x.service", "y.service", "z.service"} {
		_, err := h.eng.Exec(id, KindStart, ModeReplace, 0)
		require.NoError(t, err)
		h.eng.Dispatch(h.subOf)
	}

	_, err := h.eng.Exec("x.service", KindStart, ModeIsolate, 0)
	require.NoError(t, err)
	h.eng.Dispatch(h.subOf)

	yUnit, _ := h.reg.Get("y.service")
	zUnit, _ := h.reg.Get("z.service")
	xUnit, _ := h.reg.Get("x.service")
	assert.Equal(t, unit.StateInactive, yUnit.ActiveState())
	assert.Equal(t, unit.StateActive, zUnit.ActiveState(), "IgnoreOnIsolate unit must remain Active")
	assert.Equal(t, unit.StateActive, xUnit.ActiveState())
}

func TestCancelQueuedJob(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a.service", "[Service]\nExecStart=/bin/true\n")
	h := newHarness(t, dir)

	_, err := h.eng.Exec("a.service", KindStart, ModeReplace, 0)
	require.NoError(t, err)

	require.NoError(t, h.eng.Cancel("a.service", KindStart))
	_, ok := h.eng.Table().Queued("a.service", KindStart)
	assert.False(t, ok)
}

func TestStartLimitBurstZeroDisablesRateLimit(t *testing.T) {
	u := unit.New("a.service", unit.TypeService)
	u.SetConfig(&unit.Config{StartLimitBurst: 0})
	now := time.Now()
	for i := 0; i < 10; i++ {
		assert.True(t, u.TryStart(now))
	}
}
