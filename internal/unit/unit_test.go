package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	typ, ok := TypeOf("sshd.service")
	require.True(t, ok)
	assert.Equal(t, TypeService, typ)

	_, ok = TypeOf(".service")
	assert.False(t, ok, "empty base name must be rejected")

	_, ok = TypeOf("sshd")
	assert.False(t, ok, "missing suffix must be rejected")

	_, ok = TypeOf("sshd.bogus")
	assert.False(t, ok, "unrecognized suffix must be rejected")

	_, ok = TypeOf("")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("foo.target"))
	assert.Error(t, Validate("foo"))
}

func TestStartLimitDisabledByZeroBurst(t *testing.T) {
	l := &StartLimit{Interval: time.Minute, Burst: 0}
	now := time.Now()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Record(now))
	}
}

func TestStartLimitSlidingWindow(t *testing.T) {
	l := &StartLimit{Interval: time.Second, Burst: 2}
	base := time.Now()

	assert.True(t, l.Record(base), "1st start within burst")
	assert.True(t, l.Record(base.Add(100*time.Millisecond)), "2nd start within burst")
	assert.False(t, l.Record(base.Add(200*time.Millisecond)), "3rd start exceeds burst")

	// Outside the window the old starts are pruned and the limit resets.
	later := base.Add(2 * time.Second)
	assert.True(t, l.Record(later))
}

func TestUnitLifecycleAccessors(t *testing.T) {
	u := New("web.service", TypeService)
	assert.Equal(t, unitID("web.service"), u.ID())
	assert.Equal(t, TypeService, u.Type())
	assert.Equal(t, LoadStub, u.LoadState())
	assert.Equal(t, StateInactive, u.ActiveState())

	u.SetLoadState(LoadLoaded)
	assert.Equal(t, LoadLoaded, u.LoadState())

	u.SetActiveState(StateActive)
	assert.True(t, u.ActiveState().IsRunning())

	u.SetMerged("app.service")
	into, ok := u.MergeInto()
	require.True(t, ok)
	assert.Equal(t, unitID("app.service"), into)
}

func TestUnitPIDTracking(t *testing.T) {
	u := New("web.service", TypeService)
	u.AddPID(100, true)
	u.AddPID(101, false)
	assert.Equal(t, 100, u.MainPID())
	assert.ElementsMatch(t, []int{100, 101}, u.PIDs())

	u.RemovePID(100)
	assert.Equal(t, 0, u.MainPID())
	assert.ElementsMatch(t, []int{101}, u.PIDs())
}

func TestUnitPendingFlags(t *testing.T) {
	u := New("web.service", TypeService)
	assert.False(t, u.Pending().Has(PendingLoad))
	u.SetPending(PendingLoad, true)
	assert.True(t, u.Pending().Has(PendingLoad))
	u.SetPending(PendingLoad, false)
	assert.False(t, u.Pending().Has(PendingLoad))
}

func TestUnitConfigDerivesStartLimitAndFlags(t *testing.T) {
	u := New("web.service", TypeService)
	u.SetConfig(&Config{
		DefaultDependencies: false,
		IgnoreOnIsolate:     true,
		StartLimitInterval:  time.Second,
		StartLimitBurst:     1,
	})
	assert.False(t, u.DefaultDependencies())
	assert.True(t, u.IgnoreOnIsolate())

	now := time.Now()
	assert.True(t, u.TryStart(now))
	assert.False(t, u.TryStart(now))
}

// unitID is a tiny local alias so test assertions read naturally against the
// exported ID type without importing it twice.
type unitID = ID
