package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreinit/internal/unit"
)

func TestGetOrCreateInterns(t *testing.T) {
	r := New()
	u1 := r.GetOrCreate("web.service", unit.TypeService)
	u2 := r.GetOrCreate("web.service", unit.TypeService)
	assert.Same(t, u1, u2, "GetOrCreate must return the same handle for the same id")
}

func TestInsertRejectsDuplicate(t *testing.T) {
	r := New()
	u := unit.New("web.service", unit.TypeService)
	require.NoError(t, r.Insert(u))
	assert.Error(t, r.Insert(u))
}

func TestAliasResolution(t *testing.T) {
	r := New()
	u := r.GetOrCreate("web.service", unit.TypeService)
	require.NoError(t, r.AddAlias("web.service", "httpd.service"))

	got, ok := r.Get("httpd.service")
	require.True(t, ok)
	assert.Same(t, u, got)
	assert.Contains(t, u.Aliases(), unit.ID("httpd.service"))
}

func TestAliasOfUnknownUnitFails(t *testing.T) {
	r := New()
	assert.Error(t, r.AddAlias("ghost.service", "alias.service"))
}

func TestRename(t *testing.T) {
	r := New()
	u := r.GetOrCreate("old.service", unit.TypeService)
	require.NoError(t, r.Rename("old.service", "new.service"))

	got, ok := r.Get("new.service")
	require.True(t, ok)
	assert.Same(t, u, got)

	got, ok = r.Get("old.service")
	require.True(t, ok, "old id now resolves via alias")
	assert.Same(t, u, got)
}

func TestRenameRejectsAlreadyRegisteredTarget(t *testing.T) {
	r := New()
	r.GetOrCreate("old.service", unit.TypeService)
	r.GetOrCreate("new.service", unit.TypeService)

	err := r.Rename("old.service", "new.service")
	assert.ErrorIs(t, err, ErrTargetRegistered)
}

func TestMergeRoutesFutureLookupsToOwner(t *testing.T) {
	r := New()
	donor := r.GetOrCreate("old.service", unit.TypeService)
	owner := r.GetOrCreate("new.service", unit.TypeService)

	require.NoError(t, r.Merge("old.service", "new.service"))

	got, ok := r.Get("old.service")
	require.True(t, ok, "old id now resolves via alias to the owner")
	assert.Same(t, owner, got)

	into, ok := donor.MergeInto()
	require.True(t, ok)
	assert.Equal(t, unit.ID("new.service"), into)

	assert.Len(t, r.All(), 1, "the donor's own byID entry is dropped")
}

func TestRemoveDropsAliases(t *testing.T) {
	r := New()
	r.GetOrCreate("web.service", unit.TypeService)
	require.NoError(t, r.AddAlias("web.service", "httpd.service"))

	r.Remove("web.service")
	_, ok := r.Get("web.service")
	assert.False(t, ok)
	_, ok = r.Get("httpd.service")
	assert.False(t, ok)
}

func TestAllDoesNotDoubleCountAliases(t *testing.T) {
	r := New()
	r.GetOrCreate("web.service", unit.TypeService)
	require.NoError(t, r.AddAlias("web.service", "httpd.service"))
	r.GetOrCreate("other.service", unit.TypeService)

	assert.Len(t, r.All(), 2)
}
