package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreinit/internal/unit"
)

func TestInsertAddsInverse(t *testing.T) {
	g := New()
	g.Insert("a.service", unit.Requires, "b.service", true, unit.MaskConfig)

	assert.Equal(t, []unit.ID{"b.service"}, g.Gets("a.service", unit.Requires))
	assert.Equal(t, []unit.ID{"a.service"}, g.Gets("b.service", unit.RequiredBy))
	assert.Equal(t, []unit.ID{"a.service"}, g.GetsIn("b.service", unit.Requires))
}

func TestInsertDuplicateCoalescesMask(t *testing.T) {
	g := New()
	g.Insert("a.service", unit.Wants, "b.service", false, unit.MaskDefault)
	g.Insert("a.service", unit.Wants, "b.service", false, unit.MaskConfig)

	targets := g.Gets("a.service", unit.Wants)
	require.Len(t, targets, 1, "duplicate edge must coalesce, not append")
}

func TestGetsAtomUnionsAndDedups(t *testing.T) {
	g := New()
	g.Insert("a.service", unit.Requires, "b.service", false, unit.MaskConfig)
	g.Insert("a.service", unit.Wants, "b.service", false, unit.MaskConfig)
	g.Insert("a.service", unit.BindsTo, "c.service", false, unit.MaskConfig)

	got := g.GetsAtom("a.service", PullInStart)
	assert.ElementsMatch(t, []unit.ID{"b.service", "c.service"}, got)
}

func TestAtomBeforeFoldsInverseAfter(t *testing.T) {
	g := New()
	// b.service After a.service  =>  a.service is ordered Before b.service
	g.Insert("b.service", unit.After, "a.service", false, unit.MaskConfig)

	got := g.GetsAtom("a.service", AtomBefore)
	assert.Contains(t, got, unit.ID("b.service"))
}

func TestDropMaskRemovesOnlyMatchingEdges(t *testing.T) {
	g := New()
	g.Insert("a.service", unit.Wants, "b.service", false, unit.MaskDefault)
	g.Insert("a.service", unit.Wants, "c.service", false, unit.MaskConfig)

	g.DropMask(unit.MaskDefault)

	got := g.Gets("a.service", unit.Wants)
	assert.ElementsMatch(t, []unit.ID{"c.service"}, got)
}

func TestTopoOrderRespectsAfter(t *testing.T) {
	g := New()
	g.Insert("b.service", unit.After, "a.service", false, unit.MaskConfig)
	g.Insert("c.service", unit.After, "b.service", false, unit.MaskConfig)

	order, err := g.TopoOrder([]unit.ID{"c.service", "b.service", "a.service"})
	require.NoError(t, err)

	pos := make(map[unit.ID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a.service"], pos["b.service"])
	assert.Less(t, pos["b.service"], pos["c.service"])
}

func TestTopoOrderBreaksSelfLoop(t *testing.T) {
	g := New()
	g.Insert("a.service", unit.After, "a.service", false, unit.MaskConfig)

	_, err := g.TopoOrder([]unit.ID{"a.service"})
	assert.NoError(t, err, "self-loop must be silently broken, not fail ordering")
}

func TestTopoOrderBreaksCycle(t *testing.T) {
	g := New()
	g.Insert("b.service", unit.After, "a.service", false, unit.MaskConfig)
	g.Insert("a.service", unit.After, "b.service", false, unit.MaskConfig)

	_, err := g.TopoOrder([]unit.ID{"a.service", "b.service"})
	assert.NoError(t, err, "a cycle must be broken rather than reported as an error")
}
