// Package depgraph implements the typed bidirectional dependency graph from
// spec §4.C: two maps per unit (out-edges, in-edges) keyed by relation, plus
// derived "atom" queries that union several base relations.
//
// The map-of-maps shape is the teacher's internal/dependency.Graph
// (AddNode/Dependencies/Dependents) generalized from a single untyped
// DependsOn edge to the full Relation set from spec §3, with provenance
// masks so reload can drop default-synthesized edges selectively.
package depgraph

import (
	"coreinit/internal/unit"

	dgraph "github.com/dominikbraun/graph"
)

type edge struct {
	target unit.ID
	mask   unit.Mask
}

// Graph holds typed, masked, bidirectional edges between unit ids.
type Graph struct {
	out map[unit.ID]map[unit.Relation][]edge
	in  map[unit.ID]map[unit.Relation][]edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		out: make(map[unit.ID]map[unit.Relation][]edge),
		in:  make(map[unit.ID]map[unit.Relation][]edge),
	}
}

func ensure(m map[unit.ID]map[unit.Relation][]edge, id unit.ID) map[unit.Relation][]edge {
	rm, ok := m[id]
	if !ok {
		rm = make(map[unit.Relation][]edge)
		m[id] = rm
	}
	return rm
}

func hasEdge(edges []edge, target unit.ID) (int, bool) {
	for i, e := range edges {
		if e.target == target {
			return i, true
		}
	}
	return 0, false
}

// Insert adds a source--relation-->target edge with the given provenance
// mask. If addInverse is true the unique inverse edge is added too (spec
// invariant 6). Duplicate edges coalesce: inserting the same edge twice
// just ORs the mask onto the existing entry (spec §8 invariant 8).
func (g *Graph) Insert(source unit.ID, rel unit.Relation, target unit.ID, addInverse bool, mask unit.Mask) {
	g.insertOne(g.out, source, rel, target, mask)
	g.insertOne(g.in, target, rel, source, mask)

	if addInverse {
		inv := rel.Inverse()
		g.insertOne(g.out, target, inv, source, mask)
		g.insertOne(g.in, source, inv, target, mask)
	}
}

func (g *Graph) insertOne(m map[unit.ID]map[unit.Relation][]edge, from unit.ID, rel unit.Relation, to unit.ID, mask unit.Mask) {
	rm := ensure(m, from)
	if i, ok := hasEdge(rm[rel], to); ok {
		rm[rel][i].mask |= mask
		return
	}
	rm[rel] = append(rm[rel], edge{target: to, mask: mask})
}

// Gets returns the targets of source--relation--> edges, in insertion order.
func (g *Graph) Gets(source unit.ID, rel unit.Relation) []unit.ID {
	rm, ok := g.out[source]
	if !ok {
		return nil
	}
	edges := rm[rel]
	out := make([]unit.ID, len(edges))
	for i, e := range edges {
		out[i] = e.target
	}
	return out
}

// GetsIn returns the sources of edges--relation-->target, in insertion order.
func (g *Graph) GetsIn(target unit.ID, rel unit.Relation) []unit.ID {
	rm, ok := g.in[target]
	if !ok {
		return nil
	}
	edges := rm[rel]
	out := make([]unit.ID, len(edges))
	for i, e := range edges {
		out[i] = e.target
	}
	return out
}

// Atom is a derived query predicate unioning several base relations, per
// spec §3 "derived atoms".
type Atom int

const (
	// PullInStart = Requires ∪ Wants ∪ BindsTo ∪ Requisite.
	PullInStart Atom = iota
	// PullInVerify mirrors PullInStart for Verify-kind jobs.
	PullInVerify
	// PullInStop = BindsTo ∪ Requisite (units that cannot survive this one stopping).
	PullInStop
	// PropagateStop = RequiredBy ∪ BoundBy (spec §4.E "Stop" fallback).
	PropagateStop
	// PropagateRestart = BoundBy.
	PropagateRestart
	// PropagatesReloadTo = RequiredBy ∪ WantedBy.
	PropagatesReloadTo
	// TriggeredByAtom = TriggeredBy.
	TriggeredByAtom
	// CannotBeActiveWithout = BindsTo ∪ Requisite (stop-when-bound queue, spec §4.F step 7).
	CannotBeActiveWithout
	// AtomBefore = Before ∪ inverse(After) — the ordering relation used by the scheduler.
	AtomBefore
	// AtomAfter = After ∪ inverse(Before).
	AtomAfter
	// DefaultTargetDependencies = the After edge synthesized by the TargetDeps queue.
	DefaultTargetDependencies
	// PropagateStartFailure = RequiredBy ∪ BoundBy (cancel dependents on failed Start/Verify).
	PropagateStartFailure
	// PropagateStopFailure mirrors PropagateStartFailure for failed Stop.
	PropagateStopFailure
)

var atomRelations = map[Atom][]unit.Relation{
	PullInStart:               {unit.Requires, unit.Wants, unit.BindsTo, unit.Requisite},
	PullInVerify:              {unit.Requires, unit.Wants, unit.BindsTo, unit.Requisite},
	PullInStop:                {unit.BindsTo, unit.Requisite},
	PropagateStop:             {unit.RequiredBy, unit.BoundBy},
	PropagateRestart:          {unit.BoundBy},
	PropagatesReloadTo:        {unit.RequiredBy, unit.WantedBy},
	TriggeredByAtom:           {unit.TriggeredBy},
	CannotBeActiveWithout:     {unit.BindsTo, unit.Requisite},
	AtomBefore:                {unit.Before},
	AtomAfter:                 {unit.After},
	DefaultTargetDependencies: {unit.After},
	PropagateStartFailure:     {unit.RequiredBy, unit.BoundBy},
	PropagateStopFailure:      {unit.RequiredBy, unit.BoundBy},
}

// GetsAtom unions the relations composing atom and returns the deduplicated
// target set, in first-seen order.
func (g *Graph) GetsAtom(source unit.ID, atom Atom) []unit.ID {
	seen := make(map[unit.ID]struct{})
	var out []unit.ID
	for _, rel := range atomRelations[atom] {
		for _, t := range g.Gets(source, rel) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	// AtomBefore/AtomAfter additionally fold in the inverse relation's
	// in-edges, since "X Before Y" also orders Y after X.
	switch atom {
	case AtomBefore:
		for _, t := range g.GetsIn(source, unit.After) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	case AtomAfter:
		for _, t := range g.GetsIn(source, unit.Before) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}

// DropMask removes every edge (in both directions) whose mask is exactly the
// given bit, used by reload to drop default-synthesized edges (spec §4.C
// "mask ... so reload can selectively drop default-added edges").
func (g *Graph) DropMask(mask unit.Mask) {
	for from, rm := range g.out {
		for rel, edges := range rm {
			kept := edges[:0]
			for _, e := range edges {
				if e.mask&^mask != 0 {
					e.mask &^= mask
					kept = append(kept, e)
				}
			}
			rm[rel] = kept
		}
		g.out[from] = rm
	}
	for to, rm := range g.in {
		for rel, edges := range rm {
			kept := edges[:0]
			for _, e := range edges {
				if e.mask&^mask != 0 {
					e.mask &^= mask
					kept = append(kept, e)
				}
			}
			rm[rel] = kept
		}
		g.in[to] = rm
	}
}

// TopoOrder returns unit ids ordered consistently with the After relation
// (ids with no After predecessors first), using dominikbraun/graph for cycle
// detection and topological sort. A self-loop in After — spec §8 boundary
// behavior 10 — is silently broken before the sort runs, so it never
// deadlocks the ordering.
func (g *Graph) TopoOrder(ids []unit.ID) ([]unit.ID, error) {
	dg := dgraph.New(func(id unit.ID) unit.ID { return id }, dgraph.Directed(), dgraph.PreventCycles())

	for _, id := range ids {
		_ = dg.AddVertex(id)
	}
	for _, id := range ids {
		for _, after := range g.Gets(id, unit.After) {
			if after == id {
				continue // self-loop: silently broken, per spec §8 boundary behavior 10
			}
			if _, err := dg.Vertex(after); err != nil {
				continue // dependency outside the requested id set
			}
			if err := dg.AddEdge(after, id); err != nil {
				if err == dgraph.ErrEdgeCreatesCycle {
					continue // break the cycle rather than fail the whole ordering
				}
				if err != dgraph.ErrEdgeAlreadyExists {
					return nil, err
				}
			}
		}
	}

	return dgraph.TopologicalSort(dg)
}
