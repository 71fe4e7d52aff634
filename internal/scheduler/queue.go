// Package scheduler implements the single-threaded event loop from spec
// §4.F: one goroutine multiplexes SIGCHLD reaps, unit-file change
// notifications, job timeouts, and the nine named work queues, driving the
// job engine's Dispatch on every pass so that all state mutation happens on
// one thread (spec §5).
//
// Grounded on the teacher's internal/reconciler/queue.go workQueue: a
// mutex-protected FIFO with dedup-by-key, generalized here from
// ReconcileRequest dedup keys to bare unit.ID dedup, since the scheduler's
// queues have no payload beyond "this unit needs attention".
package scheduler

import (
	"sync"

	"coreinit/internal/unit"
)

// Name identifies one of the scheduler's named queues (spec §4.F table).
type Name string

const (
	QueueLoad             Name = "load"
	QueueTargetDeps       Name = "target-deps"
	QueueCgRealize        Name = "cg-realize"
	QueueClean            Name = "clean"
	QueueStopWhenBound    Name = "stop-when-bound"
	QueueStopWhenUnneeded Name = "stop-when-unneeded"
	QueueStartWhenUpheld  Name = "start-when-upheld"
	QueueDbus             Name = "dbus"
	QueueGc               Name = "gc"
)

// AllQueues lists the queues in the fixed drain order the loop uses each
// pass (spec §4.F: Load before TargetDeps before CgRealize, so a unit is
// fully resolved before its cgroup is realized).
var AllQueues = []Name{
	QueueLoad,
	QueueTargetDeps,
	QueueCgRealize,
	QueueStopWhenBound,
	QueueStopWhenUnneeded,
	QueueStartWhenUpheld,
	QueueClean,
	QueueDbus,
	QueueGc,
}

// dedupQueue is a FIFO of unit ids with membership tracking so repeated
// Push calls for the same id before it is drained collapse into one entry,
// mirroring workQueue's dedup-by-key behavior but without workQueue's
// "processing" bookkeeping: the scheduler drains and fully processes a
// queue on a single goroutine, so there is never a concurrent consumer to
// race against a Push.
type dedupQueue struct {
	mu      sync.Mutex
	items   []unit.ID
	pending map[unit.ID]bool
}

func newDedupQueue() *dedupQueue {
	return &dedupQueue{pending: make(map[unit.ID]bool)}
}

func (q *dedupQueue) push(id unit.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[id] {
		return
	}
	q.pending[id] = true
	q.items = append(q.items, id)
}

func (q *dedupQueue) pop() (unit.ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, id)
	return id, true
}

func (q *dedupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drainAll pops every currently-queued id and applies fn to each, in FIFO
// order. An id pushed by fn itself during the drain is processed on the
// next pass, not this one, so a queue can never starve the rest of the
// loop.
func (q *dedupQueue) drainAll(fn func(unit.ID)) {
	limit := q.len()
	for i := 0; i < limit; i++ {
		id, ok := q.pop()
		if !ok {
			return
		}
		fn(id)
	}
}
