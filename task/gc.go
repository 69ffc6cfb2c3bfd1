package task

import (
	"github.com/chazu/grex/eventlog"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
)

// safePoint runs the collections the allocator asked for: a minor cycle
// whenever the young generation filled a block, followed by a major one
// when promotion grew the old generation and the skip policy allows it.
func (t *Task) safePoint() {
	if !t.heap.NeedsMinor() {
		return
	}
	t.Collect(heap.Minor)
	if t.heap.ShouldCompact() {
		t.Collect(heap.Major)
	}
}

// Collect runs one local collection of the given kind. The roots are every
// live frame, the singletons, the argument vector, open system objects,
// every physical address-table entry and whatever the heap itself tracks.
// Target entries survive when their proxy does, or while a fetch is
// outstanding or frames wait on them.
func (t *Task) Collect(kind heap.CycleKind) {
	c := t.heap.BeginCycle(kind)
	t.gat.ClearMarks()

	t.sched.Each(func(f *sched.Frame) {
		c.Mark(&f.Cell)
		f.VisitRefs(c.Mark)
	})
	c.Mark(&t.nilv)
	c.Mark(&t.truev)
	for s, p := range t.strings {
		c.Mark(&p)
		t.strings[s] = p
	}
	for i := range t.args {
		c.Mark(&t.args[i])
	}
	for _, so := range t.sysobjects {
		c.Mark(&so.Cell)
		so.VisitRefs(c.Mark)
	}
	t.gat.MarkPhysical(c.Mark)
	c.MarkHeapRoots()
	c.Drain()

	dropped := t.gat.PreserveTargets(c.Survivor, c.Mark)
	c.Drain()
	for _, g := range dropped {
		// Retired and collided entries can still have waiters; they demand
		// again through whatever their proxy now resolves to.
		t.sched.WakeAll(&g.Waiters, nil)
	}
	copied := c.Copied()
	c.Finish()
	t.stats.Collects++

	if t.cfg.CheckIntegrity {
		if err := t.gat.Check(); err != nil {
			heap.Fatalf("task %d: address table after %s collection: %v", t.tid, kind, err)
		}
	}
	log.Debugf("task %d: %s collection copied %d objects, dropped %d targets",
		t.tid, kind, copied, len(dropped))
	t.record(eventlog.Event{Kind: eventlog.Collect, Tag: uint8(kind), Seq: uint64(copied)})
}
