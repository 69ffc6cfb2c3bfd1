package task

import (
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/wire"
)

// ---------------------------------------------------------------------------
// Frame migration
// ---------------------------------------------------------------------------

// ExportSpark ships the oldest spark to task to and reports whether there
// was one. The frame's cell stays behind as an unbound proxy whose
// physical address travels with the frame; it is rebound by the UPDATEREF
// reply. Until then local demands and remote fetches of the cell wait.
func (t *Task) ExportSpark(to int32) bool {
	if to == t.tid {
		heap.Fatalf("task %d: export spark to itself", t.tid)
	}
	f := t.sched.ExportSpark()
	if f == nil {
		return false
	}
	rec := wire.FrameRecord{Fno: f.Fno, PC: f.PC, Stack: t.exportValues(f.Stack)}
	cell := f.Cell
	placeholder := t.gat.PhysicalAddress(cell)
	g, _ := t.gat.Physical(cell)
	g.Migrating = true
	t.heap.MakeRemoteRef(cell, heap.Address{})
	t.stats.Exported++

	addrs := append(rec.Addresses(), placeholder)
	t.send(to, wire.TagSchedule, wire.Schedule{
		Placeholder: wire.FromHeap(placeholder),
		Frame:       rec,
	}, addrs)
	return true
}

func (t *Task) handleSchedule(m *wire.Message) {
	var p wire.Schedule
	t.decode(m, &p)
	if t.fishing && m.From == t.fishNext {
		t.fishing = false
	}
	f := t.Spawn(p.Frame.Fno, t.importValues(p.Frame.Stack))
	f.PC = p.Frame.PC
	t.sched.Spark(f)
	addr := t.gat.PhysicalAddress(f.Cell)
	t.send(m.From, wire.TagUpdateRef, wire.UpdateRef{
		Placeholder: p.Placeholder,
		Addr:        wire.FromHeap(addr),
	}, []heap.Address{p.Placeholder.Heap(), addr})
	t.ack(m)
}

func (t *Task) handleUpdateRef(m *wire.Message) {
	var p wire.UpdateRef
	t.decode(m, &p)
	g := t.lookup(p.Placeholder.Heap())
	if !g.Migrating {
		heap.Fatalf("task %d: update of %v, which is not migrating", t.tid, g)
	}
	addr := p.Addr.Heap()
	t.heap.SetAddr(g.Value, addr)
	g.Migrating = false
	t.gat.AddTarget(addr, g.Value)
	t.sched.WakeAll(&g.Waiters, nil)
	t.serveParked(g)
	t.ack(m)
}

// ---------------------------------------------------------------------------
// Work requests
// ---------------------------------------------------------------------------

// maybeFish asks one peer for work when the task is idle. At most one
// request is outstanding, and after every peer has answered NOWORK in a
// row the task stops asking until some other message arrives.
func (t *Task) maybeFish() {
	n := t.cfg.GroupSize
	if !t.cfg.Fishing || n < 2 || t.fishing || !t.sched.Idle() {
		return
	}
	if t.fishMisses >= int(n-1) {
		return
	}
	victim := (t.fishNext + 1) % n
	if victim == t.tid {
		victim = (victim + 1) % n
	}
	t.fishNext = victim
	t.fishing = true
	t.send(victim, wire.TagFish, nil, nil)
}

func (t *Task) handleFish(m *wire.Message) {
	if t.sched.SparkCount() > 0 && t.ExportSpark(m.From) {
		return
	}
	t.send(m.From, wire.TagNoWork, nil, nil)
}

func (t *Task) handleNoWork() {
	t.fishing = false
	t.fishMisses++
}

func (t *Task) handleDistribute(m *wire.Message) {
	var p wire.Distribute
	t.decode(m, &p)
	shipped := 0
	for shipped < p.Count && t.ExportSpark(p.To) {
		shipped++
	}
	log.Debugf("task %d: distribute round %d: shipped %d of %d sparks to task %d",
		t.tid, p.Round, shipped, p.Count, p.To)
}
