package task

import (
	"github.com/chazu/grex/gat"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
	"github.com/chazu/grex/wire"
)

// distState is the task's side of a distributed collection.
type distState struct {
	cycle       uint64
	paused      bool
	pauseAcked  bool
	coordinator int32

	// gotPause counts GOTPAUSE markers per cycle. A peer's marker can
	// arrive before this task's own PAUSE.
	gotPause map[uint64]int32

	sent     uint64
	received uint64
	// forwarded holds the foreign addresses already sent a MARKENTRY
	// this cycle.
	forwarded map[heap.Address]bool

	// deferred holds work requests that arrived while paused.
	deferred []*wire.Message
}

func newDistState() distState {
	return distState{gotPause: make(map[uint64]int32)}
}

// deferred reports whether a message is held back while the task is paused.
func deferred(tag wire.Tag) bool {
	switch tag {
	case wire.TagFetch, wire.TagSchedule, wire.TagFish, wire.TagDistribute:
		return true
	}
	return false
}

func (t *Task) phase(m *wire.Message) uint64 {
	var p wire.Phase
	t.decode(m, &p)
	return p.Cycle
}

func (t *Task) expectCycle(m *wire.Message, cycle uint64) {
	if !t.dist.paused || cycle != t.dist.cycle {
		heap.Fatalf("task %d: %v for cycle %d (current %d, paused %v)",
			t.tid, m, cycle, t.dist.cycle, t.dist.paused)
	}
}

// ---------------------------------------------------------------------------
// Pause
// ---------------------------------------------------------------------------

// handlePause stops stepping, starts flagging new objects and entries, and
// sends a GOTPAUSE marker to every peer and the coordinator. Channels are
// FIFO, so once every peer's marker has arrived nothing they sent before
// pausing is still on the wire; the task then sends PAUSEACK.
func (t *Task) handlePause(m *wire.Message) {
	cycle := t.phase(m)
	if t.dist.paused {
		heap.Fatalf("task %d: pause for cycle %d during cycle %d", t.tid, cycle, t.dist.cycle)
	}
	t.dist.cycle = cycle
	t.dist.paused = true
	t.dist.pauseAcked = false
	t.dist.coordinator = m.From
	t.dist.sent, t.dist.received = 0, 0
	t.dist.forwarded = make(map[heap.Address]bool)
	t.heap.BeginDistributedCycle()
	t.gat.BeginDistributedCycle()
	log.Infof("task %d: paused for distributed cycle %d", t.tid, cycle)

	for peer := int32(0); peer < t.cfg.GroupSize; peer++ {
		if peer != t.tid {
			t.send(peer, wire.TagGotPause, wire.Phase{Cycle: cycle}, nil)
		}
	}
	t.send(m.From, wire.TagGotPause, wire.Phase{Cycle: cycle}, nil)
	t.checkPaused()
}

func (t *Task) handleGotPause(m *wire.Message) {
	t.dist.gotPause[t.phase(m)]++
	t.checkPaused()
}

func (t *Task) checkPaused() {
	d := &t.dist
	if !d.paused || d.pauseAcked || d.gotPause[d.cycle] < t.cfg.GroupSize-1 {
		return
	}
	delete(d.gotPause, d.cycle)
	d.pauseAcked = true
	t.send(d.coordinator, wire.TagPauseAck, wire.Phase{Cycle: d.cycle}, nil)
}

// ---------------------------------------------------------------------------
// Mark
// ---------------------------------------------------------------------------

// handleMarkRoots propagates the distributed mark from the task's roots:
// its frames, singletons, argument vector and system objects, plus every
// address named by a message still in flight or held back.
func (t *Task) handleMarkRoots(m *wire.Message) {
	t.expectCycle(m, t.phase(m))

	t.sched.Each(func(f *sched.Frame) {
		t.distMark(f.Cell)
		for _, v := range f.Stack {
			t.distMark(v)
		}
	})
	t.distMark(t.nilv)
	t.distMark(t.truev)
	for _, p := range t.strings {
		t.distMark(p)
	}
	for _, p := range t.args {
		t.distMark(p)
	}
	for _, so := range t.sysobjects {
		t.distMark(so.Cell)
		t.distMark(so.Buffer)
	}
	for _, addr := range t.pinnedAddresses() {
		t.distMarkAddress(addr)
	}
}

// pinnedAddresses returns the addresses named by unacknowledged sends and
// by deferred messages.
func (t *Task) pinnedAddresses() []heap.Address {
	var out []heap.Address
	for _, addrs := range t.inflight {
		out = append(out, addrs...)
	}
	for _, m := range t.dist.deferred {
		addrs, err := m.Addresses()
		if err != nil {
			heap.Fatalf("task %d: %v", t.tid, err)
		}
		out = append(out, addrs...)
	}
	return out
}

// distMarkAddress marks the object at addr, locally or by asking its owner.
func (t *Task) distMarkAddress(addr heap.Address) {
	if !addr.IsValid() {
		return
	}
	if addr.Tid != t.tid {
		t.forwardMark(addr)
		return
	}
	g, ok := t.gat.Lookup(addr)
	if !ok {
		return
	}
	g.MarkDistributed()
	t.distMark(g.Value)
}

func (t *Task) forwardMark(addr heap.Address) {
	if t.dist.forwarded[addr] {
		return
	}
	t.dist.forwarded[addr] = true
	t.dist.sent++
	t.send(addr.Tid, wire.TagMarkEntry, wire.MarkEntry{Cycle: t.dist.cycle, Addr: wire.FromHeap(addr)}, nil)
}

// distMark sets the distributed mark on everything reachable from p.
// Reaching a bound proxy forwards the mark to the object's owner.
func (t *Task) distMark(p heap.Pntr) {
	stack := []heap.Pntr{p}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !t.heap.DistMark(v) {
			continue
		}
		o := t.heap.Get(v)
		if o.Type == heap.CellRemoteRef {
			if o.Addr.Tid == t.tid {
				if g, ok := t.gat.Lookup(o.Addr); ok {
					g.MarkDistributed()
					stack = append(stack, g.Value)
				}
			} else if o.Addr.IsValid() {
				t.forwardMark(o.Addr)
			}
			continue
		}
		o.Children(func(q *heap.Pntr) {
			stack = append(stack, *q)
		})
	}
}

func (t *Task) handleMarkEntry(m *wire.Message) {
	var p wire.MarkEntry
	t.decode(m, &p)
	t.expectCycle(m, p.Cycle)
	t.dist.received++
	g := t.lookup(p.Addr.Heap())
	if g.Kind != gat.Physical {
		heap.Fatalf("task %d: mark entry for %v", t.tid, g)
	}
	g.MarkDistributed()
	t.distMark(g.Value)
}

func (t *Task) handleMarkQuery(m *wire.Message) {
	var p wire.MarkQuery
	t.decode(m, &p)
	t.expectCycle(m, p.Cycle)
	t.send(m.From, wire.TagMarkCount, wire.MarkCount{
		Cycle:    p.Cycle,
		Round:    p.Round,
		Sent:     t.dist.sent,
		Received: t.dist.received,
	}, nil)
}

// ---------------------------------------------------------------------------
// Sweep and resume
// ---------------------------------------------------------------------------

// handleSweep drops every physical entry nobody can still name, then
// compacts so the objects only those entries kept alive are reclaimed.
func (t *Task) handleSweep(m *wire.Message) {
	cycle := t.phase(m)
	t.expectCycle(m, cycle)

	pinned := make(map[*gat.Global]bool)
	for _, addr := range t.pinnedAddresses() {
		if g, ok := t.gat.Lookup(addr); ok {
			pinned[g] = true
		}
	}
	removed := t.gat.SweepPhysical(func(g *gat.Global) bool {
		if pinned[g] {
			return true
		}
		if tg, ok := t.gat.Target(g.Value); ok && tg.Fetching {
			return true
		}
		return t.heap.DistLive(g.Value)
	})
	t.Collect(heap.Major)

	log.Infof("task %d: cycle %d swept %d entries", t.tid, cycle, len(removed))
	t.send(m.From, wire.TagSweepAck, wire.SweepAck{Cycle: cycle, Removed: len(removed)}, nil)
}

// handleResume ends the cycle and handles the messages held back while
// paused, in arrival order.
func (t *Task) handleResume(m *wire.Message) {
	t.expectCycle(m, t.phase(m))
	t.heap.EndDistributedCycle()
	t.gat.EndDistributedCycle()
	t.dist.paused = false
	t.dist.forwarded = nil
	t.stats.DistCycles++
	log.Infof("task %d: resumed after cycle %d", t.tid, t.dist.cycle)

	held := t.dist.deferred
	t.dist.deferred = nil
	for _, dm := range held {
		t.dispatch(dm)
	}
}
