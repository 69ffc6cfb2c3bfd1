package gat

import (
	"sort"

	"github.com/chazu/grex/heap"
)

// ---------------------------------------------------------------------------
// Local collection hooks
// ---------------------------------------------------------------------------

// ClearMarks resets the per-collection mark on every entry.
func (t *Table) ClearMarks() {
	for _, g := range t.byAddr {
		g.marked = false
	}
}

// MarkPhysical treats every physical entry as a root: other tasks may hold
// its address, so only the distributed sweep can drop it. mark rewrites
// each value to its new location and the physical index is rebuilt.
func (t *Table) MarkPhysical(mark func(*heap.Pntr)) {
	for _, g := range t.sorted(t.physical) {
		mark(&g.Value)
		g.marked = true
	}
	t.rehash(Physical)
}

// PreserveTargets decides which target entries survive a local
// collection. survivor reports where a value lives after the cycle,
// looking through indirections that were not themselves marked, so a
// target whose proxy was replaced by a delivered value keeps its address
// identity. A target nobody reached survives only while a fetch is
// outstanding or frames wait on it; mark is used to keep its proxy alive.
//
// A surviving value must still stand for the entry's address: either a
// proxy naming it or, once delivered, the local copy. An entry whose proxy
// now names another address, or stands for some other local object, is
// retired. Entries that do not survive are removed and returned.
func (t *Table) PreserveTargets(survivor func(heap.Pntr) (heap.Pntr, bool), mark func(*heap.Pntr)) []*Global {
	var dropped []*Global
	for _, g := range t.sorted(t.targets) {
		if v, live := survivor(g.Value); live {
			g.Value = v
			if t.stale(g) {
				if g.Fetching {
					heap.Fatalf("task %d: fetching target %v no longer holds its proxy", t.tid, g)
				}
				dropped = append(dropped, g)
				continue
			}
			g.marked = true
			continue
		}
		if g.Fetching || g.Waiters.Len() > 0 {
			mark(&g.Value)
			g.marked = true
			continue
		}
		dropped = append(dropped, g)
	}
	for _, g := range dropped {
		delete(t.byAddr, g.Addr)
		if t.observer != nil {
			t.observer.GlobalRemoved(g)
		}
	}
	return append(dropped, t.rehash(Target)...)
}

// stale reports whether the target g's value no longer stands for g.Addr.
func (t *Table) stale(g *Global) bool {
	if t.proxyAddr == nil {
		return false
	}
	addr, ok := t.proxyAddr(g.Value)
	if ok {
		return addr != g.Addr
	}
	return !g.Delivered
}

// rehash rebuilds the value index for kind k after values moved. Two
// physical entries that now name the same object are merged, the later
// address becoming an alias. Stale targets are gone by now, so targets
// only collapse onto a shared delivered copy; the older entry is kept and
// the other is removed and returned with its waiters still attached.
func (t *Table) rehash(k Kind) []*Global {
	var dropped []*Global
	entries := make([]*Global, 0, len(t.index(k)))
	for _, g := range t.byAddr {
		if g.Kind == k {
			entries = append(entries, g)
		}
	}
	sortByAddr(entries)

	idx := make(map[heap.Pntr]*Global, len(entries))
	for _, g := range entries {
		keep, dup := idx[g.Value]
		if !dup {
			idx[g.Value] = g
			continue
		}
		delete(t.byAddr, g.Addr)
		if k == Physical {
			t.merge(keep, g)
		} else {
			dropped = append(dropped, g)
		}
		if t.observer != nil {
			t.observer.GlobalRemoved(g)
		}
	}
	if k == Physical {
		t.physical = idx
	} else {
		t.targets = idx
	}
	return dropped
}

func (t *Table) merge(keep, g *Global) {
	t.aliases[g.Addr] = keep
	for a, to := range t.aliases {
		if to == g {
			t.aliases[a] = keep
		}
	}
	keep.Fetchers = append(keep.Fetchers, g.Fetchers...)
	g.Fetchers = nil
	for f := g.Waiters.PopFront(); f != nil; f = g.Waiters.PopFront() {
		keep.Waiters.PushBack(f)
	}
	keep.Migrating = keep.Migrating || g.Migrating
	keep.fresh = keep.fresh || g.fresh
	keep.marked = keep.marked || g.marked
	keep.distMarked = keep.distMarked || g.distMarked
}

func (t *Table) dropAliases(g *Global) {
	for a, to := range t.aliases {
		if to == g {
			delete(t.aliases, a)
		}
	}
}

func (t *Table) sorted(idx map[heap.Pntr]*Global) []*Global {
	out := make([]*Global, 0, len(idx))
	for _, g := range idx {
		out = append(out, g)
	}
	sortByAddr(out)
	return out
}

func sortByAddr(gs []*Global) {
	sort.Slice(gs, func(i, j int) bool {
		a, b := gs[i].Addr, gs[j].Addr
		if a.Tid != b.Tid {
			return a.Tid < b.Tid
		}
		return a.Lid < b.Lid
	})
}

// ---------------------------------------------------------------------------
// Distributed collection hooks
// ---------------------------------------------------------------------------

// BeginDistributedCycle starts flagging entries created or re-exported
// during the cycle; the sweep keeps them.
func (t *Table) BeginDistributedCycle() {
	t.distActive = true
	for _, g := range t.byAddr {
		g.fresh = false
		g.distMarked = false
	}
}

// EndDistributedCycle clears the cycle flags.
func (t *Table) EndDistributedCycle() {
	t.distActive = false
	for _, g := range t.byAddr {
		g.fresh = false
		g.distMarked = false
	}
}

// SweepPhysical removes every physical entry that live rejects unless it
// was marked through its address, touched during the cycle, or still has
// parked fetchers or a migration in progress. The removed entries are returned; their values
// are left for the next local major collection to reclaim.
func (t *Table) SweepPhysical(live func(*Global) bool) []*Global {
	var removed []*Global
	for _, g := range t.sorted(t.physical) {
		if g.distMarked || g.fresh || g.Migrating || len(g.Fetchers) > 0 || g.Waiters.Len() > 0 || live(g) {
			continue
		}
		t.Remove(g)
		removed = append(removed, g)
	}
	return removed
}
