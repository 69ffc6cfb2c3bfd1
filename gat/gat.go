// Package gat implements a task's Global Address Table: the translation
// between local heap values and cluster-wide addresses.
//
// A physical entry names a locally owned object that other tasks may hold
// references to. A target entry is the local proxy for an object owned
// elsewhere. The table keeps three indices (by address, by physical value,
// by target value) that always agree on membership.
package gat

import (
	"fmt"

	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
)

// Kind distinguishes the two entry roles.
type Kind uint8

const (
	Physical Kind = iota
	Target
)

func (k Kind) String() string {
	if k == Physical {
		return "physical"
	}
	return "target"
}

// Fetcher is a remote request parked on a physical entry until the object
// can be delivered: the requesting task and the address of its proxy.
type Fetcher struct {
	Tid  int32
	Dest heap.Address
}

// Global is one table entry.
type Global struct {
	Addr  heap.Address
	Value heap.Pntr
	Kind  Kind

	// Fetching is set on a target while its FETCH is outstanding.
	Fetching bool
	// Opaque is set on a target whose owner refused to ship the object
	// (system objects); demanding it yields the proxy itself.
	Opaque bool
	// Delivered is set on a target once its object has arrived. Its value
	// is then the local copy rather than the proxy.
	Delivered bool
	// Waiters holds local frames blocked on this entry.
	Waiters sched.Queue
	// Fetchers holds remote requests parked on a physical entry.
	Fetchers []Fetcher
	// Migrating is set on the placeholder entry of a frame shipped by
	// SCHEDULE until the destination reports its new address.
	Migrating bool

	marked     bool
	fresh      bool
	distMarked bool
}

// Marked reports whether the entry survived the current local collection.
func (g *Global) Marked() bool {
	return g.marked
}

// Fresh reports whether the entry was created or re-exported during the
// current distributed cycle.
func (g *Global) Fresh() bool {
	return g.fresh
}

// MarkDistributed records that another task reached this entry's address
// during the current distributed cycle.
func (g *Global) MarkDistributed() {
	g.distMarked = true
}

// DistMarked reports whether MarkDistributed was called this cycle.
func (g *Global) DistMarked() bool {
	return g.distMarked
}

func (g *Global) String() string {
	return fmt.Sprintf("%s %v -> %v", g.Kind, g.Addr, g.Value)
}

// ProxyAddr reports the address the proxy cell v names. ok is false when
// v is not a proxy.
type ProxyAddr func(v heap.Pntr) (addr heap.Address, ok bool)

// Observer is told about entries as they come and go.
type Observer interface {
	GlobalAdded(g *Global)
	GlobalRemoved(g *Global)
}

// Table is a task's address table. It is not safe for concurrent use.
type Table struct {
	tid     int32
	nextLid int32

	byAddr   map[heap.Address]*Global
	physical map[heap.Pntr]*Global
	targets  map[heap.Pntr]*Global
	// aliases maps the addresses of physical entries merged by a
	// collection onto the entry that absorbed them.
	aliases map[heap.Address]*Global

	distActive bool
	observer   Observer
	proxyAddr  ProxyAddr
}

// New creates an empty table for task tid.
func New(tid int32) *Table {
	return &Table{
		tid:      tid,
		nextLid:  1,
		byAddr:   make(map[heap.Address]*Global),
		physical: make(map[heap.Pntr]*Global),
		targets:  make(map[heap.Pntr]*Global),
		aliases:  make(map[heap.Address]*Global),
	}
}

// Tid returns the owning task's id.
func (t *Table) Tid() int32 {
	return t.tid
}

// SetObserver installs o; nil removes it.
func (t *Table) SetObserver(o Observer) {
	t.observer = o
}

// SetProxyAddr installs the function AddTarget and PreserveTargets use to
// check that a target's value is the proxy for its address. With none
// installed the checks are skipped.
func (t *Table) SetProxyAddr(fn ProxyAddr) {
	t.proxyAddr = fn
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.byAddr)
}

// PhysicalAddress returns the cluster-wide name of the local object v,
// creating an entry the first time v is named.
func (t *Table) PhysicalAddress(v heap.Pntr) heap.Address {
	if !v.IsRef() {
		heap.Fatalf("physical address of non-reference %v", v)
	}
	if g, ok := t.physical[v]; ok {
		g.fresh = g.fresh || t.distActive
		return g.Addr
	}
	g := &Global{
		Addr:  heap.Address{Tid: t.tid, Lid: t.nextLid},
		Value: v,
		Kind:  Physical,
		fresh: t.distActive,
	}
	t.nextLid++
	t.byAddr[g.Addr] = g
	t.physical[v] = g
	t.added(g)
	return g.Addr
}

// AddTarget registers v as the local proxy for the foreign object at addr.
// If addr already has a target entry that entry is returned unchanged and
// the caller should use its Value instead of v. v must be a proxy naming
// addr.
func (t *Table) AddTarget(addr heap.Address, v heap.Pntr) *Global {
	if addr.Tid == t.tid || !addr.IsValid() {
		heap.Fatalf("task %d: target for address %v", t.tid, addr)
	}
	if t.proxyAddr != nil {
		if named, ok := t.proxyAddr(v); !ok || named != addr {
			heap.Fatalf("task %d: %v is not a proxy for %v", t.tid, v, addr)
		}
	}
	if g, ok := t.Lookup(addr); ok {
		if g.Kind != Target {
			heap.Fatalf("address %v registered as %s", addr, g.Kind)
		}
		return g
	}
	if old, ok := t.targets[v]; ok {
		heap.Fatalf("value %v already proxies %v", v, old.Addr)
	}
	g := &Global{Addr: addr, Value: v, Kind: Target}
	t.byAddr[addr] = g
	t.targets[v] = g
	t.added(g)
	return g
}

// Lookup returns the entry for addr, following aliases left by merged
// physical entries.
func (t *Table) Lookup(addr heap.Address) (*Global, bool) {
	if g, ok := t.byAddr[addr]; ok {
		return g, true
	}
	g, ok := t.aliases[addr]
	return g, ok
}

// Physical returns the physical entry for the local value v.
func (t *Table) Physical(v heap.Pntr) (*Global, bool) {
	g, ok := t.physical[v]
	return g, ok
}

// Target returns the target entry whose proxy is v.
func (t *Table) Target(v heap.Pntr) (*Global, bool) {
	g, ok := t.targets[v]
	return g, ok
}

// Remove deletes g from every index. Frames blocked on it and remote
// fetchers parked on it are handed back to the caller to release.
func (t *Table) Remove(g *Global) ([]*sched.Frame, []Fetcher) {
	if t.byAddr[g.Addr] != g {
		heap.Fatalf("remove unknown entry %v", g)
	}
	delete(t.byAddr, g.Addr)
	delete(t.index(g.Kind), g.Value)
	t.dropAliases(g)
	waiters := g.Waiters.Drain()
	fetchers := g.Fetchers
	g.Fetchers = nil
	if t.observer != nil {
		t.observer.GlobalRemoved(g)
	}
	return waiters, fetchers
}

func (t *Table) index(k Kind) map[heap.Pntr]*Global {
	if k == Physical {
		return t.physical
	}
	return t.targets
}

// Readdress moves the target g to a new address, as when an object it
// proxies turns out to have migrated.
func (t *Table) Readdress(g *Global, addr heap.Address) {
	if g.Kind != Target {
		heap.Fatalf("readdress %v", g)
	}
	if other, ok := t.byAddr[addr]; ok && other != g {
		heap.Fatalf("readdress %v onto existing %v", g, other)
	}
	delete(t.byAddr, g.Addr)
	g.Addr = addr
	t.byAddr[addr] = g
}

// Each calls fn for every entry. fn must not add or remove entries.
func (t *Table) Each(fn func(*Global)) {
	for _, g := range t.byAddr {
		fn(g)
	}
}

// Globals returns a snapshot of every entry of kind k.
func (t *Table) Globals(k Kind) []*Global {
	idx := t.index(k)
	out := make([]*Global, 0, len(idx))
	for _, g := range idx {
		out = append(out, g)
	}
	return out
}

func (t *Table) added(g *Global) {
	if t.observer != nil {
		t.observer.GlobalAdded(g)
	}
}

// Check verifies that addresses are unique, that the three indices agree on
// membership and that every target still stands for its address.
func (t *Table) Check() error {
	if len(t.byAddr) != len(t.physical)+len(t.targets) {
		return fmt.Errorf("gat: %d addresses but %d physical and %d target entries",
			len(t.byAddr), len(t.physical), len(t.targets))
	}
	for addr, g := range t.byAddr {
		if g.Addr != addr {
			return fmt.Errorf("gat: entry %v indexed under %v", g, addr)
		}
		if t.index(g.Kind)[g.Value] != g {
			return fmt.Errorf("gat: entry %v missing from the %s index", g, g.Kind)
		}
		if g.Kind == Physical && addr.Tid != t.tid {
			return fmt.Errorf("gat: physical entry %v names task %d", g, addr.Tid)
		}
		if g.Kind == Target && addr.Tid == t.tid {
			return fmt.Errorf("gat: target entry %v names this task", g)
		}
		if g.Kind == Target && t.stale(g) {
			return fmt.Errorf("gat: target entry %v no longer holds its proxy", g)
		}
	}
	for v, g := range t.physical {
		if g.Value != v || t.byAddr[g.Addr] != g {
			return fmt.Errorf("gat: physical index disagrees for %v", v)
		}
	}
	for v, g := range t.targets {
		if g.Value != v || t.byAddr[g.Addr] != g {
			return fmt.Errorf("gat: target index disagrees for %v", v)
		}
	}
	for addr, g := range t.aliases {
		if _, ok := t.byAddr[addr]; ok {
			return fmt.Errorf("gat: alias %v shadows a live entry", addr)
		}
		if g.Kind != Physical || t.byAddr[g.Addr] != g {
			return fmt.Errorf("gat: alias %v refers to a removed entry", addr)
		}
	}
	return nil
}
