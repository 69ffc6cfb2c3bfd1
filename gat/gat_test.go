package gat

import (
	"testing"

	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
)

func expectFatal(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*heap.FatalError); !ok {
			t.Errorf("%s: expected a fatal error", name)
		}
	}()
	fn()
}

type recorder struct {
	added, removed []heap.Address
}

func (r *recorder) GlobalAdded(g *Global)   { r.added = append(r.added, g.Addr) }
func (r *recorder) GlobalRemoved(g *Global) { r.removed = append(r.removed, g.Addr) }

func cells(n int) []heap.Pntr {
	h := heap.New(heap.DefaultConfig())
	out := make([]heap.Pntr, n)
	for i := range out {
		out[i] = h.NewNil()
	}
	return out
}

func TestPhysicalAddress_StableAndUnique(t *testing.T) {
	tab := New(3)
	v := cells(2)

	a1 := tab.PhysicalAddress(v[0])
	a2 := tab.PhysicalAddress(v[1])
	if again := tab.PhysicalAddress(v[0]); again != a1 {
		t.Errorf("second PhysicalAddress = %v, want %v", again, a1)
	}
	if a1 == a2 {
		t.Fatal("distinct objects share an address")
	}
	if a1.Tid != 3 || !a1.IsValid() {
		t.Errorf("address %v should be valid and owned by task 3", a1)
	}
	if g, ok := tab.Lookup(a2); !ok || g.Value != v[1] || g.Kind != Physical {
		t.Errorf("Lookup(%v) = %v", a2, g)
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
	expectFatal(t, "number", func() { tab.PhysicalAddress(heap.FromNumber(1)) })
}

func TestAddTarget(t *testing.T) {
	tab := New(1)
	v := cells(2)
	addr := heap.Address{Tid: 2, Lid: 7}

	g := tab.AddTarget(addr, v[0])
	if got := tab.AddTarget(addr, v[1]); got != g {
		t.Error("second AddTarget for an address should return the existing entry")
	}
	if got, ok := tab.Target(v[0]); !ok || got != g {
		t.Error("target index missing entry")
	}
	if _, ok := tab.Target(v[1]); ok {
		t.Error("rejected value must not be indexed")
	}
	expectFatal(t, "own address", func() { tab.AddTarget(heap.Address{Tid: 1, Lid: 1}, v[1]) })
	expectFatal(t, "invalid address", func() { tab.AddTarget(heap.Address{Tid: 2}, v[1]) })
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

// proxies installs a proxy check that treats the cells in named as proxies
// for the given addresses.
func proxies(tab *Table, named map[heap.Pntr]heap.Address) {
	tab.SetProxyAddr(func(v heap.Pntr) (heap.Address, bool) {
		a, ok := named[v]
		return a, ok
	})
}

func TestAddTarget_RequiresMatchingProxy(t *testing.T) {
	tab := New(1)
	v := cells(3)
	addr := heap.Address{Tid: 2, Lid: 7}
	proxies(tab, map[heap.Pntr]heap.Address{v[0]: addr, v[1]: {Tid: 2, Lid: 8}})

	g := tab.AddTarget(addr, v[0])
	if g.Value != v[0] {
		t.Errorf("got value %v, want %v", g.Value, v[0])
	}
	expectFatal(t, "proxy for another address", func() { tab.AddTarget(heap.Address{Tid: 2, Lid: 9}, v[1]) })
	expectFatal(t, "not a proxy", func() { tab.AddTarget(heap.Address{Tid: 2, Lid: 10}, v[2]) })
	if tab.Len() != 1 {
		t.Errorf("Len = %d, want 1", tab.Len())
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestRemove_ReleasesWaitersAndFetchers(t *testing.T) {
	tab := New(1)
	rec := &recorder{}
	tab.SetObserver(rec)
	v := cells(1)
	g := tab.AddTarget(heap.Address{Tid: 2, Lid: 1}, v[0])

	s := sched.NewScheduler()
	f := s.NewFrame(1, nil)
	s.Run(f)
	s.Block(f, &g.Waiters, "fetch")
	g.Fetchers = append(g.Fetchers, Fetcher{Tid: 4, Dest: heap.Address{Tid: 4, Lid: 9}})

	waiters, fetchers := tab.Remove(g)
	if len(waiters) != 1 || waiters[0] != f {
		t.Errorf("waiters = %v", waiters)
	}
	if len(fetchers) != 1 || fetchers[0].Tid != 4 {
		t.Errorf("fetchers = %v", fetchers)
	}
	if tab.Len() != 0 {
		t.Errorf("Len = %d, want 0", tab.Len())
	}
	if _, ok := tab.Target(v[0]); ok {
		t.Error("value index still holds the removed entry")
	}
	if len(rec.added) != 1 || len(rec.removed) != 1 {
		t.Errorf("observer saw %d adds, %d removes", len(rec.added), len(rec.removed))
	}
	expectFatal(t, "double remove", func() { tab.Remove(g) })
}

func TestMarkPhysical_RehashesMovedValues(t *testing.T) {
	tab := New(1)
	v := cells(4)
	a0 := tab.PhysicalAddress(v[0])
	a1 := tab.PhysicalAddress(v[1])

	moved := map[heap.Pntr]heap.Pntr{v[0]: v[2], v[1]: v[3]}
	tab.MarkPhysical(func(p *heap.Pntr) { *p = moved[*p] })

	for _, tt := range []struct {
		addr heap.Address
		want heap.Pntr
	}{{a0, v[2]}, {a1, v[3]}} {
		g, ok := tab.Physical(tt.want)
		if !ok || g.Addr != tt.addr || !g.Marked() {
			t.Errorf("physical %v: got %v", tt.want, g)
		}
	}
	if _, ok := tab.Physical(v[0]); ok {
		t.Error("stale value still indexed")
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkPhysical_MergesCollapsedEntries(t *testing.T) {
	tab := New(1)
	v := cells(2)
	ind := tab.PhysicalAddress(v[0])
	direct := tab.PhysicalAddress(v[1])
	g, _ := tab.Lookup(ind)
	g.Fetchers = []Fetcher{{Tid: 2, Dest: heap.Address{Tid: 2, Lid: 1}}}

	// v[0] was an indirection to v[1]
	tab.MarkPhysical(func(p *heap.Pntr) {
		if *p == v[0] {
			*p = v[1]
		}
	})

	gi, ok1 := tab.Lookup(ind)
	gd, ok2 := tab.Lookup(direct)
	if !ok1 || !ok2 || gi != gd {
		t.Fatal("both addresses should resolve to the surviving entry")
	}
	if gd.Addr != ind {
		t.Errorf("survivor is %v, want the older address %v", gd.Addr, ind)
	}
	if len(gd.Fetchers) != 1 {
		t.Errorf("fetchers not carried over: %v", gd.Fetchers)
	}
	if tab.Len() != 1 {
		t.Errorf("Len = %d, want 1", tab.Len())
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}

	tab.Remove(gd)
	if _, ok := tab.Lookup(direct); ok {
		t.Error("alias should go with its entry")
	}
}

func TestPreserveTargets(t *testing.T) {
	tab := New(1)
	v := cells(6)
	live := tab.AddTarget(heap.Address{Tid: 2, Lid: 1}, v[0])
	dead := tab.AddTarget(heap.Address{Tid: 2, Lid: 2}, v[1])
	pending := tab.AddTarget(heap.Address{Tid: 2, Lid: 3}, v[2])
	pending.Fetching = true

	survivor := func(p heap.Pntr) (heap.Pntr, bool) {
		if p == v[0] {
			return v[3], true
		}
		return p, false
	}
	var marked []heap.Pntr
	mark := func(p *heap.Pntr) {
		marked = append(marked, *p)
		*p = v[4]
	}

	dropped := tab.PreserveTargets(survivor, mark)
	if len(dropped) != 1 || dropped[0] != dead {
		t.Fatalf("dropped = %v, want only the unreachable target", dropped)
	}
	if live.Value != v[3] {
		t.Errorf("live target value = %v, want %v", live.Value, v[3])
	}
	if len(marked) != 1 || marked[0] != v[2] || pending.Value != v[4] {
		t.Errorf("pending target should be kept alive via mark: %v", marked)
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestPreserveTargets_CollapsedOntoSameValue(t *testing.T) {
	tab := New(1)
	v := cells(3)
	first := tab.AddTarget(heap.Address{Tid: 2, Lid: 1}, v[0])
	second := tab.AddTarget(heap.Address{Tid: 3, Lid: 1}, v[1])

	dropped := tab.PreserveTargets(func(heap.Pntr) (heap.Pntr, bool) { return v[2], true }, func(*heap.Pntr) {})
	if len(dropped) != 1 || dropped[0] != second {
		t.Fatalf("dropped = %v, want the newer target", dropped)
	}
	if g, ok := tab.Target(v[2]); !ok || g != first {
		t.Error("older target should own the collapsed value")
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestPreserveTargets_RetiresTargetsThatNoLongerNameTheirAddress(t *testing.T) {
	tab := New(1)
	v := cells(5)
	x := heap.Address{Tid: 2, Lid: 1}
	z := heap.Address{Tid: 3, Lid: 1}
	named := map[heap.Pntr]heap.Address{v[0]: x, v[1]: z}
	proxies(tab, named)
	gx := tab.AddTarget(x, v[0])
	gz := tab.AddTarget(z, v[1])

	// x's proxy was turned into an indirection to z's proxy.
	survivor := func(p heap.Pntr) (heap.Pntr, bool) { return v[1], true }
	dropped := tab.PreserveTargets(survivor, func(*heap.Pntr) {})
	if len(dropped) != 1 || dropped[0] != gx {
		t.Fatalf("dropped = %v, want %v", dropped, gx)
	}
	if g, ok := tab.Target(v[1]); !ok || g != gz {
		t.Errorf("got %v owning the proxy, want %v", g, gz)
	}
	if _, ok := tab.Lookup(x); ok {
		t.Errorf("%v should be retired", x)
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestPreserveTargets_KeepsDeliveredCopies(t *testing.T) {
	tab := New(1)
	v := cells(4)
	delivered := heap.Address{Tid: 2, Lid: 1}
	rebound := heap.Address{Tid: 2, Lid: 2}
	proxies(tab, map[heap.Pntr]heap.Address{v[0]: delivered, v[1]: rebound})
	gd := tab.AddTarget(delivered, v[0])
	gr := tab.AddTarget(rebound, v[1])
	gd.Delivered = true

	// Both proxies now resolve to local non-proxy cells.
	moved := map[heap.Pntr]heap.Pntr{v[0]: v[2], v[1]: v[3]}
	survivor := func(p heap.Pntr) (heap.Pntr, bool) { return moved[p], true }
	dropped := tab.PreserveTargets(survivor, func(*heap.Pntr) {})
	if len(dropped) != 1 || dropped[0] != gr {
		t.Fatalf("dropped = %v, want %v", dropped, gr)
	}
	if g, ok := tab.Target(v[2]); !ok || g != gd {
		t.Errorf("delivered copy should stay the value of %v", delivered)
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestPreserveTargets_FetchingTargetMustKeepItsProxy(t *testing.T) {
	tab := New(1)
	v := cells(2)
	addr := heap.Address{Tid: 2, Lid: 1}
	proxies(tab, map[heap.Pntr]heap.Address{v[0]: addr})
	g := tab.AddTarget(addr, v[0])
	g.Fetching = true

	survivor := func(p heap.Pntr) (heap.Pntr, bool) { return v[1], true }
	expectFatal(t, "fetching target", func() { tab.PreserveTargets(survivor, func(*heap.Pntr) {}) })
}

func TestSweepPhysical(t *testing.T) {
	tab := New(1)
	v := cells(4)
	reached := tab.PhysicalAddress(v[0])
	garbage := tab.PhysicalAddress(v[1])
	parked := tab.PhysicalAddress(v[2])
	g, _ := tab.Lookup(parked)
	g.Fetchers = []Fetcher{{Tid: 2}}

	tab.BeginDistributedCycle()
	fresh := tab.PhysicalAddress(v[3])

	removed := tab.SweepPhysical(func(g *Global) bool { return g.Addr == reached })
	if len(removed) != 1 || removed[0].Addr != garbage {
		t.Fatalf("removed = %v, want only %v", removed, garbage)
	}
	for _, a := range []heap.Address{reached, parked, fresh} {
		if _, ok := tab.Lookup(a); !ok {
			t.Errorf("%v should survive the sweep", a)
		}
	}
	tab.EndDistributedCycle()
	if g, _ := tab.Lookup(fresh); g.Fresh() {
		t.Error("fresh flag should be cleared at the end of the cycle")
	}
}

func TestReaddress(t *testing.T) {
	tab := New(1)
	v := cells(1)
	g := tab.AddTarget(heap.Address{Tid: 2, Lid: 1}, v[0])
	to := heap.Address{Tid: 3, Lid: 5}
	tab.Readdress(g, to)
	if got, ok := tab.Lookup(to); !ok || got != g {
		t.Error("entry not found under its new address")
	}
	if _, ok := tab.Lookup(heap.Address{Tid: 2, Lid: 1}); ok {
		t.Error("old address still resolves")
	}
	if err := tab.Check(); err != nil {
		t.Fatal(err)
	}
}
