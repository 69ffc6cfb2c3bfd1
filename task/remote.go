package task

import (
	"github.com/chazu/grex/gat"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
	"github.com/chazu/grex/wire"
)

// ---------------------------------------------------------------------------
// Demand
// ---------------------------------------------------------------------------

// Demand returns the value p stands for. When that value is not available
// yet (an unfinished frame, an object owned by another task, a frame in
// flight to another task) the running frame f is blocked, whatever will
// produce the value is started, and Demand returns false. The step should
// then return without advancing; it is replayed after f resumes.
func (t *Task) Demand(f *sched.Frame, p heap.Pntr) (heap.Pntr, bool) {
	for {
		p = t.heap.Resolve(p)
		if !p.IsRef() {
			return p, true
		}
		o := t.heap.Get(p)
		switch o.Type {
		case heap.CellFrame:
			fr := o.Ext.(*sched.Frame)
			if fr == f {
				heap.Fatalf("task %d: %v demands its own value", t.tid, f)
			}
			if fr.State == sched.New || fr.State == sched.Sparked {
				t.sched.Run(fr)
			}
			t.sched.Block(f, &fr.Waiters, "frame")
			return heap.Null, false

		case heap.CellRemoteRef:
			if !o.Addr.IsValid() {
				g, ok := t.gat.Physical(p)
				if !ok || !g.Migrating {
					heap.Fatalf("task %d: unbound proxy %v has no migration entry", t.tid, p)
				}
				t.sched.Block(f, &g.Waiters, "migration")
				return heap.Null, false
			}
			if o.Addr.Tid == t.tid {
				g := t.lookup(o.Addr)
				t.heap.MakeIndirection(p, g.Value)
				continue
			}
			g, ok := t.gat.Target(p)
			if !ok {
				g = t.gat.AddTarget(o.Addr, p)
				if g.Value != p {
					t.heap.MakeIndirection(p, g.Value)
					continue
				}
			} else if g.Addr != o.Addr {
				heap.Fatalf("task %d: proxy %v names %v but its entry is %v", t.tid, p, o.Addr, g)
			}
			if g.Opaque {
				return p, true
			}
			t.sched.Block(f, &g.Waiters, "fetch")
			if !g.Fetching {
				g.Fetching = true
				t.fetch(g)
			}
			return heap.Null, false
		}
		return p, true
	}
}

// proxyAddr reports the address the proxy cell v names.
func (t *Task) proxyAddr(v heap.Pntr) (heap.Address, bool) {
	if !v.IsRef() {
		return heap.Address{}, false
	}
	o := t.heap.Get(v)
	if o.Type != heap.CellRemoteRef {
		return heap.Address{}, false
	}
	return o.Addr, true
}

func (t *Task) lookup(addr heap.Address) *gat.Global {
	g, ok := t.gat.Lookup(addr)
	if !ok {
		heap.Fatalf("task %d: %v: %v", t.tid, ErrUnknownAddress, addr)
	}
	return g
}

// fetch asks the owner of the target g for its object. The reply is
// addressed to the proxy's own physical address.
func (t *Task) fetch(g *gat.Global) {
	dest := t.gat.PhysicalAddress(g.Value)
	t.stats.Fetches++
	t.send(g.Addr.Tid, wire.TagFetch, wire.Fetch{
		Target: wire.FromHeap(g.Addr),
		Dest:   wire.FromHeap(dest),
	}, []heap.Address{g.Addr, dest})
}

// ---------------------------------------------------------------------------
// Owner side: FETCH
// ---------------------------------------------------------------------------

func (t *Task) handleFetch(m *wire.Message) {
	var p wire.Fetch
	t.decode(m, &p)
	g := t.lookup(p.Target.Heap())
	if g.Kind != gat.Physical {
		heap.Fatalf("task %d: fetch of %v", t.tid, g)
	}
	t.serve(g, gat.Fetcher{Tid: m.From, Dest: p.Dest.Heap()})
	t.ack(m)
}

// serve answers fe with the object g names, or parks the request on g
// until there is an object to send.
func (t *Task) serve(g *gat.Global, fe gat.Fetcher) {
	v := t.heap.Resolve(g.Value)
	if v.IsRef() {
		o := t.heap.Get(v)
		switch {
		case o.Type == heap.CellFrame:
			fr := o.Ext.(*sched.Frame)
			if fr.State == sched.New || fr.State == sched.Sparked {
				t.sched.Run(fr)
			}
			g.Fetchers = append(g.Fetchers, fe)
			return
		case o.Type == heap.CellRemoteRef && !o.Addr.IsValid():
			g.Fetchers = append(g.Fetchers, fe)
			return
		}
	}
	t.respond(fe, v)
}

// serveParked retries every fetcher parked on g.
func (t *Task) serveParked(g *gat.Global) {
	parked := g.Fetchers
	g.Fetchers = nil
	for _, fe := range parked {
		t.serve(g, fe)
	}
}

func (t *Task) respond(fe gat.Fetcher, v heap.Pntr) {
	obj := t.encodeObject(v)
	t.stats.Responds++
	t.send(fe.Tid, wire.TagRespond, wire.Respond{
		Dest:   wire.FromHeap(fe.Dest),
		Object: obj,
	}, append(obj.Addresses(), fe.Dest))
}

// ---------------------------------------------------------------------------
// Requester side: RESPOND
// ---------------------------------------------------------------------------

func (t *Task) handleRespond(m *wire.Message) {
	var p wire.Respond
	t.decode(m, &p)
	proxy := t.lookup(p.Dest.Heap()).Value
	g, ok := t.gat.Target(proxy)
	if !ok {
		heap.Fatalf("task %d: respond to %v without a target", t.tid, p.Dest.Heap())
	}
	g.Fetching = false

	switch {
	case p.Object.Redirect != nil:
		t.redirect(g, p.Object.Redirect.Heap())
	case p.Object.Type == heap.CellSysObject:
		g.Opaque = true
	default:
		v := t.decodeObject(&p.Object)
		t.heap.MakeIndirection(proxy, v)
		g.Delivered = true
	}
	t.sched.WakeAll(&g.Waiters, nil)
	t.ack(m)
}

// redirect points the target g at addr, where its object now lives.
// Waiters resume and demand again from there. When addr is this task's
// own or already has an entry, the proxy becomes an indirection to that
// value and g is retired.
func (t *Task) redirect(g *gat.Global, addr heap.Address) {
	proxy := g.Value
	var to heap.Pntr
	switch other, ok := t.gat.Lookup(addr); {
	case addr.Tid == t.tid:
		to = t.lookup(addr).Value
	case ok && other != g:
		to = other.Value
	default:
		t.gat.Readdress(g, addr)
		t.heap.SetAddr(proxy, addr)
		return
	}
	waiters, _ := t.gat.Remove(g)
	t.heap.MakeIndirection(proxy, to)
	for _, f := range waiters {
		t.sched.Unblock(f, nil)
	}
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// exportValue names v for another task.
func (t *Task) exportValue(v heap.Pntr) wire.Value {
	v = t.heap.Resolve(v)
	switch {
	case v.IsNumber():
		return wire.Number(v.Number())
	case v.IsNull():
		return wire.NullValue
	}
	o := t.heap.Get(v)
	switch {
	case o.Type == heap.CellNil:
		return wire.NilValue
	case o.Type == heap.CellRemoteRef && o.Addr.IsValid():
		return wire.Ref(o.Addr)
	}
	return wire.Ref(t.gat.PhysicalAddress(v))
}

func (t *Task) exportValues(vs []heap.Pntr) []wire.Value {
	if len(vs) == 0 {
		return nil
	}
	out := make([]wire.Value, len(vs))
	for i, v := range vs {
		out[i] = t.exportValue(v)
	}
	return out
}

// importValue maps a value received from another task to a local one.
// Addresses this task owns resolve to their object; foreign addresses
// resolve to the existing proxy or a new one.
func (t *Task) importValue(w wire.Value) heap.Pntr {
	switch w.Kind {
	case wire.ValNumber:
		return heap.FromNumber(w.Num)
	case wire.ValNull:
		return heap.Null
	case wire.ValNil:
		return t.nilv
	}
	addr := w.Addr.Heap()
	if g, ok := t.gat.Lookup(addr); ok {
		return g.Value
	}
	if addr.Tid == t.tid {
		heap.Fatalf("task %d: %v: %v", t.tid, ErrUnknownAddress, addr)
	}
	p := t.heap.NewRemoteRef(addr)
	t.gat.AddTarget(addr, p)
	t.stats.Imported++
	return p
}

func (t *Task) importValues(ws []wire.Value) []heap.Pntr {
	out := make([]heap.Pntr, len(ws))
	for i, w := range ws {
		out[i] = t.importValue(w)
	}
	return out
}

// encodeObject serializes the object v for RESPOND. Children travel as
// addresses. System objects never leave their owner.
func (t *Task) encodeObject(v heap.Pntr) wire.Object {
	if !v.IsRef() {
		return wire.Object{Type: heap.CellEmpty, Fields: []wire.Value{t.exportValue(v)}}
	}
	o := t.heap.Get(v)
	obj := wire.Object{Type: o.Type}
	switch o.Type {
	case heap.CellCons, heap.CellApplication:
		obj.Fields = t.exportValues(o.Field[:])
	case heap.CellNumber:
		obj.Fields = []wire.Value{wire.Number(o.Field[0].Number())}
	case heap.CellSymbol:
		obj.Index = o.Index
	case heap.CellNil, heap.CellSysObject:
	case heap.CellCap:
		obj.Fno, obj.Arity = o.Cap.Fno, o.Cap.Arity
		obj.Args = t.exportValues(o.Cap.Args)
	case heap.CellAref:
		n := t.heap.ArrayLen(v)
		obj.Index = t.heap.Get(o.Field[0]).Array.ElemSize
		if obj.Index == 1 {
			obj.Bytes = []byte(t.heap.ArrayString(v))
		} else {
			obj.Elems = make([]wire.Value, n)
			for i := 0; i < n; i++ {
				obj.Elems[i] = t.exportValue(t.heap.ArrayGet(v, i))
			}
		}
		tail := t.exportValue(t.heap.ArrayTail(v))
		obj.Tail = &tail
	case heap.CellRemoteRef:
		addr := wire.FromHeap(o.Addr)
		obj.Redirect = &addr
	default:
		heap.Fatalf("task %d: cannot ship %s cell %v", t.tid, o.Type, v)
	}
	return obj
}

// decodeObject rebuilds a shipped object in the local heap.
func (t *Task) decodeObject(obj *wire.Object) heap.Pntr {
	field := func(i int) heap.Pntr {
		if i >= len(obj.Fields) {
			heap.Fatalf("task %d: %s object with %d fields", t.tid, obj.Type, len(obj.Fields))
		}
		return t.importValue(obj.Fields[i])
	}
	switch obj.Type {
	case heap.CellEmpty:
		return field(0)
	case heap.CellCons:
		head, tail := field(0), field(1)
		return t.heap.NewCons(head, tail)
	case heap.CellApplication:
		fn, arg := field(0), field(1)
		return t.heap.NewApplication(fn, arg)
	case heap.CellNumber:
		return t.heap.NewNumber(field(0).Number())
	case heap.CellSymbol:
		if obj.Index == trueSymbol {
			return t.truev
		}
		return t.heap.NewSymbol(obj.Index)
	case heap.CellNil:
		return t.nilv
	case heap.CellCap:
		return t.heap.NewCap(obj.Fno, obj.Arity, t.importValues(obj.Args))
	case heap.CellAref:
		var ref heap.Pntr
		if obj.Index == 1 {
			ref = t.heap.NewString(string(obj.Bytes))
		} else {
			elems := t.importValues(obj.Elems)
			ref = t.heap.NewArray(heap.PointerSize, len(elems))
			for _, e := range elems {
				ref = t.heap.ArrayAppend(ref, e)
			}
		}
		if obj.Tail != nil {
			t.heap.ArraySetTail(ref, t.importValue(*obj.Tail))
		}
		return ref
	}
	heap.Fatalf("task %d: cannot rebuild %s object", t.tid, obj.Type)
	return heap.Null
}
