package heap

// ---------------------------------------------------------------------------
// Mutation and the write barrier
// ---------------------------------------------------------------------------

// Every store of a reference into an existing object goes through one of
// the methods below so that a mature object that comes to point into the
// young generation is recorded in the remembered set.

func (h *Heap) barrier(p Pntr, o *Object, v Pntr) {
	if o.Flags&FlagMature == 0 || o.Flags&FlagInRemSet != 0 || !v.IsRef() {
		return
	}
	if h.object(v.Ref()).Flags&FlagMature != 0 {
		return
	}
	o.Flags |= FlagInRemSet
	h.remembered = append(h.remembered, p)
}

// SetField stores v into field i of p.
func (h *Heap) SetField(p Pntr, i int, v Pntr) {
	o := h.Get(p)
	o.Field[i] = v
	h.barrier(p, o, v)
}

// MakeIndirection overwrites p in place with an indirection to target.
// Every existing reference to p now resolves to target.
func (h *Heap) MakeIndirection(p, target Pntr) {
	if p == target {
		Fatalf("indirection %v to itself", p)
	}
	o := h.Get(p)
	o.Type = CellIndirection
	o.Field = [2]Pntr{target, Null}
	o.Index = 0
	o.Addr = Address{}
	o.Array, o.Cap, o.Ext = nil, nil, nil
	h.barrier(p, o, target)
}

// MakeRemoteRef overwrites p in place with a proxy for addr. An invalid
// addr leaves the proxy unbound until SetAddr is called.
func (h *Heap) MakeRemoteRef(p Pntr, addr Address) {
	o := h.Get(p)
	o.Type = CellRemoteRef
	o.Field = [2]Pntr{Null, Null}
	o.Index = 0
	o.Addr = addr
	o.Array, o.Cap, o.Ext = nil, nil, nil
}

// SetAddr rebinds the proxy p to addr.
func (h *Heap) SetAddr(p Pntr, addr Address) {
	o := h.Get(p)
	if o.Type != CellRemoteRef {
		Fatalf("set address on %s cell %v", o.Type, p)
	}
	o.Addr = addr
}

// SetCapArg stores v as captured argument i of the cap p.
func (h *Heap) SetCapArg(p Pntr, i int, v Pntr) {
	o := h.Get(p)
	o.Cap.Args[i] = v
	h.barrier(p, o, v)
}

// Resolve follows indirections from p and returns the value at the end of
// the chain. Every indirection passed on the way is rewritten to point
// straight at that value, so later resolves are one step.
func (h *Heap) Resolve(p Pntr) Pntr {
	var chain []Pntr
	for p.IsRef() {
		o := h.Get(p)
		if o.Type != CellIndirection {
			break
		}
		chain = append(chain, p)
		p = o.Field[0]
	}
	if len(chain) > 1 {
		for _, c := range chain[:len(chain)-1] {
			h.SetField(c, 0, p)
		}
	}
	return p
}
