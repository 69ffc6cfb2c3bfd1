package heap

// BeginDistributedCycle clears every distributed mark and starts flagging
// newly allocated objects as "new this cycle". Local collections treat
// flagged objects as roots until EndDistributedCycle.
func (h *Heap) BeginDistributedCycle() {
	h.ClearDistMarks()
	h.distActive = true
}

// EndDistributedCycle clears the distributed marks and the "new this
// cycle" flags.
func (h *Heap) EndDistributedCycle() {
	for _, p := range h.newObjs {
		if o, ok := h.lookup(p.Ref()); ok {
			o.Flags &^= FlagNew
		}
	}
	h.newObjs = nil
	h.distActive = false
	h.ClearDistMarks()
}

// DistributedActive reports whether a distributed cycle is in progress.
func (h *Heap) DistributedActive() bool {
	return h.distActive
}

// DistMark sets the distributed mark bit on p and reports whether it was
// newly set. Non-references are never marked.
func (h *Heap) DistMark(p Pntr) bool {
	if !p.IsRef() {
		return false
	}
	o := h.Get(p)
	if o.Flags&FlagDistMarked != 0 {
		return false
	}
	o.Flags |= FlagDistMarked
	return true
}

// DistLive reports whether p must survive the distributed sweep: it carries
// the distributed mark or was created during the cycle.
func (h *Heap) DistLive(p Pntr) bool {
	if !p.IsRef() {
		return true
	}
	o := h.Get(p)
	return o.Flags&(FlagDistMarked|FlagNew) != 0
}

// ClearDistMarks removes the distributed mark bit from every object.
func (h *Heap) ClearDistMarks() {
	for _, b := range h.blocks {
		for _, o := range b.objs {
			o.Flags &^= FlagDistMarked
		}
	}
}
