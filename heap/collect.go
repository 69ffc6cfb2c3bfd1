package heap

// ---------------------------------------------------------------------------
// Cycle: one generational mark-copy collection
// ---------------------------------------------------------------------------

// CycleKind selects between promotion and compaction.
type CycleKind uint8

const (
	// Minor promotes live young objects into the old generation.
	Minor CycleKind = iota
	// Major copies every live object into a fresh old space.
	Major
)

func (k CycleKind) String() string {
	if k == Minor {
		return "minor"
	}
	return "major"
}

// Cycle is an in-progress collection. The owner drives it:
//
//	c := h.BeginCycle(kind)
//	// Mark every root, by address, so moved roots are rewritten
//	c.MarkHeapRoots()
//	c.Drain()
//	// consult Forwarded/Survivor for weak tables, then
//	c.Finish()
//
// Marking an object copies it into to-space immediately and rewrites the
// reference it was reached through. The from-space copy keeps a forwarding
// pointer so every later visit through another reference is rewritten too.
type Cycle struct {
	h    *Heap
	kind CycleKind
	from map[BlockID]struct{}
	to   *generation

	stack []Pntr
	// arrays holds the backing arrays whose aref count was reset this
	// cycle.
	arrays map[*Array]struct{}

	fromBytes   int
	copied      int
	copiedBytes int
}

// BeginCycle starts a collection of the given kind. Only one cycle may be
// in progress at a time.
func (h *Heap) BeginCycle(kind CycleKind) *Cycle {
	if h.cycle != nil {
		Fatalf("%s collection started during a %s collection", kind, h.cycle.kind)
	}
	c := &Cycle{
		h:      h,
		kind:   kind,
		from:   make(map[BlockID]struct{}),
		arrays: make(map[*Array]struct{}),
	}
	h.young.each(func(b *Block) { c.from[b.id] = struct{}{} })
	c.fromBytes = h.young.bytes
	if kind == Major {
		h.old.each(func(b *Block) { c.from[b.id] = struct{}{} })
		c.fromBytes += h.old.bytes
		h.altSpace = !h.altSpace
		c.to = &generation{gen: Old}
	} else {
		c.to = &h.old
	}
	h.cycle = c
	return c
}

// Kind returns the cycle's kind.
func (c *Cycle) Kind() CycleKind {
	return c.kind
}

func (c *Cycle) inFrom(r Ref) bool {
	_, ok := c.from[r.Block()]
	return ok
}

// Mark makes the object *p references live, copying it to to-space if it
// has not been copied yet, and rewrites *p to its new location.
func (c *Cycle) Mark(p *Pntr) {
	c.mark(p, 0)
}

func (c *Cycle) mark(p *Pntr, depth int) {
	v := *p
	if !v.IsRef() || !c.inFrom(v.Ref()) {
		return
	}
	o := c.h.object(v.Ref())
	if o.Flags&FlagForwarded != 0 {
		*p = o.forward
		if o.Type == CellIndirection {
			// A chain still being collapsed forwards to its raw target.
			c.mark(p, depth)
		}
		return
	}
	if o.Type == CellIndirection {
		*p = c.collapse(o, depth)
		return
	}

	n, no, grew := c.h.allocIn(c.to, o.size)
	if grew && c.kind == Minor {
		c.h.oldGrew = true
	}
	*no = *o
	no.forward = 0
	no.Flags = (o.Flags &^ (FlagForwarded | FlagInRemSet | FlagAltSpace)) | FlagMature
	if c.h.altSpace {
		no.Flags |= FlagAltSpace
	}
	o.Flags |= FlagForwarded
	o.forward = FromRef(n)
	*p = o.forward
	c.copied++
	c.copiedBytes += o.size
	if no.Type == CellAref {
		c.countAref(no.Field[0])
	}

	if depth < c.h.cfg.MaxMarkDepth {
		no.Children(func(q *Pntr) { c.mark(q, depth+1) })
	} else {
		c.stack = append(c.stack, *p)
	}
}

// countAref recounts the arefs sharing a backing array that is being
// collected. Every aref of such an array is younger than it and so also
// in from-space; the first live one reached resets the count and dead
// ones are never counted. Arrays outside from-space keep their count.
func (c *Cycle) countAref(arr Pntr) {
	if !arr.IsRef() || !c.inFrom(arr.Ref()) {
		return
	}
	a := c.h.object(arr.Ref()).Array
	if a == nil {
		return
	}
	if _, ok := c.arrays[a]; !ok {
		c.arrays[a] = struct{}{}
		a.refs = 0
	}
	a.refs++
}

// collapse short-circuits a chain of from-space indirections starting at o.
// The indirections themselves are not copied; each forwards to wherever the
// value at the end of the chain lands.
func (c *Cycle) collapse(o *Object, depth int) Pntr {
	chain := []*Object{o}
	o.Flags |= FlagForwarded
	o.forward = o.Field[0]
	target := o.Field[0]
	for target.IsRef() && c.inFrom(target.Ref()) {
		t := c.h.object(target.Ref())
		if t.Type != CellIndirection || t.Flags&FlagForwarded != 0 {
			break
		}
		t.Flags |= FlagForwarded
		t.forward = t.Field[0]
		chain = append(chain, t)
		target = t.Field[0]
	}
	c.mark(&target, depth+1)
	for _, ind := range chain {
		ind.forward = target
	}
	return target
}

// MarkHeapRoots marks the roots the heap itself knows about: the
// remembered set during a minor cycle and, while a distributed cycle is in
// progress, every object created since it began.
func (c *Cycle) MarkHeapRoots() {
	h := c.h
	if c.kind == Minor {
		for _, p := range h.remembered {
			o := h.Get(p)
			o.Flags &^= FlagInRemSet
			o.Children(c.Mark)
		}
	}
	h.remembered = h.remembered[:0]
	if h.distActive {
		for i := range h.newObjs {
			c.Mark(&h.newObjs[i])
		}
	}
}

// Drain scans every object left on the side stack by depth-capped marking.
func (c *Cycle) Drain() {
	for len(c.stack) > 0 {
		p := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		c.h.Get(p).Children(c.Mark)
	}
}

// Forwarded reports where p lives after this cycle. Values outside
// from-space are unaffected and reported live; from-space objects that were
// never marked are reported dead.
func (c *Cycle) Forwarded(p Pntr) (Pntr, bool) {
	if !p.IsRef() || !c.inFrom(p.Ref()) {
		return p, true
	}
	o := c.h.object(p.Ref())
	if o.Flags&FlagForwarded != 0 {
		return o.forward, true
	}
	return p, false
}

// Survivor is Forwarded extended through unmarked indirections: an
// indirection that was never reached still names a live object if its
// target was reached some other way.
func (c *Cycle) Survivor(p Pntr) (Pntr, bool) {
	for i := 0; i < 1<<16; i++ {
		q, live := c.Forwarded(p)
		if live {
			return q, true
		}
		o := c.h.object(p.Ref())
		if o.Type != CellIndirection {
			return p, false
		}
		p = o.Field[0]
	}
	Fatalf("indirection cycle through %v", p)
	return p, false
}

// Finish frees from-space and installs the new generation layout.
func (c *Cycle) Finish() {
	c.Drain()
	h := c.h
	for id := range c.from {
		delete(h.blocks, id)
	}
	h.young = generation{gen: Young}
	h.prepend(&h.young, 0)
	h.needMinor = false

	switch c.kind {
	case Major:
		if c.to.head == nil {
			h.prepend(c.to, 0)
		}
		h.old = *c.to
		if c.fromBytes > 0 {
			h.lastSurvival = float64(c.copiedBytes) / float64(c.fromBytes)
		} else {
			h.lastSurvival = 1
		}
		h.majorSkips = 0
		h.oldGrew = false
		h.stats.MajorCycles++
	default:
		h.stats.MinorCycles++
	}
	h.stats.PromotedBytes += int64(c.copiedBytes)
	h.cycle = nil

	log.Debugf("%s collection: copied %d objects (%d of %d bytes), old generation %d bytes in %d blocks",
		c.kind, c.copied, c.copiedBytes, c.fromBytes, h.old.bytes, h.old.blocks)

	if h.cfg.CheckIntegrity {
		if err := h.Check(); err != nil {
			Fatalf("heap integrity after %s collection: %v", c.kind, err)
		}
	}
}

// Copied returns the number of objects copied so far.
func (c *Cycle) Copied() int {
	return c.copied
}

// ---------------------------------------------------------------------------
// Collection policy
// ---------------------------------------------------------------------------

// NeedsMinor reports whether the young generation has filled a block since
// the last collection.
func (h *Heap) NeedsMinor() bool {
	return h.needMinor
}

// RequestMinor forces a minor collection at the next safe point.
func (h *Heap) RequestMinor() {
	h.needMinor = true
}

// ShouldCompact consumes the "old generation grew" signal raised by
// promotion and decides whether a major cycle runs now. While the last
// major cycle's survival rate is at or above the threshold, up to
// MaxMajorSkips consecutive majors are deferred.
func (h *Heap) ShouldCompact() bool {
	if !h.oldGrew {
		return false
	}
	h.oldGrew = false
	if h.lastSurvival >= h.cfg.SurvivalThreshold && h.majorSkips < h.cfg.MaxMajorSkips {
		h.majorSkips++
		h.stats.SkippedMajors++
		return false
	}
	return true
}
