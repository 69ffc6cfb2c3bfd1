package heap

// CellSize is the number of bytes charged for an ordinary cell.
const CellSize = 32

// PointerSize is the element size of a pointer array.
const PointerSize = 8

// Config holds the allocator and collector tunables.
type Config struct {
	// BlockSize is the capacity of an ordinary block in bytes.
	BlockSize int
	// Alignment every allocation size is rounded up to.
	Alignment int
	// MaxMarkDepth bounds recursive marking; deeper objects go on the
	// explicit side stack.
	MaxMarkDepth int
	// SurvivalThreshold is the survival rate at or above which a major
	// cycle may be skipped.
	SurvivalThreshold float64
	// MaxMajorSkips caps consecutive skipped major cycles.
	MaxMajorSkips int
	// CheckIntegrity runs Check after every cycle and aborts on failure.
	CheckIntegrity bool
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		BlockSize:         64 << 10,
		Alignment:         8,
		MaxMarkDepth:      64,
		SurvivalThreshold: 0.9,
		MaxMajorSkips:     4,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Alignment <= 0 {
		c.Alignment = d.Alignment
	}
	if c.BlockSize < CellSize {
		c.BlockSize = d.BlockSize
	}
	if c.MaxMarkDepth <= 0 {
		c.MaxMarkDepth = d.MaxMarkDepth
	}
	if c.SurvivalThreshold <= 0 {
		c.SurvivalThreshold = d.SurvivalThreshold
	}
	if c.MaxMajorSkips < 0 {
		c.MaxMajorSkips = 0
	}
}

// Stats summarizes allocator and collector activity.
type Stats struct {
	MinorCycles   int
	MajorCycles   int
	SkippedMajors int
	PromotedBytes int64
	YoungBytes    int
	YoungBlocks   int
	YoungObjects  int
	OldBytes      int
	OldBlocks     int
	OldObjects    int
	LastSurvival  float64
}

// Heap is one task's private heap: a young and an old generation of
// blocks, the remembered set, and collection bookkeeping. A Heap is owned
// by a single task and is not safe for concurrent use.
type Heap struct {
	cfg    Config
	blocks map[BlockID]*Block
	nextID BlockID

	young    generation
	old      generation
	altSpace bool

	remembered []Pntr

	needMinor    bool
	oldGrew      bool
	majorSkips   int
	lastSurvival float64

	distActive bool
	newObjs    []Pntr

	cycle *Cycle
	stats Stats
}

// New creates a heap with one empty block in each generation.
func New(cfg Config) *Heap {
	cfg.normalize()
	h := &Heap{
		cfg:    cfg,
		blocks: make(map[BlockID]*Block),
		nextID: 1,
		young:  generation{gen: Young},
		old:    generation{gen: Old},
	}
	h.prepend(&h.young, 0)
	h.prepend(&h.old, 0)
	return h
}

// Config returns the heap's tunables.
func (h *Heap) Config() Config {
	return h.cfg
}

func (h *Heap) align(size int) int {
	a := h.cfg.Alignment
	return (size + a - 1) / a * a
}

func (h *Heap) prepend(g *generation, size int) *Block {
	capacity := h.cfg.BlockSize
	if size > capacity {
		capacity = size
	}
	b := &Block{id: h.nextID, gen: g.gen, capacity: capacity, next: g.head}
	h.nextID++
	h.blocks[b.id] = b
	g.head = b
	g.blocks++
	return b
}

// allocIn bump-allocates size bytes in g, prepending a block when the
// cursor block cannot satisfy the request.
func (h *Heap) allocIn(g *generation, size int) (Ref, *Object, bool) {
	grew := false
	b := g.head
	if b == nil || !b.fits(size) {
		b = h.prepend(g, size)
		grew = true
	}
	o := &Object{size: size}
	if g.gen == Old {
		o.Flags |= FlagMature
	}
	b.objs = append(b.objs, o)
	b.used += size
	g.bytes += size
	g.objects++
	return makeRef(b.id, len(b.objs)-1), o, grew
}

// Allocate bump-allocates an object of the given type and byte size in the
// young generation. Sizes are rounded up to the alignment. When the cursor
// block is full a fresh block is prepended and a minor collection is
// requested for the next safe point; allocation itself never fails.
func (h *Heap) Allocate(t CellType, size int) Pntr {
	p, _ := h.alloc(t, size)
	return p
}

func (h *Heap) alloc(t CellType, size int) (Pntr, *Object) {
	if size < CellSize {
		size = CellSize
	}
	ref, o, grew := h.allocIn(&h.young, h.align(size))
	if grew {
		h.needMinor = true
	}
	o.Type = t
	p := FromRef(ref)
	if h.distActive {
		o.Flags |= FlagNew
		h.newObjs = append(h.newObjs, p)
	}
	return p, o
}

// Reallocate grows the object p to newSize bytes in place, charging the
// difference to its generation's cursor block. Flags are untouched.
// Shrinking is a contract violation.
func (h *Heap) Reallocate(p Pntr, newSize int) {
	o := h.Get(p)
	newSize = h.align(newSize)
	if newSize < o.size {
		Fatalf("reallocate %v: cannot shrink from %d to %d bytes", p, o.size, newSize)
	}
	delta := newSize - o.size
	if delta == 0 {
		return
	}
	g := &h.young
	if o.Flags&FlagMature != 0 {
		g = &h.old
	}
	b := g.head
	if b == nil || b.capacity-b.used < delta {
		b = h.prepend(g, delta)
		if g.gen == Young {
			h.needMinor = true
		} else {
			h.oldGrew = true
		}
	}
	b.used += delta
	g.bytes += delta
	o.size = newSize
}

// Get returns the object p references. A dangling or non-reference value
// is fatal.
func (h *Heap) Get(p Pntr) *Object {
	if !p.IsRef() {
		Fatalf("get: %v is not a reference", p)
	}
	return h.object(p.Ref())
}

func (h *Heap) object(r Ref) *Object {
	b := h.blocks[r.Block()]
	if b == nil || r.Slot() >= len(b.objs) {
		Fatalf("dangling reference %v", r)
	}
	return b.objs[r.Slot()]
}

func (h *Heap) lookup(r Ref) (*Object, bool) {
	b := h.blocks[r.Block()]
	if b == nil || r.Slot() >= len(b.objs) {
		return nil, false
	}
	return b.objs[r.Slot()], true
}

// TypeOf returns the cell type p references, or CellEmpty for non-references.
func (h *Heap) TypeOf(p Pntr) CellType {
	if !p.IsRef() {
		return CellEmpty
	}
	return h.Get(p).Type
}

// GenerationOf reports which generation holds p.
func (h *Heap) GenerationOf(p Pntr) Generation {
	if h.Get(p).Flags&FlagMature != 0 {
		return Old
	}
	return Young
}

// IsMature reports whether p references an old-generation object.
func (h *Heap) IsMature(p Pntr) bool {
	return p.IsRef() && h.Get(p).Flags&FlagMature != 0
}

// Stats returns a snapshot of allocator and collector counters.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.YoungBytes, s.YoungBlocks, s.YoungObjects = h.young.bytes, h.young.blocks, h.young.objects
	s.OldBytes, s.OldBlocks, s.OldObjects = h.old.bytes, h.old.blocks, h.old.objects
	s.LastSurvival = h.lastSurvival
	return s
}

// Remembered returns the number of entries in the remembered set.
func (h *Heap) Remembered() int {
	return len(h.remembered)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewCons allocates a pair.
func (h *Heap) NewCons(head, tail Pntr) Pntr {
	p, o := h.alloc(CellCons, CellSize)
	o.Field = [2]Pntr{head, tail}
	return p
}

// NewApplication allocates an application of fn to arg.
func (h *Heap) NewApplication(fn, arg Pntr) Pntr {
	p, o := h.alloc(CellApplication, CellSize)
	o.Field = [2]Pntr{fn, arg}
	return p
}

// NewIndirection allocates an indirection to target.
func (h *Heap) NewIndirection(target Pntr) Pntr {
	p, o := h.alloc(CellIndirection, CellSize)
	o.Field = [2]Pntr{target, Null}
	return p
}

// NewNumber allocates a boxed number.
func (h *Heap) NewNumber(f float64) Pntr {
	p, o := h.alloc(CellNumber, CellSize)
	o.Field = [2]Pntr{FromNumber(f), Null}
	return p
}

// NewSymbol allocates a symbol cell.
func (h *Heap) NewSymbol(id int) Pntr {
	p, o := h.alloc(CellSymbol, CellSize)
	o.Field = [2]Pntr{Null, Null}
	o.Index = id
	return p
}

// NewNil allocates a nil cell.
func (h *Heap) NewNil() Pntr {
	p, o := h.alloc(CellNil, CellSize)
	o.Field = [2]Pntr{Null, Null}
	return p
}

// NewCap allocates a capability capturing a copy of args.
func (h *Heap) NewCap(fno, arity int, args []Pntr) Pntr {
	if len(args) > arity {
		Fatalf("cap %d: %d arguments exceed arity %d", fno, len(args), arity)
	}
	p, o := h.alloc(CellCap, CellSize+len(args)*PointerSize)
	o.Field = [2]Pntr{Null, Null}
	o.Cap = &Cap{Fno: fno, Arity: arity, Args: append([]Pntr(nil), args...)}
	return p
}

// CapExtend returns a new capability with args appended to those captured
// by c. The original is left untouched so it can still be shared.
func (h *Heap) CapExtend(c Pntr, args []Pntr) Pntr {
	src := h.Get(c).Cap
	all := make([]Pntr, 0, len(src.Args)+len(args))
	all = append(all, src.Args...)
	all = append(all, args...)
	return h.NewCap(src.Fno, src.Arity, all)
}

// CapApply applies the cap c to args. While the cap stays unsaturated the
// result is a new cap and saturated is false. Otherwise the result is the
// saturated cap, wrapped in one application cell per surplus argument, and
// the caller is expected to evaluate it.
func (h *Heap) CapApply(c Pntr, args []Pntr) (result Pntr, saturated bool) {
	src := h.Get(c).Cap
	if src == nil {
		Fatalf("apply %s cell %v", h.Get(c).Type, c)
	}
	n := src.Missing()
	if len(args) < n {
		return h.CapExtend(c, args), false
	}
	result = h.CapExtend(c, args[:n])
	for _, a := range args[n:] {
		result = h.NewApplication(result, a)
	}
	return result, true
}

// NewFrameCell allocates a cell referencing a frame payload.
func (h *Heap) NewFrameCell(frame Payload) Pntr {
	p, o := h.alloc(CellFrame, CellSize)
	o.Field = [2]Pntr{Null, Null}
	o.Ext = frame
	return p
}

// NewSysObjectCell allocates a cell wrapping a system object payload.
func (h *Heap) NewSysObjectCell(so Payload) Pntr {
	p, o := h.alloc(CellSysObject, CellSize)
	o.Field = [2]Pntr{Null, Null}
	o.Ext = so
	return p
}

// NewRemoteRef allocates a proxy for the object at addr.
func (h *Heap) NewRemoteRef(addr Address) Pntr {
	p, o := h.alloc(CellRemoteRef, CellSize)
	o.Field = [2]Pntr{Null, Null}
	o.Addr = addr
	return p
}
