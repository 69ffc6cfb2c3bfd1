package heap

// Array is the backing store of one or more aref cells. Byte arrays
// (ElemSize 1) keep their data in Bytes, pointer arrays in Elems. Tail is
// the value that follows the last element, so an aref behaves like a list
// whose first len-index cells are packed.
type Array struct {
	ElemSize int
	Bytes    []byte
	Elems    []Pntr
	Tail     Pntr
	refs     int
}

// Len returns the number of elements in use.
func (a *Array) Len() int {
	if a.ElemSize == 1 {
		return len(a.Bytes)
	}
	return len(a.Elems)
}

// Alloc returns the allocated element capacity.
func (a *Array) Alloc() int {
	if a.ElemSize == 1 {
		return cap(a.Bytes)
	}
	return cap(a.Elems)
}

// Shared reports whether more than one aref references the array. Shared
// arrays are never expanded in place.
func (a *Array) Shared() bool {
	return a.refs > 1
}

func arrayBytes(elemSize, capacity int) int {
	return CellSize + elemSize*capacity
}

// NewArray allocates an empty backing array with room for capacity
// elements of elemSize bytes (1 or PointerSize) and returns an aref to it.
func (h *Heap) NewArray(elemSize, capacity int) Pntr {
	if elemSize != 1 && elemSize != PointerSize {
		Fatalf("array element size %d", elemSize)
	}
	if capacity < 1 {
		capacity = 1
	}
	arr, o := h.alloc(CellArray, arrayBytes(elemSize, capacity))
	o.Field = [2]Pntr{Null, Null}
	a := &Array{ElemSize: elemSize, Tail: Null}
	if elemSize == 1 {
		a.Bytes = make([]byte, 0, capacity)
	} else {
		a.Elems = make([]Pntr, 0, capacity)
	}
	o.Array = a
	return h.NewAref(arr, 0)
}

// NewString allocates a byte array holding s.
func (h *Heap) NewString(s string) Pntr {
	ref := h.NewArray(1, len(s))
	h.ArrayAppendBytes(ref, []byte(s))
	return ref
}

// NewAref allocates a reference to the backing array arr starting at index.
func (h *Heap) NewAref(arr Pntr, index int) Pntr {
	a := h.Get(arr)
	if a.Type != CellArray {
		Fatalf("aref to %s cell %v", a.Type, arr)
	}
	a.Array.refs++
	p, o := h.alloc(CellAref, CellSize)
	o.Field = [2]Pntr{arr, Null}
	o.Index = index
	return p
}

func (h *Heap) arefArray(ref Pntr) (*Object, Pntr, *Array) {
	o := h.Get(ref)
	if o.Type != CellAref {
		Fatalf("array operation on %s cell %v", o.Type, ref)
	}
	arr := o.Field[0]
	return o, arr, h.Get(arr).Array
}

// ArrayLen returns the number of elements visible through ref.
func (h *Heap) ArrayLen(ref Pntr) int {
	o, _, a := h.arefArray(ref)
	return a.Len() - o.Index
}

// ArrayGet returns element i as seen through ref. Byte elements come back
// as numbers.
func (h *Heap) ArrayGet(ref Pntr, i int) Pntr {
	o, _, a := h.arefArray(ref)
	idx := o.Index + i
	if i < 0 || idx >= a.Len() {
		Fatalf("array index %d out of range [0,%d)", i, a.Len()-o.Index)
	}
	if a.ElemSize == 1 {
		return FromNumber(float64(a.Bytes[idx]))
	}
	return a.Elems[idx]
}

// ArraySetElem stores v as element i of a pointer array seen through ref.
func (h *Heap) ArraySetElem(ref Pntr, i int, v Pntr) {
	o, arr, a := h.arefArray(ref)
	idx := o.Index + i
	if a.ElemSize != PointerSize || i < 0 || idx >= len(a.Elems) {
		Fatalf("array store %d out of range", i)
	}
	a.Elems[idx] = v
	h.barrier(arr, h.Get(arr), v)
}

// ArrayTail returns the value following the array's last element.
func (h *Heap) ArrayTail(ref Pntr) Pntr {
	_, _, a := h.arefArray(ref)
	return a.Tail
}

// ArraySetTail sets the value following the array's last element.
func (h *Heap) ArraySetTail(ref Pntr, tail Pntr) {
	_, arr, a := h.arefArray(ref)
	a.Tail = tail
	h.barrier(arr, h.Get(arr), tail)
}

// ArraySuffix returns the array seen through ref with the first n elements
// dropped. The suffix shares the backing array; when n reaches the end the
// tail is returned instead.
func (h *Heap) ArraySuffix(ref Pntr, n int) Pntr {
	o, arr, a := h.arefArray(ref)
	if o.Index+n >= a.Len() {
		return a.Tail
	}
	return h.NewAref(arr, o.Index+n)
}

// ArrayAppend appends v to the pointer array seen through ref and returns
// the aref to use afterwards. An unshared array grows in place; a shared
// one is copied first so other references never observe the change.
func (h *Heap) ArrayAppend(ref Pntr, v Pntr) Pntr {
	ref = h.ensureRoom(ref, 1)
	_, arr, a := h.arefArray(ref)
	if a.ElemSize != PointerSize {
		Fatalf("pointer append to byte array %v", ref)
	}
	a.Elems = append(a.Elems, v)
	h.barrier(arr, h.Get(arr), v)
	return ref
}

// ArrayAppendBytes appends b to the byte array seen through ref.
func (h *Heap) ArrayAppendBytes(ref Pntr, b []byte) Pntr {
	ref = h.ensureRoom(ref, len(b))
	_, _, a := h.arefArray(ref)
	if a.ElemSize != 1 {
		Fatalf("byte append to pointer array %v", ref)
	}
	a.Bytes = append(a.Bytes, b...)
	return ref
}

// ArrayString returns the contents of a byte array seen through ref.
func (h *Heap) ArrayString(ref Pntr) string {
	o, _, a := h.arefArray(ref)
	if a.ElemSize != 1 {
		Fatalf("string of pointer array %v", ref)
	}
	return string(a.Bytes[o.Index:])
}

func (h *Heap) ensureRoom(ref Pntr, n int) Pntr {
	o, arr, a := h.arefArray(ref)
	if a.Shared() || o.Index != 0 {
		return h.copyArray(ref, n)
	}
	if a.Len()+n <= a.Alloc() {
		return ref
	}
	newCap := a.Alloc() * 2
	if newCap < a.Len()+n {
		newCap = a.Len() + n
	}
	if a.ElemSize == 1 {
		grown := make([]byte, len(a.Bytes), newCap)
		copy(grown, a.Bytes)
		a.Bytes = grown
	} else {
		grown := make([]Pntr, len(a.Elems), newCap)
		copy(grown, a.Elems)
		a.Elems = grown
	}
	h.Reallocate(arr, arrayBytes(a.ElemSize, newCap))
	return ref
}

func (h *Heap) copyArray(ref Pntr, extra int) Pntr {
	o, _, a := h.arefArray(ref)
	visible := a.Len() - o.Index
	fresh := h.NewArray(a.ElemSize, visible+extra)
	_, _, fa := h.arefArray(fresh)
	if a.ElemSize == 1 {
		fa.Bytes = append(fa.Bytes, a.Bytes[o.Index:]...)
	} else {
		fa.Elems = append(fa.Elems, a.Elems[o.Index:]...)
	}
	fa.Tail = a.Tail
	return fresh
}
