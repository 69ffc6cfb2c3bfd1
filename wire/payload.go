package wire

import (
	"fmt"

	"github.com/chazu/grex/heap"
)

// Address is a cluster-wide object name on the wire.
type Address struct {
	Tid int32 `cbor:"1,keyasint"`
	Lid int32 `cbor:"2,keyasint"`
}

// FromHeap converts a heap address.
func FromHeap(a heap.Address) Address {
	return Address{Tid: a.Tid, Lid: a.Lid}
}

// Heap converts a to a heap address.
func (a Address) Heap() heap.Address {
	return heap.Address{Tid: a.Tid, Lid: a.Lid}
}

// ValueKind discriminates a serialized value.
type ValueKind uint8

const (
	ValNumber ValueKind = iota
	ValNull
	ValNil
	ValRef
)

// Value is a serialized Pntr: an immediate, the nil singleton, or the
// cluster address of a heap object.
type Value struct {
	Kind ValueKind `cbor:"1,keyasint"`
	Num  float64   `cbor:"2,keyasint,omitempty"`
	Addr Address   `cbor:"3,keyasint"`
}

// Number returns a number value.
func Number(f float64) Value {
	return Value{Kind: ValNumber, Num: f}
}

// Ref returns a reference value.
func Ref(a heap.Address) Value {
	return Value{Kind: ValRef, Addr: FromHeap(a)}
}

// NullValue and NilValue are the two reserved immediates.
var (
	NullValue = Value{Kind: ValNull}
	NilValue  = Value{Kind: ValNil}
)

func (v Value) String() string {
	switch v.Kind {
	case ValNumber:
		return fmt.Sprintf("%g", v.Num)
	case ValNull:
		return "null"
	case ValNil:
		return "nil"
	default:
		return v.Addr.Heap().String()
	}
}

// Object is a serialized heap cell as shipped by RESPOND. Child references
// are cluster addresses; the receiver creates proxies for them.
type Object struct {
	Type   heap.CellType `cbor:"1,keyasint"`
	Fields []Value       `cbor:"2,keyasint,omitempty"`
	Index  int           `cbor:"3,keyasint,omitempty"`
	Bytes  []byte        `cbor:"4,keyasint,omitempty"`
	Elems  []Value       `cbor:"5,keyasint,omitempty"`
	Tail   *Value        `cbor:"6,keyasint,omitempty"`
	Fno    int           `cbor:"7,keyasint,omitempty"`
	Arity  int           `cbor:"8,keyasint,omitempty"`
	Args   []Value       `cbor:"9,keyasint,omitempty"`
	// Redirect is set when the requested object has moved: the receiver
	// should fetch from this address instead.
	Redirect *Address `cbor:"10,keyasint,omitempty"`
}

// FrameRecord is a serialized frame as shipped by SCHEDULE.
type FrameRecord struct {
	Fno   int     `cbor:"1,keyasint"`
	PC    int     `cbor:"2,keyasint"`
	Stack []Value `cbor:"3,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// Fetch asks the owner of Target for its value, to be delivered to the
// requester's proxy at Dest.
type Fetch struct {
	Target Address `cbor:"1,keyasint"`
	Dest   Address `cbor:"2,keyasint"`
}

// Respond delivers the object a Fetch asked for.
type Respond struct {
	Dest   Address `cbor:"1,keyasint"`
	Object Object  `cbor:"2,keyasint"`
}

// Schedule migrates a frame. Placeholder is the sender's address for the
// frame's cell, rebound by the UpdateRef reply.
type Schedule struct {
	Placeholder Address     `cbor:"1,keyasint"`
	Frame       FrameRecord `cbor:"2,keyasint"`
}

// UpdateRef tells the sender of a Schedule where the frame now lives.
type UpdateRef struct {
	Placeholder Address `cbor:"1,keyasint"`
	Addr        Address `cbor:"2,keyasint"`
}

// Ack retires the addresses carried by message Seq.
type Ack struct {
	Seq uint64 `cbor:"1,keyasint"`
}

// Phase carries the distributed cycle number for PAUSE, GOTPAUSE,
// PAUSEACK, MARKROOTS, SWEEP and RESUME.
type Phase struct {
	Cycle uint64 `cbor:"1,keyasint"`
}

// MarkEntry propagates the distributed mark to the owner of Addr.
type MarkEntry struct {
	Cycle uint64  `cbor:"1,keyasint"`
	Addr  Address `cbor:"2,keyasint"`
}

// MarkQuery asks a task for its mark message counters.
type MarkQuery struct {
	Cycle uint64 `cbor:"1,keyasint"`
	Round int    `cbor:"2,keyasint"`
}

// MarkCount answers a MarkQuery.
type MarkCount struct {
	Cycle    uint64 `cbor:"1,keyasint"`
	Round    int    `cbor:"2,keyasint"`
	Sent     uint64 `cbor:"3,keyasint"`
	Received uint64 `cbor:"4,keyasint"`
}

// SweepAck reports the end of a task's sweep.
type SweepAck struct {
	Cycle   uint64 `cbor:"1,keyasint"`
	Removed int    `cbor:"2,keyasint"`
}

// CountSparks asks a task for its spark count.
type CountSparks struct {
	Round uint64 `cbor:"1,keyasint"`
}

// SparksCount answers CountSparks.
type SparksCount struct {
	Round uint64 `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

// Distribute instructs a task to ship Count sparks to task To.
type Distribute struct {
	Round uint64 `cbor:"1,keyasint"`
	To    int32  `cbor:"2,keyasint"`
	Count int    `cbor:"3,keyasint"`
}

// ---------------------------------------------------------------------------
// Address extraction
// ---------------------------------------------------------------------------

func appendRefs(dst []heap.Address, vs []Value) []heap.Address {
	for _, v := range vs {
		if v.Kind == ValRef {
			dst = append(dst, v.Addr.Heap())
		}
	}
	return dst
}

// Addresses returns every cluster address the object names.
func (o *Object) Addresses() []heap.Address {
	var out []heap.Address
	out = appendRefs(out, o.Fields)
	out = appendRefs(out, o.Elems)
	out = appendRefs(out, o.Args)
	if o.Tail != nil {
		out = appendRefs(out, []Value{*o.Tail})
	}
	if o.Redirect != nil {
		out = append(out, o.Redirect.Heap())
	}
	return out
}

// Addresses returns every cluster address on the frame's stack.
func (f *FrameRecord) Addresses() []heap.Address {
	return appendRefs(nil, f.Stack)
}

// Addresses decodes m's payload and returns every cluster address it
// names. Messages without object references return nil.
func (m *Message) Addresses() ([]heap.Address, error) {
	switch m.Tag {
	case TagFetch:
		var p Fetch
		if err := m.Decode(&p); err != nil {
			return nil, err
		}
		return []heap.Address{p.Target.Heap(), p.Dest.Heap()}, nil
	case TagRespond:
		var p Respond
		if err := m.Decode(&p); err != nil {
			return nil, err
		}
		return append(p.Object.Addresses(), p.Dest.Heap()), nil
	case TagSchedule:
		var p Schedule
		if err := m.Decode(&p); err != nil {
			return nil, err
		}
		return append(p.Frame.Addresses(), p.Placeholder.Heap()), nil
	case TagUpdateRef:
		var p UpdateRef
		if err := m.Decode(&p); err != nil {
			return nil, err
		}
		return []heap.Address{p.Placeholder.Heap(), p.Addr.Heap()}, nil
	case TagMarkEntry:
		var p MarkEntry
		if err := m.Decode(&p); err != nil {
			return nil, err
		}
		return []heap.Address{p.Addr.Heap()}, nil
	}
	return nil, nil
}
