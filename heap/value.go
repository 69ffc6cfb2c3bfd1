package heap

import (
	"fmt"
	"math"
)

// Pntr is a heap value using NaN-boxing.
//
// Every value is a 64-bit IEEE 754 double. Non-number values live in the
// quiet NaN space and are told apart by tag bits:
//   - Number: any double that is not one of our tagged NaNs
//   - Ref:    quiet NaN + tagRef + 48-bit object reference
//   - Null:   quiet NaN + tagNull (the reserved "no value" pattern)
//
// Call sites should switch on Kind rather than inspect bits.
type Pntr uint64

const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for the reference
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagRef  uint64 = 0x0001000000000000
	tagNull uint64 = 0x0002000000000000
)

// Null is the reserved "no value" pattern. It is never a valid number.
const Null Pntr = Pntr(nanBits | tagNull)

// Kind is the closed set of shapes a Pntr can take.
type Kind uint8

const (
	KindNumber Kind = iota
	KindNull
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindNull:
		return "null"
	case KindRef:
		return "ref"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kind reports which variant v holds.
func (v Pntr) Kind() Kind {
	bits := uint64(v)
	if bits&(nanBits|tagMask) == nanBits|tagRef {
		return KindRef
	}
	if bits&(nanBits|tagMask) == nanBits|tagNull {
		return KindNull
	}
	return KindNumber
}

// IsNumber returns true if v holds an inline double.
func (v Pntr) IsNumber() bool {
	return v.Kind() == KindNumber
}

// IsRef returns true if v references a heap object.
func (v Pntr) IsRef() bool {
	return uint64(v)&(nanBits|tagMask) == nanBits|tagRef
}

// IsNull returns true if v is the reserved null pattern.
func (v Pntr) IsNull() bool {
	return v == Null
}

// Number returns v as a float64.
// Panics if v is not a number.
func (v Pntr) Number() float64 {
	if !v.IsNumber() {
		panic("Pntr.Number: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromNumber creates a Pntr from a float64. NaNs whose bit pattern would
// collide with a tagged value are canonicalized so they stay numbers.
func FromNumber(f float64) Pntr {
	bits := math.Float64bits(f)
	if bits&nanBits == nanBits && bits&tagMask != 0 {
		bits = math.Float64bits(math.NaN())
	}
	return Pntr(bits)
}

// Ref returns the object reference held by v.
// Panics if v is not a reference.
func (v Pntr) Ref() Ref {
	if !v.IsRef() {
		panic("Pntr.Ref: not a reference")
	}
	return Ref(uint64(v) & payloadMask)
}

// FromRef creates a Pntr from an object reference.
func FromRef(r Ref) Pntr {
	return Pntr(nanBits | tagRef | (uint64(r) & payloadMask))
}

func (v Pntr) String() string {
	switch v.Kind() {
	case KindNumber:
		return fmt.Sprintf("%g", v.Number())
	case KindNull:
		return "null"
	default:
		return v.Ref().String()
	}
}

// ---------------------------------------------------------------------------
// Ref: generation-independent object handle
// ---------------------------------------------------------------------------

// Ref names one object slot: the block it lives in and its index within
// that block. Block ids are never reused, so a Ref into a freed block is
// detectably dangling rather than silently aliased.
type Ref uint64

const slotBits = 16

// MaxSlots is the number of objects a single block can hold.
const MaxSlots = 1 << slotBits

func makeRef(b BlockID, slot int) Ref {
	return Ref(uint64(b)<<slotBits | uint64(slot))
}

// Block returns the id of the block holding the object.
func (r Ref) Block() BlockID {
	return BlockID(uint64(r) >> slotBits)
}

// Slot returns the index of the object within its block.
func (r Ref) Slot() int {
	return int(uint64(r) & (MaxSlots - 1))
}

func (r Ref) String() string {
	return fmt.Sprintf("#%d.%d", r.Block(), r.Slot())
}
