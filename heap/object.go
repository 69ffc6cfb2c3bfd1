package heap

import "fmt"

// CellType is the type tag carried in every object header.
type CellType uint8

const (
	CellEmpty CellType = iota
	CellApplication
	CellCons
	CellIndirection
	CellAref
	CellArray
	CellFrame
	CellCap
	CellSysObject
	CellRemoteRef
	CellNil
	CellNumber
	CellSymbol
)

var cellTypeNames = [...]string{
	CellEmpty:       "empty",
	CellApplication: "application",
	CellCons:        "cons",
	CellIndirection: "indirection",
	CellAref:        "aref",
	CellArray:       "array",
	CellFrame:       "frame",
	CellCap:         "cap",
	CellSysObject:   "sysobject",
	CellRemoteRef:   "remoteref",
	CellNil:         "nil",
	CellNumber:      "number",
	CellSymbol:      "symbol",
}

func (t CellType) String() string {
	if int(t) < len(cellTypeNames) {
		return cellTypeNames[t]
	}
	return fmt.Sprintf("celltype(%d)", uint8(t))
}

// Flags is the header flag set.
type Flags uint16

const (
	// FlagMature marks an object that lives in the old generation.
	FlagMature Flags = 1 << iota
	// FlagInRemSet marks a mature object recorded by the write barrier.
	FlagInRemSet
	// FlagDistMarked is the distributed mark bit for the current cycle.
	FlagDistMarked
	// FlagNew marks objects created while a distributed cycle is running.
	FlagNew
	// FlagAltSpace records which of the two old spaces holds the object.
	FlagAltSpace
	// FlagForwarded marks a from-space object whose forward field is set.
	FlagForwarded
)

// Payload is implemented by the out-of-line data a frame or system object
// cell carries. VisitRefs must hand every heap reference it holds to visit,
// by address, so the collector can rewrite moved objects.
type Payload interface {
	VisitRefs(visit func(*Pntr))
}

// Object is one heap cell.
//
// Field usage by type:
//   - application: Field[0] function, Field[1] argument
//   - cons:        Field[0] head, Field[1] tail
//   - indirection: Field[0] target
//   - aref:        Field[0] backing array cell, Index start offset
//   - number:      Field[0] the boxed number
//   - symbol:      Index symbol id
//   - remoteref:   Addr the target's cluster address
type Object struct {
	Type  CellType
	Flags Flags
	Field [2]Pntr
	Index int
	Addr  Address
	Array *Array
	Cap   *Cap
	Ext   Payload

	size    int
	forward Pntr
}

// Size returns the number of block bytes charged to the object.
func (o *Object) Size() int {
	return o.size
}

// Has reports whether every flag in f is set.
func (o *Object) Has(f Flags) bool {
	return o.Flags&f == f
}

// Children hands every reference slot of o to visit.
func (o *Object) Children(visit func(*Pntr)) {
	switch o.Type {
	case CellApplication, CellCons:
		visit(&o.Field[0])
		visit(&o.Field[1])
	case CellIndirection, CellAref:
		visit(&o.Field[0])
	case CellArray:
		if o.Array != nil {
			for i := range o.Array.Elems {
				visit(&o.Array.Elems[i])
			}
			visit(&o.Array.Tail)
		}
	case CellCap:
		if o.Cap != nil {
			for i := range o.Cap.Args {
				visit(&o.Cap.Args[i])
			}
		}
	case CellFrame, CellSysObject:
		if o.Ext != nil {
			o.Ext.VisitRefs(visit)
		}
	}
}

// Cap is a partially applied function: an entry point, its arity and the
// arguments captured so far.
type Cap struct {
	Fno   int
	Arity int
	Args  []Pntr
}

// Missing returns how many more arguments saturate the cap.
func (c *Cap) Missing() int {
	return c.Arity - len(c.Args)
}
