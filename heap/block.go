package heap

import "fmt"

// BlockID identifies a block for the lifetime of its heap. Ids are issued
// monotonically and never reused.
type BlockID uint32

// Generation says which generation a block belongs to.
type Generation uint8

const (
	Young Generation = iota
	Old
)

func (g Generation) String() string {
	if g == Young {
		return "young"
	}
	return "old"
}

// Block is a fixed-size region that objects are bump-allocated into.
// Objects are appended in allocation order; a block is only ever freed
// whole.
type Block struct {
	id       BlockID
	gen      Generation
	capacity int
	used     int
	objs     []*Object
	next     *Block
}

// ID returns the block's id.
func (b *Block) ID() BlockID {
	return b.id
}

// Used returns the number of bytes consumed by the bump cursor.
func (b *Block) Used() int {
	return b.used
}

// Len returns the number of objects in the block.
func (b *Block) Len() int {
	return len(b.objs)
}

func (b *Block) fits(size int) bool {
	return b.capacity-b.used >= size && len(b.objs) < MaxSlots
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d (%s, %d/%d bytes, %d objects)", b.id, b.gen, b.used, b.capacity, len(b.objs))
}

// generation is a singly-linked list of blocks. head is the block the
// cursor bumps into; new blocks are prepended.
type generation struct {
	gen     Generation
	head    *Block
	blocks  int
	bytes   int
	objects int
}

func (g *generation) each(fn func(*Block)) {
	for b := g.head; b != nil; b = b.next {
		fn(b)
	}
}
