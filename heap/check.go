package heap

import "fmt"

// Check verifies the heap's structural invariants:
//   - block accounting stays within capacity and covers every object's size
//   - mature objects live exactly in old blocks
//   - no object outside a collection carries a forwarding pointer
//   - no reference dangles
//   - every mature object referencing a young object through its own
//     fields is in the remembered set (the generational invariant)
//
// It returns the first violation found.
func (h *Heap) Check() error {
	inRemSet := make(map[Pntr]bool, len(h.remembered))
	for _, p := range h.remembered {
		o, ok := h.lookup(p.Ref())
		if !ok {
			return fmt.Errorf("remembered set entry %v dangles", p)
		}
		if o.Flags&(FlagMature|FlagInRemSet) != FlagMature|FlagInRemSet {
			return fmt.Errorf("remembered set entry %v is not a flagged mature object", p)
		}
		inRemSet[p] = true
	}

	objBytes := map[Generation]int{}
	for id, b := range h.blocks {
		for slot, o := range b.objs {
			self := FromRef(makeRef(id, slot))
			objBytes[b.gen] += o.size
			if h.cycle == nil && o.Flags&FlagForwarded != 0 {
				return fmt.Errorf("object %v carries a forwarding pointer outside a collection", self)
			}
			mature := o.Flags&FlagMature != 0
			// Frame and system object payloads live outside the cell and
			// are rescanned as roots by every cycle.
			generational := mature && o.Type != CellFrame && o.Type != CellSysObject
			if mature != (b.gen == Old) {
				return fmt.Errorf("object %v mature=%v found in %s block %d", self, mature, b.gen, id)
			}
			var bad error
			o.Children(func(q *Pntr) {
				if bad != nil || !q.IsRef() {
					return
				}
				child, ok := h.lookup(q.Ref())
				if !ok {
					bad = fmt.Errorf("object %v references dangling %v", self, *q)
					return
				}
				if generational && child.Flags&FlagMature == 0 && !inRemSet[self] {
					bad = fmt.Errorf("mature object %v references young %v without a remembered set entry", self, *q)
				}
			})
			if bad != nil {
				return bad
			}
		}
		if b.used > b.capacity {
			return fmt.Errorf("%v: cursor past capacity", b)
		}
	}

	for _, g := range []*generation{&h.young, &h.old} {
		bytes, n := 0, 0
		g.each(func(b *Block) {
			bytes += b.used
			n++
		})
		if bytes != g.bytes || n != g.blocks {
			return fmt.Errorf("%s generation accounting: %d bytes in %d blocks, recorded %d in %d",
				g.gen, bytes, n, g.bytes, g.blocks)
		}
		if h.cycle == nil && objBytes[g.gen] > g.bytes {
			return fmt.Errorf("%s generation objects hold %d bytes, only %d allocated",
				g.gen, objBytes[g.gen], g.bytes)
		}
	}
	return nil
}
