package sched

import "github.com/chazu/grex/heap"

// Queue is an intrusive doubly-linked list of frames. A frame links into at
// most one queue at a time; linking it into a second one is fatal. The zero
// value is an empty queue.
type Queue struct {
	head, tail *Frame
	n          int
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return q.n
}

// Front returns the first frame without removing it.
func (q *Queue) Front() *Frame {
	return q.head
}

// Back returns the last frame without removing it.
func (q *Queue) Back() *Frame {
	return q.tail
}

// Contains reports whether f is linked into q.
func (q *Queue) Contains(f *Frame) bool {
	return f.queue == q
}

func (q *Queue) claim(f *Frame) {
	if f.queue != nil {
		heap.Fatalf("%v is already queued", f)
	}
	f.queue = q
	q.n++
}

// PushBack appends f.
func (q *Queue) PushBack(f *Frame) {
	q.claim(f)
	f.prev, f.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = f
	} else {
		q.head = f
	}
	q.tail = f
}

// PushFront prepends f.
func (q *Queue) PushFront(f *Frame) {
	q.claim(f)
	f.prev, f.next = nil, q.head
	if q.head != nil {
		q.head.prev = f
	} else {
		q.tail = f
	}
	q.head = f
}

// Remove unlinks f and reports whether it was in q.
func (q *Queue) Remove(f *Frame) bool {
	if f.queue != q {
		return false
	}
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		q.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		q.tail = f.prev
	}
	f.prev, f.next, f.queue = nil, nil, nil
	q.n--
	return true
}

// PopFront removes and returns the first frame, or nil.
func (q *Queue) PopFront() *Frame {
	f := q.head
	if f != nil {
		q.Remove(f)
	}
	return f
}

// PopBack removes and returns the last frame, or nil.
func (q *Queue) PopBack() *Frame {
	f := q.tail
	if f != nil {
		q.Remove(f)
	}
	return f
}

// Each calls fn for every queued frame, front to back. fn may remove the
// frame it is given.
func (q *Queue) Each(fn func(*Frame)) {
	for f := q.head; f != nil; {
		next := f.next
		fn(f)
		f = next
	}
}

// Drain removes every frame and returns them in order.
func (q *Queue) Drain() []*Frame {
	out := make([]*Frame, 0, q.n)
	for f := q.PopFront(); f != nil; f = q.PopFront() {
		out = append(out, f)
	}
	return out
}
