package sched

import (
	"fmt"

	"github.com/chazu/grex/heap"
)

// State is a frame's lifecycle state.
//
//	Unallocated -> New -> [Sparked] -> Active -> Done
//	                                     |  ^
//	                                     v  |
//	                                   Blocked
type State uint8

const (
	Unallocated State = iota
	New
	Sparked
	Active
	Blocked
	Done
)

var stateNames = [...]string{
	Unallocated: "unallocated",
	New:         "new",
	Sparked:     "sparked",
	Active:      "active",
	Blocked:     "blocked",
	Done:        "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Frame is one activation of a unit of computation. Its complete state is
// the entry point, the program counter and the operand stack, so a blocked
// frame can be resumed exactly, here or on another task.
type Frame struct {
	ID    int
	State State
	Fno   int
	PC    int
	Stack []heap.Pntr

	// Cell is the heap cell that names this frame. Other objects reference
	// the frame's eventual value through it.
	Cell heap.Pntr
	// Result is set when the frame completes.
	Result heap.Pntr

	// Reason describes what a blocked frame is waiting for.
	Reason string
	// Err is set when a frame is woken with an error instead of a value.
	Err error

	// Waiters holds frames blocked until this frame completes.
	Waiters Queue

	prev, next *Frame
	queue      *Queue
}

// VisitRefs hands the frame's heap references to visit so the collector can
// mark and rewrite them.
func (f *Frame) VisitRefs(visit func(*heap.Pntr)) {
	for i := range f.Stack {
		visit(&f.Stack[i])
	}
	visit(&f.Result)
}

// Push pushes v on the operand stack.
func (f *Frame) Push(v heap.Pntr) {
	f.Stack = append(f.Stack, v)
}

// Pop removes and returns the top of the operand stack.
func (f *Frame) Pop() heap.Pntr {
	n := len(f.Stack)
	if n == 0 {
		heap.Fatalf("frame %d: pop from empty stack", f.ID)
	}
	v := f.Stack[n-1]
	f.Stack = f.Stack[:n-1]
	return v
}

// Peek returns the value i slots below the top of the stack.
func (f *Frame) Peek(i int) heap.Pntr {
	n := len(f.Stack)
	if i < 0 || i >= n {
		heap.Fatalf("frame %d: peek %d of %d", f.ID, i, n)
	}
	return f.Stack[n-1-i]
}

// Queued reports whether the frame currently sits in a run, spark or wait
// queue.
func (f *Frame) Queued() bool {
	return f.queue != nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame %d (fno %d pc %d, %s)", f.ID, f.Fno, f.PC, f.State)
}

func (f *Frame) reset() {
	*f = Frame{}
}
