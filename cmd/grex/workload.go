package main

import (
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
	"github.com/chazu/grex/task"
)

// Entry points of the simulator's workload.
const (
	fnFib = iota
	fnSum
	fnRange
	fnError
)

// workload is a small parallel program: fib sparks both recursive calls,
// sum(lo, hi) splits its range in half until it is short enough to add up
// directly, and error reports evaluation errors as their message.
func workload() task.Program {
	return task.Program{
		fnFib: func(t *task.Task, f *sched.Frame) error {
			if f.PC == 0 {
				n := f.Pop().Number()
				if n < 0 {
					return task.Errorf("fib of negative %v", n)
				}
				if n < 2 {
					t.Complete(f, heap.FromNumber(n))
					return nil
				}
				split(t, f, fnFib, []heap.Pntr{heap.FromNumber(n - 1)}, []heap.Pntr{heap.FromNumber(n - 2)})
				return nil
			}
			return join(t, f)
		},
		fnSum: func(t *task.Task, f *sched.Frame) error {
			if f.PC == 0 {
				hi, lo := f.Pop().Number(), f.Pop().Number()
				if hi-lo < 64 {
					total := 0.0
					for i := lo; i < hi; i++ {
						total += i
					}
					t.Complete(f, heap.FromNumber(total))
					return nil
				}
				mid := float64(int64((lo + hi) / 2))
				split(t, f, fnSum,
					[]heap.Pntr{heap.FromNumber(lo), heap.FromNumber(mid)},
					[]heap.Pntr{heap.FromNumber(mid), heap.FromNumber(hi)})
				return nil
			}
			return join(t, f)
		},
		// range(n) builds the list 0 .. n-1 and sums it, exercising the
		// heap with real structure.
		fnRange: func(t *task.Task, f *sched.Frame) error {
			n := int(f.Pop().Number())
			list := heap.Null
			for i := n - 1; i >= 0; i-- {
				list = t.Heap().NewCons(heap.FromNumber(float64(i)), list)
			}
			total := 0.0
			for p := list; !p.IsNull(); p = t.Heap().Get(p).Field[1] {
				total += t.Heap().Get(p).Field[0].Number()
			}
			t.Complete(f, heap.FromNumber(total))
			return nil
		},
		fnError: func(t *task.Task, f *sched.Frame) error {
			t.Complete(f, f.Pop())
			return nil
		},
	}
}

// split sparks two children of fno and waits for both.
func split(t *task.Task, f *sched.Frame, fno int, left, right []heap.Pntr) {
	a := t.Spawn(fno, left)
	b := t.Spawn(fno, right)
	t.Spark(a)
	t.Spark(b)
	f.Push(a.Cell)
	f.Push(b.Cell)
	f.PC = 1
}

// join completes f with the sum of its two children.
func join(t *task.Task, f *sched.Frame) error {
	x, ok := t.Demand(f, f.Peek(1))
	if !ok {
		return nil
	}
	y, ok := t.Demand(f, f.Peek(0))
	if !ok {
		return nil
	}
	if !x.IsNumber() || !y.IsNumber() {
		return task.Errorf("non-numeric result")
	}
	t.Complete(f, heap.FromNumber(x.Number()+y.Number()))
	return nil
}
