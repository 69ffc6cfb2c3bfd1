package sched

import (
	"errors"
	"testing"

	"github.com/chazu/grex/heap"
)

func expectFatal(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*heap.FatalError); !ok {
			t.Errorf("%s: expected a fatal error", name)
		}
	}()
	fn()
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

func ids(q *Queue) []int {
	var out []int
	q.Each(func(f *Frame) { out = append(out, f.ID) })
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueue_Order(t *testing.T) {
	var q Queue
	a, b, c := &Frame{ID: 1}, &Frame{ID: 2}, &Frame{ID: 3}
	q.PushBack(a)
	q.PushBack(b)
	q.PushFront(c)

	if got := ids(&q); !equalInts(got, []int{3, 1, 2}) {
		t.Fatalf("order = %v, want [3 1 2]", got)
	}
	if !q.Remove(a) || q.Remove(a) {
		t.Error("Remove should succeed exactly once")
	}
	if got := q.PopBack(); got != b {
		t.Errorf("PopBack = %v, want frame 2", got)
	}
	if got := q.PopFront(); got != c {
		t.Errorf("PopFront = %v, want frame 3", got)
	}
	if q.Len() != 0 || q.PopFront() != nil {
		t.Error("queue should be empty")
	}
}

func TestQueue_FrameInOneQueueOnly(t *testing.T) {
	var q1, q2 Queue
	f := &Frame{ID: 1}
	q1.PushBack(f)
	expectFatal(t, "second queue", func() { q2.PushBack(f) })
	if q2.Remove(f) {
		t.Error("Remove from a queue not holding the frame should fail")
	}
	if !q1.Contains(f) || q2.Contains(f) {
		t.Error("Contains disagrees with membership")
	}
}

func TestQueue_EachAllowsRemoval(t *testing.T) {
	var q Queue
	for i := 1; i <= 4; i++ {
		q.PushBack(&Frame{ID: i})
	}
	q.Each(func(f *Frame) {
		if f.ID%2 == 0 {
			q.Remove(f)
		}
	})
	if got := ids(&q); !equalInts(got, []int{1, 3}) {
		t.Errorf("after removal = %v, want [1 3]", got)
	}
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

func TestScheduler_FrameLifecycle(t *testing.T) {
	s := NewScheduler()
	f := s.NewFrame(1, []heap.Pntr{heap.FromNumber(5)})
	if f.State != New {
		t.Fatalf("state = %v, want new", f.State)
	}
	if !s.Spark(f) || f.State != Sparked || s.SparkCount() != 1 {
		t.Fatalf("Spark: state %v, %d sparks", f.State, s.SparkCount())
	}

	if got := s.TakeSpark(); got != f {
		t.Fatalf("TakeSpark = %v, want %v", got, f)
	}
	if f.State != Active || s.SparkCount() != 0 || s.Next() != f {
		t.Fatalf("after TakeSpark: state %v, sparks %d", f.State, s.SparkCount())
	}
	if s.Spark(f) {
		t.Error("sparking an active frame must be a no-op")
	}
	if s.SparkCount() != 0 {
		t.Error("active frame must not re-enter the spark list")
	}

	s.Complete(f, heap.FromNumber(8))
	if f.State != Done {
		t.Errorf("state = %v, want done", f.State)
	}
	if f.Queued() || s.RunCount() != 0 || s.SparkCount() != 0 {
		t.Error("done frame must not remain in any list")
	}
	if f.Result.Number() != 8 {
		t.Errorf("Result = %v, want 8", f.Result)
	}
}

func TestScheduler_SparksAreLIFOAndExportFIFO(t *testing.T) {
	s := NewScheduler()
	var fs []*Frame
	for i := 0; i < 3; i++ {
		f := s.NewFrame(i, nil)
		s.Spark(f)
		fs = append(fs, f)
	}
	if got := s.TakeSpark(); got != fs[2] {
		t.Errorf("TakeSpark = %v, want newest", got)
	}
	if got := s.ExportSpark(); got != fs[0] {
		t.Errorf("ExportSpark = %v, want oldest", got)
	}
	if _, ok := s.Get(fs[0].ID); ok {
		t.Error("exported frame should be forgotten")
	}
	if s.SparkCount() != 1 {
		t.Errorf("SparkCount = %d, want 1", s.SparkCount())
	}
}

func TestScheduler_BlockAndWake(t *testing.T) {
	s := NewScheduler()
	waiter := s.NewFrame(1, nil)
	target := s.NewFrame(2, nil)
	s.Run(waiter)
	s.Run(target)

	s.Block(waiter, &target.Waiters, "demand")
	if waiter.State != Blocked || s.RunCount() != 1 {
		t.Fatalf("after Block: state %v, run %d", waiter.State, s.RunCount())
	}
	expectFatal(t, "block twice", func() { s.Block(waiter, &target.Waiters, "again") })

	woken := s.Complete(target, heap.Null)
	if len(woken) != 1 || woken[0] != waiter {
		t.Fatalf("woken = %v", woken)
	}
	if waiter.State != Active || s.Next() != waiter {
		t.Errorf("waiter should be active at the head of the run list")
	}
}

func TestScheduler_WakeWithError(t *testing.T) {
	s := NewScheduler()
	var q Queue
	f := s.NewFrame(1, nil)
	s.Run(f)
	s.Block(f, &q, "read")

	boom := errors.New("connection reset")
	s.WakeAll(&q, boom)
	if !errors.Is(f.Err, boom) {
		t.Errorf("Err = %v, want %v", f.Err, boom)
	}
	if f.Reason != "" {
		t.Errorf("Reason = %q after wake", f.Reason)
	}
}

func TestScheduler_ReleaseRecycles(t *testing.T) {
	s := NewScheduler()
	f := s.NewFrame(1, []heap.Pntr{heap.FromNumber(1)})
	s.Run(f)
	expectFatal(t, "release active", func() { s.Release(f) })
	s.Complete(f, heap.Null)
	id := f.ID
	s.Release(f)

	if s.Len() != 0 {
		t.Errorf("Len = %d after release, want 0", s.Len())
	}
	g := s.NewFrame(2, nil)
	if g != f {
		t.Error("released frame should be reused")
	}
	if g.ID == id || len(g.Stack) != 0 || g.State != New {
		t.Errorf("recycled frame not reset: %v stack %v", g, g.Stack)
	}
	if s.Stats().Recycled != 1 {
		t.Errorf("Recycled = %d, want 1", s.Stats().Recycled)
	}
}

func TestFrame_Stack(t *testing.T) {
	f := &Frame{ID: 1}
	f.Push(heap.FromNumber(1))
	f.Push(heap.FromNumber(2))
	if f.Peek(1).Number() != 1 {
		t.Errorf("Peek(1) = %v, want 1", f.Peek(1))
	}
	if f.Pop().Number() != 2 || f.Pop().Number() != 1 {
		t.Error("Pop order wrong")
	}
	expectFatal(t, "empty pop", func() { f.Pop() })
}
