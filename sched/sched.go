package sched

import (
	"github.com/chazu/grex/heap"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("grex.sched")

// Stats counts scheduler transitions.
type Stats struct {
	Created   int
	Sparked   int
	Completed int
	Exported  int
	Recycled  int
}

// Scheduler owns a task's frames: the run list the stepper drains in order,
// the spark list of parallelism candidates, and a free list of recycled
// frames. It is not safe for concurrent use.
type Scheduler struct {
	frames map[int]*Frame
	nextID int
	free   []*Frame

	run    Queue
	sparks Queue

	stats Stats
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		frames: make(map[int]*Frame),
		nextID: 1,
	}
}

// NewFrame allocates a frame in state New for entry point fno with args as
// its initial operand stack. The caller attaches the heap cell.
func (s *Scheduler) NewFrame(fno int, args []heap.Pntr) *Frame {
	var f *Frame
	if n := len(s.free); n > 0 {
		f = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		f = &Frame{}
	}
	f.ID = s.nextID
	s.nextID++
	f.State = New
	f.Fno = fno
	f.Stack = append(f.Stack[:0], args...)
	f.Cell = heap.Null
	f.Result = heap.Null
	s.frames[f.ID] = f
	s.stats.Created++
	return f
}

// Get returns the live frame with the given id.
func (s *Scheduler) Get(id int) (*Frame, bool) {
	f, ok := s.frames[id]
	return f, ok
}

// Len returns the number of live frames.
func (s *Scheduler) Len() int {
	return len(s.frames)
}

// Each calls fn for every live frame.
func (s *Scheduler) Each(fn func(*Frame)) {
	for _, f := range s.frames {
		fn(f)
	}
}

// Spark marks a New frame as a parallelism candidate. Sparks are pushed at
// the front so the most recent is taken first. Sparking a frame in any
// other state is a no-op; the result reports whether it took effect.
func (s *Scheduler) Spark(f *Frame) bool {
	if f.State != New {
		return false
	}
	f.State = Sparked
	s.sparks.PushFront(f)
	s.stats.Sparked++
	return true
}

// Run makes f active and appends it to the run list. A New or Sparked
// frame starts; an Active frame is left alone; a Blocked frame must be
// resumed through Unblock instead.
func (s *Scheduler) Run(f *Frame) {
	switch f.State {
	case New:
	case Sparked:
		s.sparks.Remove(f)
	case Active:
		return
	default:
		heap.Fatalf("run %v", f)
	}
	f.State = Active
	s.run.PushBack(f)
}

// Block suspends the active frame f on the wait queue q.
func (s *Scheduler) Block(f *Frame, q *Queue, reason string) {
	if f.State != Active {
		heap.Fatalf("block %v", f)
	}
	s.run.Remove(f)
	f.State = Blocked
	f.Reason = reason
	q.PushBack(f)
}

// Unblock resumes the blocked frame f, removing it from whatever wait
// queue holds it. err, if non-nil, is left in f.Err for the stepper.
func (s *Scheduler) Unblock(f *Frame, err error) {
	if f.State != Blocked {
		heap.Fatalf("unblock %v", f)
	}
	if f.queue != nil {
		f.queue.Remove(f)
	}
	f.State = Active
	f.Reason = ""
	f.Err = err
	s.run.PushBack(f)
}

// WakeAll resumes every frame blocked on q and returns them.
func (s *Scheduler) WakeAll(q *Queue, err error) []*Frame {
	woken := q.Drain()
	for _, f := range woken {
		s.Unblock(f, err)
	}
	return woken
}

// Complete moves the active frame f to Done, records result and wakes
// every frame waiting on it. The frame leaves every list.
func (s *Scheduler) Complete(f *Frame, result heap.Pntr) []*Frame {
	if f.State != Active {
		heap.Fatalf("complete %v", f)
	}
	s.run.Remove(f)
	f.State = Done
	f.Result = result
	s.stats.Completed++
	return s.WakeAll(&f.Waiters, nil)
}

// Release returns a Done frame to the free list. Nothing may refer to it
// afterwards.
func (s *Scheduler) Release(f *Frame) {
	if f.State != Done || f.Queued() || f.Waiters.Len() != 0 {
		heap.Fatalf("release %v", f)
	}
	delete(s.frames, f.ID)
	f.reset()
	s.free = append(s.free, f)
	s.stats.Recycled++
}

// Next returns the frame at the head of the run list, or nil. The frame
// stays at the head until it blocks or completes.
func (s *Scheduler) Next() *Frame {
	return s.run.Front()
}

// TakeSpark removes the most recently sparked frame and makes it active.
func (s *Scheduler) TakeSpark() *Frame {
	f := s.sparks.Front()
	if f != nil {
		s.Run(f)
	}
	return f
}

// ExportSpark removes the oldest spark so it can be migrated to another
// task. The frame is forgotten by this scheduler and must not be reused.
func (s *Scheduler) ExportSpark() *Frame {
	f := s.sparks.PopBack()
	if f == nil {
		return nil
	}
	delete(s.frames, f.ID)
	s.stats.Exported++
	log.Debugf("exporting %v", f)
	return f
}

// SparkCount returns the number of sparked frames.
func (s *Scheduler) SparkCount() int {
	return s.sparks.Len()
}

// RunCount returns the number of frames in the run list.
func (s *Scheduler) RunCount() int {
	return s.run.Len()
}

// Idle reports whether there is nothing to run and nothing to spark.
func (s *Scheduler) Idle() bool {
	return s.run.Len() == 0 && s.sparks.Len() == 0
}

// Stats returns a snapshot of the transition counters.
func (s *Scheduler) Stats() Stats {
	return s.stats
}
