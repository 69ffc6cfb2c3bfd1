package task

import (
	"errors"
	"fmt"

	"github.com/chazu/grex/eventlog"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
)

// Stepper executes one instruction of a frame. A step reads and writes
// the frame's operand stack and program counter, and may allocate, spawn
// and spark frames, demand values or complete the frame through the Task.
//
// A step that finds a value unavailable (Demand returned false) returns
// without advancing the program counter; the same instruction is executed
// again when the frame resumes. Returning an error raises an evaluation
// error for the frame.
type Stepper interface {
	Step(t *Task, f *sched.Frame) error
}

// StepFunc adapts a function to the Stepper interface.
type StepFunc func(t *Task, f *sched.Frame) error

// Step implements Stepper.
func (fn StepFunc) Step(t *Task, f *sched.Frame) error {
	return fn(t, f)
}

// Program is a Stepper that dispatches on the frame's entry point.
type Program map[int]StepFunc

// Step implements Stepper.
func (p Program) Step(t *Task, f *sched.Frame) error {
	fn, ok := p[f.Fno]
	if !ok {
		return Errorf("no entry point %d", f.Fno)
	}
	return fn(t, f)
}

// EvalError is an evaluation-level error: a primitive rejected its
// arguments or an I/O operation failed. It is recoverable within the task.
type EvalError struct {
	Fno int
	PC  int
	Msg string
	Err error
}

// Errorf creates an evaluation error for the current step.
func Errorf(format string, args ...any) *EvalError {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("fno %d pc %d: %s", e.Fno, e.PC, e.Msg)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// raise records err as the task-wide error and redirects f to the error
// entry point, or completes it with Nil when there is none.
func (t *Task) raise(f *sched.Frame, err error) {
	var ee *EvalError
	if !errors.As(err, &ee) {
		ee = &EvalError{Msg: err.Error(), Err: err}
	}
	ee.Fno, ee.PC = f.Fno, f.PC
	t.lastError = ee
	t.stats.EvalErrors++
	t.record(eventlog.Event{Kind: eventlog.EvalError, Seq: uint64(f.ID)})
	log.Warningf("task %d: %v: %v", t.tid, f, ee)

	if f.State != sched.Active {
		heap.Fatalf("task %d: %v raised %v after leaving the run list", t.tid, f, ee)
	}
	if t.cfg.ErrorEntry < 0 {
		t.Complete(f, t.nilv)
		return
	}
	f.Fno = t.cfg.ErrorEntry
	f.PC = 0
	f.Stack = f.Stack[:0]
	f.Push(t.heap.NewString(ee.Msg))
}
