package task

import (
	"fmt"

	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
)

// SysKind is the kind of resource a system object wraps.
type SysKind uint8

const (
	SysFile SysKind = iota + 1
	SysConnection
	SysListener
)

func (k SysKind) String() string {
	switch k {
	case SysFile:
		return "file"
	case SysConnection:
		return "connection"
	case SysListener:
		return "listener"
	}
	return fmt.Sprintf("syskind(%d)", uint8(k))
}

// SockID identifies a connection or listener within the cluster.
type SockID struct {
	IP   string
	Port int
	Lid  int32
	Sid  int32
}

func (s SockID) String() string {
	return fmt.Sprintf("%s:%d/%d.%d", s.IP, s.Port, s.Lid, s.Sid)
}

// IOError is the error a failed system object records.
type IOError struct {
	Code int
	Msg  string
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error %d: %s", e.Code, e.Msg)
}

// SysObject is a file or socket owned by exactly one task. Other tasks can
// hold a reference to its cell but never its contents: a fetch of it
// yields an opaque proxy.
type SysObject struct {
	Kind  SysKind
	Owner int32
	Name  string
	Sock  SockID

	// Cell is the heap cell that names the object.
	Cell heap.Pntr
	// Buffer holds data delivered but not yet consumed, as a byte array,
	// or Null.
	Buffer heap.Pntr

	Closed bool
	Err    *IOError

	// Blocked holds frames waiting for the object to become ready.
	Blocked sched.Queue
}

// VisitRefs implements heap.Payload.
func (so *SysObject) VisitRefs(visit func(*heap.Pntr)) {
	visit(&so.Buffer)
}

func (so *SysObject) String() string {
	return fmt.Sprintf("%s %q of task %d", so.Kind, so.Name, so.Owner)
}

// NewSysObject creates an open system object owned by the task.
func (t *Task) NewSysObject(kind SysKind, name string) *SysObject {
	so := &SysObject{Kind: kind, Owner: t.tid, Name: name, Buffer: heap.Null}
	so.Cell = t.heap.NewSysObjectCell(so)
	t.sysobjects = append(t.sysobjects, so)
	return so
}

// SysObjects returns the open system objects.
func (t *Task) SysObjects() []*SysObject {
	return t.sysobjects
}

// WaitIO blocks f until so is ready. A closed object returns its error
// instead, or ErrClosed after an orderly close.
func (t *Task) WaitIO(f *sched.Frame, so *SysObject) error {
	if so.Closed {
		if so.Err != nil {
			return so.Err
		}
		return ErrClosed
	}
	t.sched.Block(f, &so.Blocked, so.Kind.String())
	return nil
}

// Deliver appends data to so's buffer and resumes the frames waiting on it.
func (t *Task) Deliver(so *SysObject, data []byte) {
	if so.Closed {
		heap.Fatalf("task %d: deliver to closed %v", t.tid, so)
	}
	if so.Buffer.IsNull() {
		so.Buffer = t.heap.NewString(string(data))
	} else {
		so.Buffer = t.heap.ArrayAppendBytes(so.Buffer, data)
	}
	t.sched.WakeAll(&so.Blocked, nil)
}

// Consume returns and clears the buffered data.
func (t *Task) Consume(so *SysObject) string {
	if so.Buffer.IsNull() {
		return ""
	}
	s := t.heap.ArrayString(so.Buffer)
	so.Buffer = heap.Null
	return s
}

// Fail records an I/O error on so, closes it and wakes every frame waiting
// on it with the error.
func (t *Task) Fail(so *SysObject, code int, msg string) {
	so.Err = &IOError{Code: code, Msg: msg}
	log.Warningf("task %d: %v: %v", t.tid, so, so.Err)
	t.shut(so, so.Err)
}

// CloseSysObject closes so. Waiting frames resume with ErrClosed.
func (t *Task) CloseSysObject(so *SysObject) {
	t.shut(so, ErrClosed)
}

func (t *Task) shut(so *SysObject, err error) {
	if so.Closed {
		return
	}
	so.Closed = true
	t.sched.WakeAll(&so.Blocked, err)
	for i, o := range t.sysobjects {
		if o == so {
			t.sysobjects = append(t.sysobjects[:i], t.sysobjects[i+1:]...)
			break
		}
	}
}
