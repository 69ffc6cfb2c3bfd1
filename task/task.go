// Package task implements the per-process runtime context: one Task owns a
// private heap partition, its Global Address Table, its frame scheduler and
// its system objects, and talks to the rest of the cluster only through a
// transport endpoint.
//
// A Task is a single-threaded state machine. Poll drains the inbox, runs a
// bounded slice of frame steps and collects garbage at the safe point that
// follows; Run loops Poll against a blocking receive. Nothing in the
// package is safe for concurrent use.
package task

import (
	"context"
	"errors"

	"github.com/chazu/grex/eventlog"
	"github.com/chazu/grex/gat"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
	"github.com/chazu/grex/transport"
	"github.com/chazu/grex/wire"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("grex.task")

var (
	ErrUnknownAddress = errors.New("task: unknown address")
	ErrClosed         = errors.New("task: system object closed")
)

// trueSymbol is the symbol id of the True singleton.
const trueSymbol = 1

// Config holds the per-task settings.
type Config struct {
	Tid       int32
	GroupSize int32
	Heap      heap.Config

	// ErrorEntry is the entry point a frame is redirected to when a step
	// raises an evaluation error. Negative means none: the frame completes
	// with Nil instead.
	ErrorEntry int
	// StepsPerSlice bounds the frame steps one Poll runs.
	StepsPerSlice int
	// Fishing lets an idle task ask its peers for sparks.
	Fishing bool
	// CheckIntegrity verifies the address table after every collection.
	CheckIntegrity bool

	// Events, when set, receives the task's diagnostic log.
	Events *eventlog.Writer
}

// DefaultConfig returns the settings for task tid of a group.
func DefaultConfig(tid, groupSize int32) Config {
	return Config{
		Tid:           tid,
		GroupSize:     groupSize,
		Heap:          heap.DefaultConfig(),
		ErrorEntry:    -1,
		StepsPerSlice: 64,
	}
}

// Stats counts task activity.
type Stats struct {
	Steps      int
	Sent       int
	Received   int
	Fetches    int
	Responds   int
	Exported   int
	Imported   int
	Deferred   int
	EvalErrors int
	Collects   int
	DistCycles int
}

// Task is one worker's runtime context.
type Task struct {
	cfg     Config
	tid     int32
	heap    *heap.Heap
	gat     *gat.Table
	sched   *sched.Scheduler
	ep      transport.Endpoint
	stepper Stepper

	nilv    heap.Pntr
	truev   heap.Pntr
	strings map[string]heap.Pntr
	args    []heap.Pntr

	sysobjects []*SysObject

	lastError *EvalError

	seq      uint64
	inflight map[uint64][]heap.Address

	fishing    bool
	fishMisses int
	fishNext   int32

	dist distState

	stats Stats
	err   error
}

// New creates task cfg.Tid attached to ep. stepper executes frame steps.
func New(cfg Config, ep transport.Endpoint, stepper Stepper) *Task {
	if cfg.StepsPerSlice <= 0 {
		cfg.StepsPerSlice = DefaultConfig(0, 0).StepsPerSlice
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 1
	}
	t := &Task{
		cfg:      cfg,
		tid:      cfg.Tid,
		heap:     heap.New(cfg.Heap),
		gat:      gat.New(cfg.Tid),
		sched:    sched.NewScheduler(),
		ep:       ep,
		stepper:  stepper,
		strings:  make(map[string]heap.Pntr),
		inflight: make(map[uint64][]heap.Address),
		dist:     newDistState(),
	}
	t.nilv = t.heap.NewNil()
	t.truev = t.heap.NewSymbol(trueSymbol)
	t.gat.SetProxyAddr(t.proxyAddr)
	if cfg.Events != nil {
		t.gat.SetObserver(t)
		t.record(eventlog.Event{Kind: eventlog.TaskStart, Peer: cfg.GroupSize})
	}
	return t
}

// Tid returns the task id.
func (t *Task) Tid() int32 {
	return t.tid
}

// GroupSize returns the number of tasks in the cluster.
func (t *Task) GroupSize() int32 {
	return t.cfg.GroupSize
}

// Heap returns the task's heap.
func (t *Task) Heap() *heap.Heap {
	return t.heap
}

// GAT returns the task's address table.
func (t *Task) GAT() *gat.Table {
	return t.gat
}

// Scheduler returns the task's frame scheduler.
func (t *Task) Scheduler() *sched.Scheduler {
	return t.sched
}

// Nil returns the nil singleton.
func (t *Task) Nil() heap.Pntr {
	return t.nilv
}

// True returns the true singleton.
func (t *Task) True() heap.Pntr {
	return t.truev
}

// Intern returns the string singleton for s, allocating it on first use.
func (t *Task) Intern(s string) heap.Pntr {
	if p, ok := t.strings[s]; ok {
		return p
	}
	p := t.heap.NewString(s)
	t.strings[s] = p
	return p
}

// SetArgs installs the program argument vector. The values are roots.
func (t *Task) SetArgs(args []heap.Pntr) {
	t.args = append(t.args[:0], args...)
}

// Args returns the program argument vector.
func (t *Task) Args() []heap.Pntr {
	return t.args
}

// LastError returns the task-wide evaluation error record.
func (t *Task) LastError() *EvalError {
	return t.lastError
}

// Stats returns a snapshot of the activity counters.
func (t *Task) Stats() Stats {
	return t.stats
}

// Paused reports whether a distributed collection has the task paused.
func (t *Task) Paused() bool {
	return t.dist.paused
}

// Inflight returns the number of sent messages not yet acknowledged.
func (t *Task) Inflight() int {
	return len(t.inflight)
}

// Err returns the first transport error the task hit.
func (t *Task) Err() error {
	return t.err
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Spawn creates a frame for entry point fno with args as its operand stack,
// together with the heap cell that names it. The frame is New: spark or
// demand it to get it running.
func (t *Task) Spawn(fno int, args []heap.Pntr) *sched.Frame {
	f := t.sched.NewFrame(fno, args)
	f.Cell = t.heap.NewFrameCell(f)
	return f
}

// Spark offers f for parallel evaluation.
func (t *Task) Spark(f *sched.Frame) bool {
	return t.sched.Spark(f)
}

// Complete finishes f with result. The frame's cell becomes an indirection
// to result, local waiters resume and remote fetchers parked on the cell
// are answered.
func (t *Task) Complete(f *sched.Frame, result heap.Pntr) {
	cell := f.Cell
	if result == cell {
		heap.Fatalf("%v completes with its own cell", f)
	}
	t.sched.Complete(f, result)
	t.heap.MakeIndirection(cell, result)
	if g, ok := t.gat.Physical(cell); ok {
		t.serveParked(g)
	}
	t.sched.Release(f)
}

// ---------------------------------------------------------------------------
// Poll loop
// ---------------------------------------------------------------------------

// Poll handles every waiting message, then, unless a distributed
// collection has the task paused, runs up to StepsPerSlice frame steps and
// reaches a collection safe point. It reports whether anything happened.
func (t *Task) Poll() (bool, error) {
	progress := false
	for {
		m, ok, err := t.ep.TryRecv()
		if err != nil {
			return progress, err
		}
		if !ok {
			break
		}
		t.handle(m)
		progress = true
	}
	if t.err != nil {
		return progress, t.err
	}
	if t.dist.paused {
		return progress, nil
	}

	for i := 0; i < t.cfg.StepsPerSlice; i++ {
		f := t.sched.Next()
		if f == nil {
			f = t.sched.TakeSpark()
		}
		if f == nil {
			break
		}
		t.step(f)
		progress = true
	}
	t.safePoint()

	if !progress {
		t.maybeFish()
	}
	return progress, t.err
}

// Run polls until ctx ends or the endpoint closes, blocking on the inbox
// whenever there is nothing to do.
func (t *Task) Run(ctx context.Context) error {
	for {
		progress, err := t.Poll()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if progress {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		m, err := t.ep.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		t.handle(m)
	}
}

// Close records the end of the task and flushes its event log.
func (t *Task) Close() error {
	if t.cfg.Events == nil {
		return nil
	}
	t.record(eventlog.Event{Kind: eventlog.TaskEnd})
	return t.cfg.Events.Flush()
}

func (t *Task) step(f *sched.Frame) {
	t.stats.Steps++
	if err := t.stepper.Step(t, f); err != nil {
		t.raise(f, err)
	}
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// acked reports whether receipt of a tag is acknowledged, retiring the
// addresses the message carried.
func acked(tag wire.Tag) bool {
	switch tag {
	case wire.TagFetch, wire.TagRespond, wire.TagSchedule, wire.TagUpdateRef:
		return true
	}
	return false
}

func (t *Task) send(to int32, tag wire.Tag, payload any, addrs []heap.Address) {
	m, err := wire.NewMessage(tag, t.tid, to, payload)
	if err != nil {
		heap.Fatalf("task %d: %v", t.tid, err)
	}
	t.seq++
	m.Seq = t.seq
	if acked(tag) && len(addrs) > 0 {
		t.inflight[m.Seq] = addrs
	}
	if err := t.ep.Send(m); err != nil {
		log.Errorf("task %d: send %v: %v", t.tid, m, err)
		if t.err == nil {
			t.err = err
		}
		return
	}
	t.stats.Sent++
	t.recordMessage(eventlog.Send, m, to)
}

func (t *Task) ack(m *wire.Message) {
	if acked(m.Tag) {
		t.send(m.From, wire.TagAck, wire.Ack{Seq: m.Seq}, nil)
	}
}

func (t *Task) decode(m *wire.Message, v any) {
	if err := m.Decode(v); err != nil {
		heap.Fatalf("task %d: %v", t.tid, err)
	}
}

func (t *Task) handle(m *wire.Message) {
	t.stats.Received++
	t.recordMessage(eventlog.Receive, m, m.From)
	if m.Tag != wire.TagFish && m.Tag != wire.TagNoWork {
		t.fishMisses = 0
	}
	if t.dist.paused && deferred(m.Tag) {
		t.dist.deferred = append(t.dist.deferred, m)
		t.stats.Deferred++
		return
	}
	t.dispatch(m)
}

func (t *Task) dispatch(m *wire.Message) {
	switch m.Tag {
	case wire.TagFetch:
		t.handleFetch(m)
	case wire.TagRespond:
		t.handleRespond(m)
	case wire.TagSchedule:
		t.handleSchedule(m)
	case wire.TagUpdateRef:
		t.handleUpdateRef(m)
	case wire.TagAck:
		var p wire.Ack
		t.decode(m, &p)
		delete(t.inflight, p.Seq)
	case wire.TagFish:
		t.handleFish(m)
	case wire.TagNoWork:
		t.handleNoWork()
	case wire.TagCountSparks:
		var p wire.CountSparks
		t.decode(m, &p)
		t.send(m.From, wire.TagSparksCount, wire.SparksCount{Round: p.Round, Count: t.sched.SparkCount()}, nil)
	case wire.TagDistribute:
		t.handleDistribute(m)
	case wire.TagPause:
		t.handlePause(m)
	case wire.TagGotPause:
		t.handleGotPause(m)
	case wire.TagMarkRoots:
		t.handleMarkRoots(m)
	case wire.TagMarkEntry:
		t.handleMarkEntry(m)
	case wire.TagMarkQuery:
		t.handleMarkQuery(m)
	case wire.TagSweep:
		t.handleSweep(m)
	case wire.TagResume:
		t.handleResume(m)
	default:
		heap.Fatalf("task %d: unexpected %v", t.tid, m)
	}
}

// ---------------------------------------------------------------------------
// Event log
// ---------------------------------------------------------------------------

func (t *Task) record(e eventlog.Event) {
	if t.cfg.Events == nil {
		return
	}
	if err := t.cfg.Events.Log(e); err != nil {
		log.Warningf("task %d: event log: %v", t.tid, err)
	}
}

func (t *Task) recordMessage(kind eventlog.Kind, m *wire.Message, peer int32) {
	if t.cfg.Events == nil {
		return
	}
	t.record(eventlog.Event{Kind: kind, Tag: uint8(m.Tag), Peer: peer, Seq: m.Seq})
}

// GlobalAdded implements gat.Observer.
func (t *Task) GlobalAdded(g *gat.Global) {
	t.record(eventlog.Event{Kind: eventlog.GlobalAdd, Tag: uint8(g.Kind), Addr: g.Addr})
}

// GlobalRemoved implements gat.Observer.
func (t *Task) GlobalRemoved(g *gat.Global) {
	t.record(eventlog.Event{Kind: eventlog.GlobalRemove, Tag: uint8(g.Kind), Addr: g.Addr})
}
