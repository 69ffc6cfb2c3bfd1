// Package dgc coordinates distributed garbage collection across the tasks
// of a cluster. A cycle runs in four phases:
//
//	PAUSE     -> every task answers GOTPAUSE, then PAUSEACK once quiesced
//	MARKROOTS -> tasks propagate the distributed mark with MARKENTRY
//	MARKQUERY -> repeated until two consecutive rounds report the same
//	             balanced totals of MARKENTRY messages sent and received
//	SWEEP     -> tasks drop unnamed entries and answer SWEEPACK
//
// after which RESUME releases the tasks.
package dgc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/transport"
	"github.com/chazu/grex/wire"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("grex.dgc")

// ErrBusy is returned by Start while a cycle is in progress.
var ErrBusy = errors.New("dgc: cycle already in progress")

// DefaultInterval is the delay between cycles started by Run.
const DefaultInterval = 5 * time.Second

// Phase is the coordinator's position in a cycle.
type Phase uint8

const (
	Idle Phase = iota
	Pausing
	Marking
	Sweeping
)

var phaseNames = [...]string{
	Idle:     "idle",
	Pausing:  "pausing",
	Marking:  "marking",
	Sweeping: "sweeping",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// CycleStats describes one completed cycle.
type CycleStats struct {
	Cycle      uint64
	MarkRounds int
	Marks      uint64
	Removed    int
	Duration   time.Duration
	Timestamp  time.Time
}

// Coordinator drives distributed cycles over a transport endpoint. Its
// state is owned by whichever goroutine calls Start, Poll or Run.
type Coordinator struct {
	ep    transport.Endpoint
	group int32
	now   func() time.Time

	phase   Phase
	cycle   uint64
	started time.Time

	gotPause  int32
	pauseAcks int32
	sweepAcks int32
	removed   int

	round    int
	replies  int32
	sent     uint64
	received uint64
	prev     [2]uint64
	havePrev bool

	cycles    atomic.Uint64
	lastStats atomic.Value // *CycleStats
}

// New creates a coordinator for a cluster of groupSize tasks.
func New(ep transport.Endpoint, groupSize int32) *Coordinator {
	return &Coordinator{ep: ep, group: groupSize, now: time.Now}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	return c.phase
}

// Cycles returns the number of completed cycles.
func (c *Coordinator) Cycles() uint64 {
	return c.cycles.Load()
}

// LastStats returns statistics from the most recent cycle, or nil.
func (c *Coordinator) LastStats() *CycleStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

// Start begins a new cycle by pausing every task.
func (c *Coordinator) Start() error {
	if c.phase != Idle {
		return ErrBusy
	}
	c.cycle++
	c.phase = Pausing
	c.started = c.now()
	c.gotPause, c.pauseAcks, c.sweepAcks, c.removed = 0, 0, 0, 0
	c.round, c.havePrev = 0, false
	log.Infof("cycle %d: pausing %d tasks", c.cycle, c.group)
	return c.broadcast(wire.TagPause, wire.Phase{Cycle: c.cycle})
}

// Poll handles every waiting reply and reports whether there were any.
func (c *Coordinator) Poll() (bool, error) {
	progress := false
	for {
		m, ok, err := c.ep.TryRecv()
		if err != nil {
			return progress, err
		}
		if !ok {
			return progress, nil
		}
		progress = true
		if err := c.handle(m); err != nil {
			return progress, err
		}
	}
}

// Run starts a cycle every interval, skipping ticks while one is still in
// progress, until ctx ends or the endpoint closes.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	msgs := make(chan *wire.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := c.ep.Recv(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		case m := <-msgs:
			if err := c.handle(m); err != nil {
				return err
			}
		case <-ticker.C:
			if c.phase == Idle {
				if err := c.Start(); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Coordinator) broadcast(tag wire.Tag, payload any) error {
	for tid := int32(0); tid < c.group; tid++ {
		m, err := wire.NewMessage(tag, wire.CollectorID, tid, payload)
		if err != nil {
			return err
		}
		if err := c.ep.Send(m); err != nil {
			return fmt.Errorf("dgc: %s to task %d: %w", tag, tid, err)
		}
	}
	return nil
}

func (c *Coordinator) expect(m *wire.Message, phase Phase, cycle uint64) {
	if c.phase != phase || cycle != c.cycle {
		heap.Fatalf("dgc: %v for cycle %d while %s in cycle %d", m, cycle, c.phase, c.cycle)
	}
}

func (c *Coordinator) decode(m *wire.Message, v any) {
	if err := m.Decode(v); err != nil {
		heap.Fatalf("dgc: %v", err)
	}
}

func (c *Coordinator) handle(m *wire.Message) error {
	switch m.Tag {
	case wire.TagGotPause:
		var p wire.Phase
		c.decode(m, &p)
		c.expect(m, Pausing, p.Cycle)
		c.gotPause++

	case wire.TagPauseAck:
		var p wire.Phase
		c.decode(m, &p)
		c.expect(m, Pausing, p.Cycle)
		c.pauseAcks++
		if c.pauseAcks < c.group {
			return nil
		}
		c.phase = Marking
		log.Infof("cycle %d: all tasks paused, marking", c.cycle)
		if err := c.broadcast(wire.TagMarkRoots, wire.Phase{Cycle: c.cycle}); err != nil {
			return err
		}
		return c.query()

	case wire.TagMarkCount:
		var p wire.MarkCount
		c.decode(m, &p)
		c.expect(m, Marking, p.Cycle)
		if p.Round != c.round {
			heap.Fatalf("dgc: %v for round %d, expected %d", m, p.Round, c.round)
		}
		c.sent += p.Sent
		c.received += p.Received
		c.replies++
		if c.replies < c.group {
			return nil
		}
		if c.terminated() {
			c.phase = Sweeping
			log.Infof("cycle %d: marking done after %d rounds, %d marks", c.cycle, c.round, c.sent)
			return c.broadcast(wire.TagSweep, wire.Phase{Cycle: c.cycle})
		}
		c.prev = [2]uint64{c.sent, c.received}
		c.havePrev = true
		return c.query()

	case wire.TagSweepAck:
		var p wire.SweepAck
		c.decode(m, &p)
		c.expect(m, Sweeping, p.Cycle)
		c.removed += p.Removed
		c.sweepAcks++
		if c.sweepAcks < c.group {
			return nil
		}
		return c.finish()

	default:
		heap.Fatalf("dgc: unexpected %v", m)
	}
	return nil
}

// terminated applies the four-counter test: the totals of the round just
// completed are balanced and equal to those of the round before.
func (c *Coordinator) terminated() bool {
	return c.havePrev && c.sent == c.received && c.prev == [2]uint64{c.sent, c.received}
}

func (c *Coordinator) query() error {
	c.round++
	c.replies, c.sent, c.received = 0, 0, 0
	return c.broadcast(wire.TagMarkQuery, wire.MarkQuery{Cycle: c.cycle, Round: c.round})
}

func (c *Coordinator) finish() error {
	stats := &CycleStats{
		Cycle:      c.cycle,
		MarkRounds: c.round,
		Marks:      c.prev[0],
		Removed:    c.removed,
		Duration:   c.now().Sub(c.started),
		Timestamp:  c.started,
	}
	c.phase = Idle
	if err := c.broadcast(wire.TagResume, wire.Phase{Cycle: c.cycle}); err != nil {
		return err
	}
	c.cycles.Add(1)
	c.lastStats.Store(stats)
	log.Infof("cycle %d: removed %d entries in %s", c.cycle, c.removed, stats.Duration)
	return nil
}
