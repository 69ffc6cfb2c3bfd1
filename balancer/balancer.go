// Package balancer moves sparks from busy tasks to idle ones. Each round
// it asks every task for its spark count, computes a Plan and tells each
// donor where to send its surplus.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/transport"
	"github.com/chazu/grex/wire"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("grex.balancer")

// DefaultInterval is the delay between rounds.
const DefaultInterval = 100 * time.Millisecond

// Config holds the balancer settings.
type Config struct {
	// Interval is the delay between rounds. Zero starts the next round as
	// soon as the previous one's instructions are out.
	Interval time.Duration
	// Tolerance widens the band around the average that counts as
	// balanced.
	Tolerance int
}

// RoundStats describes one completed round.
type RoundStats struct {
	Round     uint64
	Counts    []int
	Plan      []Transfer
	Moved     int
	Timestamp time.Time
}

// Balancer runs balancing rounds over a transport endpoint.
type Balancer struct {
	ep    transport.Endpoint
	group int32
	cfg   Config

	state   sync.Mutex // protects the round below
	round   uint64
	waiting bool
	counts  []int
	replied []bool
	replies int32

	enabled atomic.Bool
	cancel  context.CancelFunc
	stopped chan struct{}
	mu      sync.Mutex // protects start/stop lifecycle

	rounds    atomic.Uint64
	lastStats atomic.Value // *RoundStats
}

// New creates a balancer for a cluster of groupSize tasks.
func New(ep transport.Endpoint, groupSize int32, cfg Config) *Balancer {
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	b := &Balancer{
		ep:      ep,
		group:   groupSize,
		cfg:     cfg,
		counts:  make([]int, groupSize),
		replied: make([]bool, groupSize),
	}
	b.enabled.Store(true)
	return b
}

// SetEnabled enables or disables periodic rounds. Replies to a round
// already started are still handled.
func (b *Balancer) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
}

// Rounds returns the number of completed rounds.
func (b *Balancer) Rounds() uint64 {
	return b.rounds.Load()
}

// LastStats returns statistics from the most recent round, or nil.
func (b *Balancer) LastStats() *RoundStats {
	v := b.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*RoundStats)
}

// BalanceNow starts a round by asking every task for its spark count. It
// reports false if a round is already waiting for replies.
func (b *Balancer) BalanceNow() (bool, error) {
	b.state.Lock()
	defer b.state.Unlock()
	if b.waiting {
		return false, nil
	}
	b.round++
	b.waiting = true
	b.replies = 0
	for i := range b.counts {
		b.counts[i] = 0
		b.replied[i] = false
	}
	for tid := int32(0); tid < b.group; tid++ {
		if err := b.send(wire.TagCountSparks, tid, wire.CountSparks{Round: b.round}); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Poll handles every waiting reply and reports whether there were any.
func (b *Balancer) Poll() (bool, error) {
	progress := false
	for {
		m, ok, err := b.ep.TryRecv()
		if err != nil {
			return progress, err
		}
		if !ok {
			return progress, nil
		}
		progress = true
		if err := b.handle(m); err != nil {
			return progress, err
		}
	}
}

// Start runs rounds in a background goroutine until Stop. Calling Start
// on a running balancer does nothing.
func (b *Balancer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.stopped = make(chan struct{})
	stopped := b.stopped
	go func() {
		defer close(stopped)
		if err := b.Run(ctx); err != nil {
			log.Errorf("balancer: %v", err)
		}
	}()
}

// Stop halts the background goroutine and waits for it to finish.
func (b *Balancer) Stop() {
	b.mu.Lock()
	cancel, stopped := b.cancel, b.stopped
	b.cancel, b.stopped = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Run performs rounds until ctx ends or the endpoint closes.
func (b *Balancer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := b.cfg.Interval
	continuous := interval <= 0
	if continuous {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	msgs := make(chan *wire.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := b.ep.Recv(ctx)
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

	start := func() error {
		if !b.enabled.Load() {
			return nil
		}
		_, err := b.BalanceNow()
		return err
	}
	if err := start(); err != nil {
		return err
	}
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
			before := b.Rounds()
			if err := b.handle(m); err != nil {
				return err
			}
			if continuous && b.Rounds() != before {
				if err := start(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := start(); err != nil {
				return err
			}
		}
	}
}

func (b *Balancer) send(tag wire.Tag, to int32, payload any) error {
	m, err := wire.NewMessage(tag, wire.BalancerID, to, payload)
	if err != nil {
		return err
	}
	if err := b.ep.Send(m); err != nil {
		return fmt.Errorf("balancer: %s to task %d: %w", tag, to, err)
	}
	return nil
}

func (b *Balancer) handle(m *wire.Message) error {
	if m.Tag != wire.TagSparksCount {
		heap.Fatalf("balancer: unexpected %v", m)
	}
	var p wire.SparksCount
	if err := m.Decode(&p); err != nil {
		heap.Fatalf("balancer: %v", err)
	}

	b.state.Lock()
	defer b.state.Unlock()
	if !b.waiting || p.Round != b.round || m.From < 0 || m.From >= b.group || b.replied[m.From] {
		heap.Fatalf("balancer: %v for round %d (current %d)", m, p.Round, b.round)
	}
	b.counts[m.From] = p.Count
	b.replied[m.From] = true
	b.replies++
	if b.replies < b.group {
		return nil
	}
	b.waiting = false

	plan := Plan(b.counts, b.cfg.Tolerance)
	stats := &RoundStats{
		Round:     b.round,
		Counts:    append([]int(nil), b.counts...),
		Plan:      plan,
		Timestamp: time.Now(),
	}
	for _, t := range plan {
		stats.Moved += t.Count
		if err := b.send(wire.TagDistribute, t.From, wire.Distribute{Round: b.round, To: t.To, Count: t.Count}); err != nil {
			return err
		}
	}
	if len(plan) > 0 {
		log.Debugf("round %d: counts %v, plan %v", b.round, stats.Counts, plan)
	}
	b.rounds.Add(1)
	b.lastStats.Store(stats)
	return nil
}
