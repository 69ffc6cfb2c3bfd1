package balancer

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/transport"
	"github.com/chazu/grex/wire"
)

// ---------------------------------------------------------------------------
// Plan
// ---------------------------------------------------------------------------

func TestPlan_SingleDonor(t *testing.T) {
	counts := []int{100, 0, 0, 0}
	plan := Plan(counts, 0)
	want := []Transfer{{0, 1, 25}, {0, 2, 25}, {0, 3, 25}}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("got %v, want %v", plan, want)
	}
	if got := Apply(counts, plan); !reflect.DeepEqual(got, []int{25, 25, 25, 25}) {
		t.Errorf("got %v after the plan, want 25 each", got)
	}
}

func TestPlan_WithinBand(t *testing.T) {
	tests := []struct {
		name      string
		counts    []int
		tolerance int
		maxMsgs   int
	}{
		{"balanced", []int{5, 5, 5}, 0, 0},
		{"within tolerance", []int{6, 4, 5}, 1, 0},
		{"uneven total", []int{7, 0, 0}, 0, 2},
		{"two donors", []int{20, 20, 0, 0}, 0, 2},
		{"tolerance leaves surplus", []int{100, 0, 0, 0}, 2, 3},
		{"many small", []int{3, 0, 9, 1, 0, 11}, 1, 6},
		{"all empty", []int{0, 0, 0}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Plan(tt.counts, tt.tolerance)
			lower, upper := Bounds(tt.counts, tt.tolerance)
			after := Apply(tt.counts, plan)
			for tid, c := range after {
				if c < lower || c > upper {
					t.Errorf("task %d ends with %d, want within [%d, %d] (plan %v)", tid, c, lower, upper, plan)
				}
			}
			if len(plan) > tt.maxMsgs {
				t.Errorf("got %d transfers, want at most %d: %v", len(plan), tt.maxMsgs, plan)
			}
			for _, tr := range plan {
				if tr.Count <= 0 || tr.From == tr.To {
					t.Errorf("bad transfer %v", tr)
				}
				if tt.counts[tr.From] <= tt.counts[tr.To] {
					t.Errorf("transfer %v moves work toward a busier task", tr)
				}
			}
		})
	}
}

func TestPlan_SingleTask(t *testing.T) {
	if plan := Plan([]int{10}, 0); plan != nil {
		t.Errorf("got %v, want no transfers", plan)
	}
}

func TestBounds(t *testing.T) {
	lower, upper := Bounds([]int{7, 0, 0}, 1)
	if lower != 1 || upper != 4 {
		t.Errorf("got [%d, %d], want [1, 4]", lower, upper)
	}
}

// ---------------------------------------------------------------------------
// Rounds
// ---------------------------------------------------------------------------

func newBalancer(t *testing.T, n int, cfg Config) (*Balancer, []transport.Endpoint) {
	t.Helper()
	net := transport.NewNetwork()
	eps := make([]transport.Endpoint, n)
	for i := range eps {
		ep, err := net.Endpoint(int32(i))
		if err != nil {
			t.Fatalf("Endpoint: %v", err)
		}
		eps[i] = ep
	}
	ep, err := net.Endpoint(wire.BalancerID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	return New(ep, int32(n), cfg), eps
}

// reply answers a pending COUNT_SPARKS on ep with count.
func reply(t *testing.T, ep transport.Endpoint, count int) {
	t.Helper()
	m, err := ep.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m.Tag != wire.TagCountSparks {
		t.Fatalf("got %s, want COUNT_SPARKS", m.Tag)
	}
	var p wire.CountSparks
	if err := m.Decode(&p); err != nil {
		t.Fatal(err)
	}
	r, err := wire.NewMessage(wire.TagSparksCount, ep.ID(), wire.BalancerID, wire.SparksCount{Round: p.Round, Count: count})
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(r); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func distributes(t *testing.T, ep transport.Endpoint) []wire.Distribute {
	t.Helper()
	var out []wire.Distribute
	for {
		m, ok, err := ep.TryRecv()
		if err != nil {
			t.Fatalf("TryRecv: %v", err)
		}
		if !ok {
			return out
		}
		if m.Tag != wire.TagDistribute {
			t.Fatalf("got %s, want DISTRIBUTE", m.Tag)
		}
		var p wire.Distribute
		if err := m.Decode(&p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
}

func TestBalancer_RoundSendsDistribute(t *testing.T) {
	b, eps := newBalancer(t, 4, Config{})
	started, err := b.BalanceNow()
	if err != nil || !started {
		t.Fatalf("BalanceNow: %v, %v", started, err)
	}
	if again, _ := b.BalanceNow(); again {
		t.Error("second round started while the first was waiting")
	}
	for i, c := range []int{0, 100, 0, 0} {
		reply(t, eps[i], c)
	}
	if _, err := b.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if b.Rounds() != 1 {
		t.Fatalf("got %d rounds, want 1", b.Rounds())
	}
	got := distributes(t, eps[1])
	want := []wire.Distribute{{Round: 1, To: 0, Count: 25}, {Round: 1, To: 2, Count: 25}, {Round: 1, To: 3, Count: 25}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, i := range []int{0, 2, 3} {
		if d := distributes(t, eps[i]); len(d) != 0 {
			t.Errorf("task %d got %v, want nothing", i, d)
		}
	}
	stats := b.LastStats()
	if stats.Moved != 75 || !reflect.DeepEqual(stats.Counts, []int{0, 100, 0, 0}) {
		t.Errorf("got %+v, want 75 moved", stats)
	}
}

func TestBalancer_WaitsForEveryReply(t *testing.T) {
	b, eps := newBalancer(t, 3, Config{})
	if _, err := b.BalanceNow(); err != nil {
		t.Fatal(err)
	}
	reply(t, eps[0], 9)
	reply(t, eps[1], 0)
	b.Poll()
	if b.Rounds() != 0 {
		t.Fatal("round completed before every task answered")
	}
	reply(t, eps[2], 0)
	b.Poll()
	if b.Rounds() != 1 {
		t.Errorf("got %d rounds, want 1", b.Rounds())
	}
}

func TestBalancer_StaleReplyIsFatal(t *testing.T) {
	b, eps := newBalancer(t, 1, Config{})
	m, err := wire.NewMessage(wire.TagSparksCount, 0, wire.BalancerID, wire.SparksCount{Round: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := eps[0].Send(m); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if _, ok := recover().(*heap.FatalError); !ok {
			t.Error("expected a fatal error")
		}
	}()
	b.Poll()
}

func TestBalancer_StartStop(t *testing.T) {
	b, eps := newBalancer(t, 2, Config{Interval: 5 * time.Millisecond})
	b.Start()
	b.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ep := range eps {
		go func() {
			for {
				m, err := ep.Recv(ctx)
				if err != nil {
					return
				}
				if m.Tag != wire.TagCountSparks {
					continue
				}
				var p wire.CountSparks
				if m.Decode(&p) != nil {
					return
				}
				r, _ := wire.NewMessage(wire.TagSparksCount, ep.ID(), wire.BalancerID, wire.SparksCount{Round: p.Round})
				ep.Send(r)
			}
		}()
	}

	for b.Rounds() < 3 {
		if ctx.Err() != nil {
			t.Fatalf("got %d rounds before the deadline, want 3", b.Rounds())
		}
		time.Sleep(time.Millisecond)
	}
	b.Stop()
	b.Stop()
	if stats := b.LastStats(); stats == nil || len(stats.Plan) != 0 {
		t.Errorf("got %+v, want an empty plan for idle tasks", stats)
	}
}
