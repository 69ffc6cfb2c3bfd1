package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/chazu/grex/config"
	"github.com/chazu/grex/dgc"
	"github.com/chazu/grex/eventlog/tracedb"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/sched"
	"github.com/chazu/grex/task"
)

const (
	fnFib = iota + 1
	fnForce
)

// program computes fib by sparking both recursive calls.
func program() task.Program {
	return task.Program{
		fnFib: func(t *task.Task, f *sched.Frame) error {
			if f.PC == 0 {
				n := f.Pop().Number()
				if n < 2 {
					t.Complete(f, heap.FromNumber(n))
					return nil
				}
				a := t.Spawn(fnFib, []heap.Pntr{heap.FromNumber(n - 1)})
				b := t.Spawn(fnFib, []heap.Pntr{heap.FromNumber(n - 2)})
				t.Spark(a)
				t.Spark(b)
				f.Push(a.Cell)
				f.Push(b.Cell)
				f.PC = 1
				return nil
			}
			x, ok := t.Demand(f, f.Peek(1))
			if !ok {
				return nil
			}
			y, ok := t.Demand(f, f.Peek(0))
			if !ok {
				return nil
			}
			t.Complete(f, heap.FromNumber(x.Number()+y.Number()))
			return nil
		},
		fnForce: func(t *task.Task, f *sched.Frame) error {
			v, ok := t.Demand(f, f.Peek(0))
			if !ok {
				return nil
			}
			t.Complete(f, v)
			return nil
		},
	}
}

func testConfig(n int) *config.Config {
	cfg := config.Default()
	cfg.Cluster.GroupSize = n
	cfg.Heap.BlockSize = 64 * heap.CellSize
	cfg.Heap.CheckIntegrity = true
	return cfg
}

func newCluster(t *testing.T, cfg *config.Config) *Cluster {
	t.Helper()
	c, err := New(cfg, program())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// root starts fno on task tid and keeps its cell as an argument root.
func root(c *Cluster, tid int32, fno int, args ...heap.Pntr) {
	tk := c.Task(tid)
	f := tk.Spawn(fno, args)
	tk.Scheduler().Run(f)
	tk.SetArgs(append(tk.Args(), f.Cell))
}

// value returns the resolved last argument root of task tid.
func value(t *testing.T, c *Cluster, tid int32) heap.Pntr {
	t.Helper()
	tk := c.Task(tid)
	args := tk.Args()
	v := tk.Heap().Resolve(args[len(args)-1])
	if v.IsRef() && tk.Heap().TypeOf(v) == heap.CellFrame {
		t.Fatal("root frame did not complete")
	}
	return v
}

func TestCluster_BalancedFib(t *testing.T) {
	c := newCluster(t, testConfig(4))
	defer c.Close()

	root(c, 0, fnFib, heap.FromNumber(15))
	for i := 0; i < 3; i++ {
		if _, err := c.PollOnce(); err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	}
	if c.Task(0).Scheduler().SparkCount() == 0 {
		t.Fatal("task 0 should have sparks to share")
	}
	if err := c.Balance(); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	if got := value(t, c, 0).Number(); got != 610 {
		t.Errorf("got fib(15) = %v, want 610", got)
	}
	stats := c.Balancer().LastStats()
	if stats == nil || stats.Moved == 0 {
		t.Fatalf("got %+v, want sparks moved", stats)
	}
	if got := c.Task(0).Stats().Exported; got == 0 || got > stats.Moved {
		t.Errorf("task 0 exported %d sparks, want between 1 and %d", got, stats.Moved)
	}
	busy := 0
	for _, tk := range c.Tasks()[1:] {
		if tk.Stats().Steps > 0 {
			busy++
		}
	}
	if busy != 3 {
		t.Errorf("got %d helper tasks stepping, want 3", busy)
	}

	if err := c.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := value(t, c, 0).Number(); got != 610 {
		t.Errorf("got %v after collection, want 610", got)
	}
}

func TestCluster_MigrationUnderCollection(t *testing.T) {
	cfg := testConfig(4)
	cfg.Heap.BlockSize = 8 * heap.CellSize
	c := newCluster(t, cfg)
	defer c.Close()

	root(c, 0, fnFib, heap.FromNumber(16))
	t0 := c.Task(0)
	done := func() bool {
		args := t0.Args()
		v := t0.Heap().Resolve(args[len(args)-1])
		return !v.IsRef() || t0.Heap().TypeOf(v) != heap.CellFrame
	}

	// Sparks are redistributed on every poll and a distributed cycle is
	// started whenever the last one ended, so frames hop between tasks
	// while their proxies are fetched, redirected and swept.
	for i := 0; !done(); i++ {
		if i == 50000 {
			t.Fatal("fib(16) did not finish")
		}
		if _, err := c.Balancer().BalanceNow(); err != nil {
			t.Fatalf("BalanceNow: %v", err)
		}
		if i%2 == 0 && c.Collector().Phase() == dgc.Idle {
			if err := c.Collector().Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
		}
		if _, err := c.PollOnce(); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if err := c.Pump(0); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if err := c.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if got := value(t, c, 0).Number(); got != 987 {
		t.Errorf("got fib(16) = %v, want 987", got)
	}
	if got := c.Collector().Cycles(); got < 2 {
		t.Errorf("got %d distributed cycles, want several", got)
	}
	moved := 0
	for _, tk := range c.Tasks() {
		moved += tk.Stats().Exported
		if err := tk.GAT().Check(); err != nil {
			t.Errorf("task %d: %v", tk.Tid(), err)
		}
	}
	if moved == 0 {
		t.Error("expected sparks to migrate")
	}
}

// Task 1 fetches a cons owned by task 0. The copy survives local
// collection while a root names it, and task 0's entry survives
// distributed collection until task 1 lets go of the proxy.
func TestCluster_FetchAndCollect(t *testing.T) {
	c := newCluster(t, testConfig(2))
	defer c.Close()
	a, b := c.Task(0), c.Task(1)

	cons := a.Heap().NewCons(heap.FromNumber(1), heap.FromNumber(2))
	a.SetArgs([]heap.Pntr{cons})
	addr := a.GAT().PhysicalAddress(cons)
	a.SetArgs(nil)

	proxy := b.Heap().NewRemoteRef(addr)
	b.GAT().AddTarget(addr, proxy)
	b.SetArgs([]heap.Pntr{proxy})

	if err := c.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if _, ok := a.GAT().Lookup(addr); !ok {
		t.Fatal("entry named by task 1 was swept")
	}

	root(c, 1, fnForce, b.Args()[0])
	if err := c.Pump(0); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	value(t, c, 1)
	b.Collect(heap.Minor)
	b.Collect(heap.Major)
	v := value(t, c, 1)
	o := b.Heap().Get(v)
	if o.Type != heap.CellCons || o.Field[0].Number() != 1 || o.Field[1].Number() != 2 {
		t.Fatalf("got %s %v, want (1 . 2)", o.Type, o.Field)
	}

	b.SetArgs(nil)
	b.Collect(heap.Major)
	if err := c.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if _, ok := a.GAT().Lookup(addr); ok {
		t.Error("entry survived after every reference was dropped")
	}
	if got := c.Collector().Cycles(); got != 2 {
		t.Errorf("got %d cycles, want 2", got)
	}
}

func TestCluster_EventLogsImport(t *testing.T) {
	cfg := testConfig(2)
	cfg.EventLog.Enabled = true
	cfg.EventLog.Dir = t.TempDir()
	c := newCluster(t, cfg)

	root(c, 0, fnFib, heap.FromNumber(8))
	c.PollOnce()
	if err := c.Balance(); err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if err := c.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := value(t, c, 0).Number(); got != 21 {
		t.Errorf("got fib(8) = %v, want 21", got)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := tracedb.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	run, err := db.ImportDir(ctx, cfg.EventLogDir())
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if run != tracedb.RunKey(c.Key()) {
		t.Errorf("got run %s, want %s", run, tracedb.RunKey(c.Key()))
	}
	lost, err := db.Unmatched(ctx, run)
	if err != nil {
		t.Fatalf("Unmatched: %v", err)
	}
	if len(lost) != 0 {
		t.Errorf("got %d sends never received: %v", len(lost), lost)
	}
}

func TestCluster_RunConcurrently(t *testing.T) {
	cfg := testConfig(3)
	cfg.Cluster.Fishing = true
	cfg.Collector.Interval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Balancer.Interval = config.Duration{Duration: 5 * time.Millisecond}
	c := newCluster(t, cfg)
	defer c.Close()
	root(c, 0, fnFib, heap.FromNumber(12))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for c.Collector().Cycles() < 2 || c.Balancer().Rounds() < 2 {
		if ctx.Err() != nil {
			t.Fatalf("got %d cycles and %d rounds before the deadline", c.Collector().Cycles(), c.Balancer().Rounds())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := value(t, c, 0).Number(); got != 144 {
		t.Errorf("got fib(12) = %v, want 144", got)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(0)
	if _, err := New(cfg, program()); err == nil {
		t.Error("expected an error for an empty group")
	}
}
