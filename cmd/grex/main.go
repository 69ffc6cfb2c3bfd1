// grex - in-process cluster simulator: boots a task group on the in-memory
// network, runs a parallel workload with load balancing and distributed
// collection, and reports what happened.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chazu/grex/cluster"
	"github.com/chazu/grex/config"
	"github.com/chazu/grex/eventlog/tracedb"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/logging"
	"github.com/chazu/grex/task"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search upward from for grex.toml")
	tasks := flag.Int("n", 0, "Number of tasks (overrides cluster.groupsize)")
	workloadName := flag.String("w", "fib", "Workload: fib, sum or range")
	arg := flag.Float64("arg", 20, "Workload argument")
	concurrent := flag.Bool("concurrent", false, "Run every participant on its own goroutine")
	duration := flag.Duration("duration", 2*time.Second, "How long a concurrent run lasts")
	events := flag.Bool("events", false, "Write per-task event logs")
	traceDB := flag.String("trace", "", "Import the event logs into this SQLite database")
	verbose := flag.Bool("v", false, "Verbose output")
	writeConfig := flag.Bool("write-config", false, "Print the effective configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: grex [options]\n\n")
		fmt.Fprintf(os.Stderr, "Simulates a grex cluster in one process.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  grex -n 8 -arg 22                 # fib(22) on 8 tasks\n")
		fmt.Fprintf(os.Stderr, "  grex -w sum -arg 100000           # sum of 0 .. 99999\n")
		fmt.Fprintf(os.Stderr, "  grex -events -trace run.db        # keep event logs and index them\n")
		fmt.Fprintf(os.Stderr, "  grex -concurrent -duration 5s     # one goroutine per participant\n")
	}
	flag.Parse()

	if *verbose {
		logging.Configure(logging.Info)
	} else {
		logging.Configure(logging.Notice)
	}

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fatal(err)
	}
	if *tasks > 0 {
		cfg.Cluster.GroupSize = *tasks
	}
	if *events || *traceDB != "" {
		cfg.EventLog.Enabled = true
	}
	cfg.Scheduler.ErrorEntry = fnError

	if *writeConfig {
		if err := cfg.Encode(os.Stdout); err != nil {
			fatal(err)
		}
		return
	}

	fno, args, err := entry(*workloadName, *arg)
	if err != nil {
		fatal(err)
	}

	c, err := cluster.New(cfg, workload())
	if err != nil {
		fatal(err)
	}
	start := time.Now()
	result, err := run(c, cfg, fno, args, *concurrent, *duration)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fatal(err)
	}
	report(c, result, time.Since(start))

	if *traceDB != "" {
		if err := index(cfg, *traceDB); err != nil {
			fatal(err)
		}
	}
}

func entry(name string, arg float64) (int, []heap.Pntr, error) {
	switch name {
	case "fib":
		return fnFib, []heap.Pntr{heap.FromNumber(arg)}, nil
	case "sum":
		return fnSum, []heap.Pntr{heap.FromNumber(0), heap.FromNumber(arg)}, nil
	case "range":
		return fnRange, []heap.Pntr{heap.FromNumber(arg)}, nil
	}
	return 0, nil, fmt.Errorf("unknown workload %q", name)
}

// run starts the workload on task 0 and drives the cluster until it
// completes, or for the given duration when concurrent.
func run(c *cluster.Cluster, cfg *config.Config, fno int, args []heap.Pntr, concurrent bool, duration time.Duration) (string, error) {
	t0 := c.Task(0)
	f := t0.Spawn(fno, args)
	t0.Scheduler().Run(f)
	t0.SetArgs([]heap.Pntr{f.Cell})

	if concurrent {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, duration)
		defer cancel()
		if err := c.Run(ctx); err != nil {
			return "", err
		}
	} else {
		// Let task 0 unfold some work, then alternate balancing rounds
		// with distributed collections until the root completes.
		for !done(t0) {
			for i := 0; i < 4 && !done(t0); i++ {
				if _, err := c.PollOnce(); err != nil {
					return "", err
				}
			}
			if cfg.Balancer.Enabled {
				if err := c.Balance(); err != nil {
					return "", err
				}
			} else if err := c.Pump(0); err != nil {
				return "", err
			}
			if cfg.Collector.Enabled {
				if err := c.Collect(); err != nil {
					return "", err
				}
			}
		}
	}
	if !done(t0) {
		return "", errors.New("workload did not finish")
	}
	return describe(t0, t0.Heap().Resolve(t0.Args()[0])), nil
}

func done(t *task.Task) bool {
	v := t.Heap().Resolve(t.Args()[0])
	return !v.IsRef() || t.Heap().TypeOf(v) != heap.CellFrame
}

func describe(t *task.Task, v heap.Pntr) string {
	switch {
	case v.IsNumber():
		return fmt.Sprintf("%g", v.Number())
	case v.IsRef() && t.Heap().TypeOf(v) == heap.CellAref:
		return fmt.Sprintf("error: %s", t.Heap().ArrayString(v))
	}
	return v.String()
}

func report(c *cluster.Cluster, result string, elapsed time.Duration) {
	fmt.Printf("result: %s (%s)\n", result, elapsed.Round(time.Microsecond))
	fmt.Printf("%-5s %8s %8s %8s %8s %8s %8s\n", "task", "steps", "sent", "recv", "export", "fetch", "gc")
	for _, t := range c.Tasks() {
		s := t.Stats()
		fmt.Printf("%-5d %8d %8d %8d %8d %8d %8d\n", t.Tid(), s.Steps, s.Sent, s.Received, s.Exported, s.Fetches, s.Collects)
	}
	if s := c.Collector().LastStats(); s != nil {
		fmt.Printf("distributed gc: %d cycles, last removed %d entries in %d mark rounds\n",
			c.Collector().Cycles(), s.Removed, s.MarkRounds)
	}
	if s := c.Balancer().LastStats(); s != nil {
		fmt.Printf("balancer: %d rounds, last moved %d sparks\n", c.Balancer().Rounds(), s.Moved)
	}
}

func index(cfg *config.Config, path string) error {
	db, err := tracedb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()
	run, err := db.ImportDir(ctx, cfg.EventLogDir())
	if err != nil {
		return err
	}
	counts, err := db.CountByKind(ctx, run)
	if err != nil {
		return err
	}
	fmt.Printf("trace %s:", run)
	for k, n := range counts {
		fmt.Printf(" %s=%d", k, n)
	}
	fmt.Println()
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
