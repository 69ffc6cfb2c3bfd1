// Package cluster runs a whole task group in one process: every task, the
// distributed collector and the load balancer, joined by an in-memory
// network. Pump drives it deterministically on the calling goroutine; Run
// gives each participant its own goroutine.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chazu/grex/balancer"
	"github.com/chazu/grex/config"
	"github.com/chazu/grex/dgc"
	"github.com/chazu/grex/eventlog"
	"github.com/chazu/grex/task"
	"github.com/chazu/grex/transport"
	"github.com/chazu/grex/wire"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("grex.cluster")

// ErrUnsettled is returned by Pump when the cluster is still busy after
// the round limit.
var ErrUnsettled = errors.New("cluster: did not settle")

// DefaultPumpRounds bounds a Pump.
const DefaultPumpRounds = 1 << 20

// Cluster is a running task group.
type Cluster struct {
	cfg       *config.Config
	key       [16]byte
	net       *transport.Network
	endpoints []transport.Endpoint
	tasks     []*task.Task
	logs      []*eventlog.Writer
	collector *dgc.Coordinator
	balancer  *balancer.Balancer
}

// New boots cfg.Cluster.GroupSize tasks running stepper. When the event
// log is enabled each task writes one under cfg.EventLogDir().
func New(cfg *config.Config, stepper task.Stepper) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	n := int32(cfg.Cluster.GroupSize)
	c := &Cluster{
		cfg: cfg,
		key: config.NewRunKey(),
		net: transport.NewNetwork(),
	}
	if cfg.EventLog.Enabled {
		if err := os.MkdirAll(cfg.EventLogDir(), 0755); err != nil {
			return nil, fmt.Errorf("cluster: %w", err)
		}
	}

	for tid := int32(0); tid < n; tid++ {
		ep, err := c.endpoint(tid)
		if err != nil {
			c.Close()
			return nil, err
		}
		tc := cfg.TaskConfig(tid)
		if cfg.EventLog.Enabled {
			w, err := eventlog.Create(cfg.EventLogDir(), eventlog.Header{Key: c.key, Tid: tid, GroupSize: n})
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("cluster: %w", err)
			}
			c.logs = append(c.logs, w)
			tc.Events = w
		}
		c.tasks = append(c.tasks, task.New(tc, ep, stepper))
	}

	ep, err := c.endpoint(wire.CollectorID)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.collector = dgc.New(ep, n)

	ep, err = c.endpoint(wire.BalancerID)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.balancer = balancer.New(ep, n, cfg.BalancerConfig())

	log.Infof("booted %d tasks, run %s", n, uuid.UUID(c.key))
	return c, nil
}

func (c *Cluster) endpoint(id int32) (transport.Endpoint, error) {
	ep, err := c.net.Endpoint(id)
	if err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	c.endpoints = append(c.endpoints, ep)
	return ep, nil
}

// Key returns the run key shared by every task's event log.
func (c *Cluster) Key() [16]byte {
	return c.key
}

// Network returns the fabric joining the participants.
func (c *Cluster) Network() *transport.Network {
	return c.net
}

// Tasks returns the tasks, indexed by task id.
func (c *Cluster) Tasks() []*task.Task {
	return c.tasks
}

// Task returns task tid.
func (c *Cluster) Task(tid int32) *task.Task {
	return c.tasks[tid]
}

// Collector returns the distributed collection coordinator.
func (c *Cluster) Collector() *dgc.Coordinator {
	return c.collector
}

// Balancer returns the load balancer.
func (c *Cluster) Balancer() *balancer.Balancer {
	return c.balancer
}

// Pump polls every participant in turn until a full round neither makes
// progress nor sends a message. maxRounds <= 0 means DefaultPumpRounds.
func (c *Cluster) Pump(maxRounds int) error {
	if maxRounds <= 0 {
		maxRounds = DefaultPumpRounds
	}
	for round := 0; round < maxRounds; round++ {
		before := c.net.Sent()
		progress, err := c.PollOnce()
		if err != nil {
			return err
		}
		if !progress && c.net.Sent() == before {
			return nil
		}
	}
	return ErrUnsettled
}

// PollOnce polls the collector, the balancer and then every task once.
func (c *Cluster) PollOnce() (bool, error) {
	progress, err := c.collector.Poll()
	if err != nil {
		return progress, fmt.Errorf("cluster: collector: %w", err)
	}
	p, err := c.balancer.Poll()
	if err != nil {
		return progress, fmt.Errorf("cluster: balancer: %w", err)
	}
	progress = progress || p
	for _, t := range c.tasks {
		p, err := t.Poll()
		if err != nil {
			return progress, fmt.Errorf("cluster: task %d: %w", t.Tid(), err)
		}
		progress = progress || p
	}
	return progress, nil
}

// Collect runs one distributed collection cycle to completion.
func (c *Cluster) Collect() error {
	if err := c.collector.Start(); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := c.Pump(0); err != nil {
		return err
	}
	if c.collector.Phase() != dgc.Idle {
		return fmt.Errorf("cluster: collection stuck while %s", c.collector.Phase())
	}
	return nil
}

// Balance runs one balancing round and lets the transfers complete.
func (c *Cluster) Balance() error {
	if _, err := c.balancer.BalanceNow(); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	return c.Pump(0)
}

// Run starts every participant on its own goroutine and waits until ctx
// ends or one of them fails. The collector and balancer only run when
// enabled in the configuration.
func (c *Cluster) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range c.tasks {
		g.Go(func() error {
			if err := t.Run(ctx); err != nil {
				return fmt.Errorf("task %d: %w", t.Tid(), err)
			}
			return nil
		})
	}
	if c.cfg.Collector.Enabled {
		g.Go(func() error {
			return c.collector.Run(ctx, c.cfg.Collector.Interval.Duration)
		})
	}
	if c.cfg.Balancer.Enabled {
		g.Go(func() error {
			return c.balancer.Run(ctx)
		})
	}
	return g.Wait()
}

// Close ends every task's event log and closes the endpoints.
func (c *Cluster) Close() error {
	var errs []error
	for _, t := range c.tasks {
		errs = append(errs, t.Close())
	}
	for _, w := range c.logs {
		errs = append(errs, w.Close())
	}
	for _, ep := range c.endpoints {
		errs = append(errs, ep.Close())
	}
	return errors.Join(errs...)
}
