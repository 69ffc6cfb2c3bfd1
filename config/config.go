// Package config handles grex.toml cluster configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/grex/balancer"
	"github.com/chazu/grex/heap"
	"github.com/chazu/grex/task"
	"github.com/google/uuid"
)

// FileName is the configuration file Load reads.
const FileName = "grex.toml"

// Config represents a grex.toml cluster configuration.
type Config struct {
	Cluster   Cluster   `toml:"cluster"`
	Heap      Heap      `toml:"heap"`
	Scheduler Scheduler `toml:"scheduler"`
	Balancer  Balancer  `toml:"balancer"`
	Collector Collector `toml:"collector"`
	EventLog  EventLog  `toml:"eventlog"`

	// Dir is the directory containing grex.toml (set at load time).
	Dir string `toml:"-"`
}

// Cluster sizes the task group.
type Cluster struct {
	GroupSize int  `toml:"groupsize"`
	Fishing   bool `toml:"fishing"`
}

// Heap configures every task's allocator and collector.
type Heap struct {
	BlockSize         int     `toml:"block_size"`
	Alignment         int     `toml:"alignment"`
	MaxMarkDepth      int     `toml:"max_mark_depth"`
	SurvivalThreshold float64 `toml:"survival_threshold"`
	MaxMajorSkips     int     `toml:"max_major_skips"`
	CheckIntegrity    bool    `toml:"check_integrity"`
}

// Scheduler configures frame stepping.
type Scheduler struct {
	ErrorEntry    int `toml:"error_entry"`
	StepsPerSlice int `toml:"steps_per_slice"`
}

// Balancer configures the load balancer.
type Balancer struct {
	Enabled   bool     `toml:"enabled"`
	Interval  Duration `toml:"interval"`
	Tolerance int      `toml:"tolerance"`
}

// Collector configures distributed collection.
type Collector struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
}

// EventLog configures the per-task diagnostic logs.
type EventLog struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no grex.toml exists.
func Default() *Config {
	hc := heap.DefaultConfig()
	return &Config{
		Cluster: Cluster{GroupSize: 4},
		Heap: Heap{
			BlockSize:         hc.BlockSize,
			Alignment:         hc.Alignment,
			MaxMarkDepth:      hc.MaxMarkDepth,
			SurvivalThreshold: hc.SurvivalThreshold,
			MaxMajorSkips:     hc.MaxMajorSkips,
		},
		Scheduler: Scheduler{ErrorEntry: -1, StepsPerSlice: 64},
		Balancer:  Balancer{Enabled: true, Interval: Duration{balancer.DefaultInterval}},
		Collector: Collector{Enabled: true, Interval: Duration{time.Second}},
		EventLog:  EventLog{Dir: "events"},
	}
}

// Load parses grex.toml from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes a configuration document. Keys the document leaves out
// keep their defaults.
func Parse(doc string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(doc, c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a grex.toml file, then loads
// it. Returns Default() if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			c := Default()
			c.Dir, _ = filepath.Abs(startDir)
			return c, nil
		}
		dir = parent
	}
}

// Validate rejects settings no cluster can run with.
func (c *Config) Validate() error {
	switch {
	case c.Cluster.GroupSize < 1:
		return fmt.Errorf("cluster.groupsize must be at least 1, got %d", c.Cluster.GroupSize)
	case c.Heap.BlockSize < heap.CellSize:
		return fmt.Errorf("heap.block_size must be at least %d, got %d", heap.CellSize, c.Heap.BlockSize)
	case c.Heap.SurvivalThreshold < 0 || c.Heap.SurvivalThreshold > 1:
		return fmt.Errorf("heap.survival_threshold must be within [0, 1], got %g", c.Heap.SurvivalThreshold)
	case c.Scheduler.StepsPerSlice < 1:
		return fmt.Errorf("scheduler.steps_per_slice must be at least 1, got %d", c.Scheduler.StepsPerSlice)
	case c.Balancer.Tolerance < 0:
		return fmt.Errorf("balancer.tolerance must not be negative, got %d", c.Balancer.Tolerance)
	case c.Collector.Interval.Duration < 0:
		return fmt.Errorf("collector.interval must not be negative, got %s", c.Collector.Interval)
	}
	return nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// HeapConfig returns the allocator settings.
func (c *Config) HeapConfig() heap.Config {
	return heap.Config{
		BlockSize:         c.Heap.BlockSize,
		Alignment:         c.Heap.Alignment,
		MaxMarkDepth:      c.Heap.MaxMarkDepth,
		SurvivalThreshold: c.Heap.SurvivalThreshold,
		MaxMajorSkips:     c.Heap.MaxMajorSkips,
		CheckIntegrity:    c.Heap.CheckIntegrity,
	}
}

// TaskConfig returns the settings for task tid. The event log is left for
// the caller to open.
func (c *Config) TaskConfig(tid int32) task.Config {
	tc := task.DefaultConfig(tid, int32(c.Cluster.GroupSize))
	tc.Heap = c.HeapConfig()
	tc.ErrorEntry = c.Scheduler.ErrorEntry
	tc.StepsPerSlice = c.Scheduler.StepsPerSlice
	tc.Fishing = c.Cluster.Fishing
	tc.CheckIntegrity = c.Heap.CheckIntegrity
	return tc
}

// BalancerConfig returns the load balancer settings.
func (c *Config) BalancerConfig() balancer.Config {
	return balancer.Config{Interval: c.Balancer.Interval.Duration, Tolerance: c.Balancer.Tolerance}
}

// EventLogDir returns the event log directory, resolved against Dir.
func (c *Config) EventLogDir() string {
	if filepath.IsAbs(c.EventLog.Dir) || c.Dir == "" {
		return c.EventLog.Dir
	}
	return filepath.Join(c.Dir, c.EventLog.Dir)
}

// NewRunKey returns a fresh key identifying one run's event logs.
func NewRunKey() [16]byte {
	return uuid.New()
}
