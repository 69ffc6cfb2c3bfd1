package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[cluster]
groupsize = 8
fishing = true

[heap]
block_size = 4096
check_integrity = true

[scheduler]
error_entry = 0
steps_per_slice = 16

[balancer]
interval = "250ms"
tolerance = 2

[collector]
enabled = false

[eventlog]
enabled = true
dir = "logs"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Cluster.GroupSize != 8 || !c.Cluster.Fishing {
		t.Errorf("cluster = %+v, want 8 tasks fishing", c.Cluster)
	}
	if c.Heap.BlockSize != 4096 || !c.Heap.CheckIntegrity {
		t.Errorf("heap = %+v, want 4096 byte blocks with checks", c.Heap)
	}
	if c.Heap.Alignment != 8 {
		t.Errorf("heap alignment = %d, want the default 8", c.Heap.Alignment)
	}
	if c.Scheduler.ErrorEntry != 0 || c.Scheduler.StepsPerSlice != 16 {
		t.Errorf("scheduler = %+v, want entry 0 and 16 steps", c.Scheduler)
	}
	if c.Balancer.Interval.Duration != 250*time.Millisecond || c.Balancer.Tolerance != 2 {
		t.Errorf("balancer = %+v, want 250ms and tolerance 2", c.Balancer)
	}
	if !c.Balancer.Enabled {
		t.Error("balancer enabled = false, want the default true")
	}
	if c.Collector.Enabled {
		t.Error("collector enabled = true, want false")
	}
	if got := c.EventLogDir(); got != filepath.Join(c.Dir, "logs") {
		t.Errorf("event log dir = %q, want logs under %s", got, c.Dir)
	}

	tc := c.TaskConfig(3)
	if tc.Tid != 3 || tc.GroupSize != 8 || tc.ErrorEntry != 0 || !tc.Fishing || tc.Heap.BlockSize != 4096 {
		t.Errorf("task config = %+v", tc)
	}
	if bc := c.BalancerConfig(); bc.Interval != 250*time.Millisecond || bc.Tolerance != 2 {
		t.Errorf("balancer config = %+v", bc)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[cluster]\ngroupsize = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	d := Default()
	if c.Scheduler.ErrorEntry != -1 {
		t.Errorf("error entry = %d, want -1", c.Scheduler.ErrorEntry)
	}
	if c.Heap != d.Heap || c.Balancer != d.Balancer || c.Collector != d.Collector {
		t.Errorf("got %+v, want defaults outside [cluster]", c)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"syntax", "[cluster", ""},
		{"unknown key", "[cluster]\nsize = 3\n", "unknown key cluster.size"},
		{"bad duration", "[balancer]\ninterval = \"soon\"\n", "invalid duration"},
		{"empty group", "[cluster]\ngroupsize = 0\n", "cluster.groupsize"},
		{"tiny block", "[heap]\nblock_size = 8\n", "heap.block_size"},
		{"negative tolerance", "[balancer]\ntolerance = -1\n", "balancer.tolerance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[cluster]\ngroupsize = 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Cluster.GroupSize != 3 {
		t.Errorf("groupsize = %d, want 3", c.Cluster.GroupSize)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestFindAndLoadNoFile(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Cluster.GroupSize != Default().Cluster.GroupSize {
		t.Errorf("groupsize = %d, want the default", c.Cluster.GroupSize)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c := Default()
	c.Balancer.Interval = Duration{3 * time.Second}
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(buf.String(), `interval = "3s"`) {
		t.Errorf("encoded config lacks the balancer interval:\n%s", buf.String())
	}
	back, err := Parse(buf.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if back.Balancer != c.Balancer || back.Heap != c.Heap {
		t.Errorf("got %+v, want %+v", back, c)
	}
}

func TestNewRunKey(t *testing.T) {
	a, b := NewRunKey(), NewRunKey()
	if a == b {
		t.Error("run keys should differ")
	}
	if a == [16]byte{} {
		t.Error("run key is zero")
	}
}
