package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends events to one task's log. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	header Header
	w      *bufio.Writer
	closer io.Closer
	now    func() time.Time
	count  int
}

// NewWriter writes h to w and returns a writer for the events that follow.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	h.Version = Version
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(EncodeHeader(h)); err != nil {
		return nil, fmt.Errorf("eventlog: write header: %w", err)
	}
	lw := &Writer{header: h, w: bw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		lw.closer = c
	}
	return lw, nil
}

// FileName returns the conventional log file name for task tid.
func FileName(tid int32) string {
	return fmt.Sprintf("task-%03d.glog", tid)
}

// Create opens a new log for h.Tid in dir.
func Create(dir string, h Header) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, FileName(h.Tid)))
	if err != nil {
		return nil, fmt.Errorf("eventlog: %w", err)
	}
	w, err := NewWriter(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// SetClock replaces the timestamp source.
func (w *Writer) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// Header returns the header the log was opened with.
func (w *Writer) Header() Header {
	return w.header
}

// Log stamps e with the current time and the log's task id and appends it.
func (w *Writer) Log(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.Time = w.now().UnixNano()
	e.Tid = w.header.Tid
	if _, err := w.w.Write(EncodeEvent(e)); err != nil {
		return fmt.Errorf("eventlog: write event: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of events written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Flush writes buffered events through.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}

// Close flushes and closes the underlying file, if any.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
