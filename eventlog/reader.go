package eventlog

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Reader reads one task's log.
type Reader struct {
	Header Header
	r      *bufio.Reader
}

// NewReader reads and validates the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return nil, err
	}
	return &Reader{Header: h, r: br}, nil
}

// Next returns the next event, or io.EOF at the end of the log.
func (r *Reader) Next() (Event, error) {
	var buf [RecordLen]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, ErrShortEvent
		}
		return Event{}, err
	}
	return DecodeEvent(buf[:])
}

// ReadAll returns every remaining event.
func (r *Reader) ReadAll() ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

type cursor struct {
	r    *Reader
	head Event
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	a, b := h[i].head, h[j].head
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	return a.Tid < b.Tid
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// Merge interleaves the logs of one run into a single timeline ordered by
// timestamp, ties broken by task id. Every log must carry the same key.
func Merge(readers ...*Reader) ([]Event, error) {
	if len(readers) == 0 {
		return nil, nil
	}
	key := readers[0].Header.Key
	h := make(cursorHeap, 0, len(readers))
	for _, r := range readers {
		if r.Header.Key != key {
			return nil, fmt.Errorf("eventlog: task %d log belongs to another run", r.Header.Tid)
		}
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			return nil, err
		}
		h = append(h, &cursor{r: r, head: e})
	}
	heap.Init(&h)

	var out []Event
	for h.Len() > 0 {
		c := h[0]
		out = append(out, c.head)
		e, err := c.r.Next()
		switch {
		case errors.Is(err, io.EOF):
			heap.Pop(&h)
		case err != nil:
			return out, err
		default:
			c.head = e
			heap.Fix(&h, 0)
		}
	}
	return out, nil
}

// MergeDir merges every log file in dir.
func MergeDir(dir string) (Header, []Event, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "task-*.glog"))
	if err != nil {
		return Header{}, nil, fmt.Errorf("eventlog: %w", err)
	}
	if len(paths) == 0 {
		return Header{}, nil, fmt.Errorf("eventlog: no logs in %s", dir)
	}
	sort.Strings(paths)

	readers := make([]*Reader, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return Header{}, nil, fmt.Errorf("eventlog: %w", err)
		}
		defer f.Close()
		r, err := NewReader(f)
		if err != nil {
			return Header{}, nil, fmt.Errorf("eventlog: %s: %w", p, err)
		}
		readers = append(readers, r)
	}
	events, err := Merge(readers...)
	return readers[0].Header, events, err
}
