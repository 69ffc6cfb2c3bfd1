// Package eventlog writes and reads the per-task diagnostic log: a fixed
// header followed by fixed-size event records, in the order the task
// produced them. Logs from every task of a run share the header key and
// can be merged into one causal timeline.
package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chazu/grex/heap"
)

const (
	// Magic opens every log file.
	Magic uint32 = 0x47524558 // "GREX"
	// Version is the record layout written by this package.
	Version uint16 = 1

	HeaderLen = 30
	RecordLen = 34
)

var (
	ErrBadHeader  = errors.New("eventlog: bad header")
	ErrBadVersion = errors.New("eventlog: unsupported version")
	ErrShortEvent = errors.New("eventlog: truncated event record")
)

// Header identifies one task's log within a run.
type Header struct {
	Version   uint16
	Key       [16]byte
	Tid       int32
	GroupSize int32
}

// Kind is the type of a logged event.
type Kind uint8

const (
	TaskStart Kind = iota + 1
	TaskEnd
	Send
	Receive
	GlobalAdd
	GlobalRemove
	Collect
	EvalError
)

var kindNames = [...]string{
	TaskStart:    "task-start",
	TaskEnd:      "task-end",
	Send:         "send",
	Receive:      "receive",
	GlobalAdd:    "global-add",
	GlobalRemove: "global-remove",
	Collect:      "collect",
	EvalError:    "eval-error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is one log record. Tag is the wire tag for Send and Receive, the
// cycle kind for Collect. Peer is the other task of a message. Addr is the
// entry of a GAT event.
type Event struct {
	Time int64
	Tid  int32
	Kind Kind
	Tag  uint8
	Peer int32
	Seq  uint64
	Addr heap.Address
}

func (e Event) String() string {
	return fmt.Sprintf("%d task %d %s tag=%d peer=%d seq=%d addr=%v",
		e.Time, e.Tid, e.Kind, e.Tag, e.Peer, e.Seq, e.Addr)
}

// EncodeHeader packs h behind the magic number.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	copy(buf[6:22], h.Key[:])
	binary.BigEndian.PutUint32(buf[22:26], uint32(h.Tid))
	binary.BigEndian.PutUint32(buf[26:30], uint32(h.GroupSize))
	return buf
}

// DecodeHeader unpacks a header written by EncodeHeader.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrBadHeader
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return Header{}, ErrBadHeader
	}
	h := Header{
		Version:   binary.BigEndian.Uint16(b[4:6]),
		Tid:       int32(binary.BigEndian.Uint32(b[22:26])),
		GroupSize: int32(binary.BigEndian.Uint32(b[26:30])),
	}
	copy(h.Key[:], b[6:22])
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return h, nil
}

// EncodeEvent packs e into a fixed-size record.
func EncodeEvent(e Event) []byte {
	buf := make([]byte, RecordLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Time))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.Tid))
	buf[12] = byte(e.Kind)
	buf[13] = e.Tag
	binary.BigEndian.PutUint32(buf[14:18], uint32(e.Peer))
	binary.BigEndian.PutUint64(buf[18:26], e.Seq)
	binary.BigEndian.PutUint32(buf[26:30], uint32(e.Addr.Tid))
	binary.BigEndian.PutUint32(buf[30:34], uint32(e.Addr.Lid))
	return buf
}

// DecodeEvent unpacks a record written by EncodeEvent.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) < RecordLen {
		return Event{}, ErrShortEvent
	}
	return Event{
		Time: int64(binary.BigEndian.Uint64(b[0:8])),
		Tid:  int32(binary.BigEndian.Uint32(b[8:12])),
		Kind: Kind(b[12]),
		Tag:  b[13],
		Peer: int32(binary.BigEndian.Uint32(b[14:18])),
		Seq:  binary.BigEndian.Uint64(b[18:26]),
		Addr: heap.Address{
			Tid: int32(binary.BigEndian.Uint32(b[26:30])),
			Lid: int32(binary.BigEndian.Uint32(b[30:34])),
		},
	}, nil
}
