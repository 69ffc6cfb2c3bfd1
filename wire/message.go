// Package wire defines the messages tasks, the distributed collector and
// the load balancer exchange, and their CBOR encoding. Every message is an
// envelope identified by a tag and carrying one fixed payload record.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Tag identifies a message's payload layout.
type Tag uint8

const (
	TagFish Tag = iota + 1
	TagNoWork
	TagFetch
	TagRespond
	TagSchedule
	TagUpdateRef
	TagAck
	TagMarkRoots
	TagMarkEntry
	TagMarkQuery
	TagMarkCount
	TagSweep
	TagSweepAck
	TagPause
	TagGotPause
	TagPauseAck
	TagResume
	TagCountSparks
	TagSparksCount
	TagDistribute
)

var tagNames = [...]string{
	TagFish:        "FISH",
	TagNoWork:      "NOWORK",
	TagFetch:       "FETCH",
	TagRespond:     "RESPOND",
	TagSchedule:    "SCHEDULE",
	TagUpdateRef:   "UPDATEREF",
	TagAck:         "ACK",
	TagMarkRoots:   "MARKROOTS",
	TagMarkEntry:   "MARKENTRY",
	TagMarkQuery:   "MARKQUERY",
	TagMarkCount:   "MARKCOUNT",
	TagSweep:       "SWEEP",
	TagSweepAck:    "SWEEPACK",
	TagPause:       "PAUSE",
	TagGotPause:    "GOTPAUSE",
	TagPauseAck:    "PAUSEACK",
	TagResume:      "RESUME",
	TagCountSparks: "COUNT_SPARKS",
	TagSparksCount: "SPARKS_COUNT",
	TagDistribute:  "DISTRIBUTE",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) && tagNames[t] != "" {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	return t >= TagFish && t <= TagDistribute
}

// Participant ids outside the task range 0..groupsize-1.
const (
	CollectorID int32 = -1
	BalancerID  int32 = -2
)

// Message is the envelope every payload travels in. Seq is assigned by the
// sender and echoed by ACK.
type Message struct {
	Tag     Tag             `cbor:"1,keyasint"`
	From    int32           `cbor:"2,keyasint"`
	To      int32           `cbor:"3,keyasint"`
	Seq     uint64          `cbor:"4,keyasint,omitempty"`
	Payload cbor.RawMessage `cbor:"5,keyasint,omitempty"`
}

// NewMessage builds a message carrying payload, which may be nil for tags
// without one.
func NewMessage(tag Tag, from, to int32, payload any) (*Message, error) {
	m := &Message{Tag: tag, From: from, To: to}
	if payload != nil {
		data, err := encMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode %s payload: %w", tag, err)
		}
		m.Payload = data
	}
	return m, nil
}

// Decode unpacks the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("wire: %s from %d has no payload", m.Tag, m.From)
	}
	if err := decMode.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", m.Tag, err)
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %d->%d #%d", m.Tag, m.From, m.To, m.Seq)
}
