package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MessageTag is the CBOR tag every encoded envelope carries ("grex" in
// ASCII). Input without it is not a grex message.
const MessageTag = 0x67726578

// Payloads are sorted canonically so equal messages encode to equal bytes.
var encOptions = cbor.EncOptions{
	Sort:          cbor.SortCanonical,
	ShortestFloat: cbor.ShortestFloat16,
	NaNConvert:    cbor.NaNConvert7e00,
	InfConvert:    cbor.InfConvertFloat16,
	IndefLength:   cbor.IndefLengthForbidden,
}

// Decoding is strict: a payload decoded as the wrong record fails instead
// of silently dropping fields.
var decOptions = cbor.DecOptions{
	DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	IndefLength:       cbor.IndefLengthForbidden,
	ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
}

var encMode, decMode = mustModes()

func modes() (cbor.EncMode, cbor.DecMode, error) {
	tags := cbor.NewTagSet()
	opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := tags.Add(opts, reflect.TypeOf(Message{}), MessageTag); err != nil {
		return nil, nil, err
	}
	em, err := encOptions.EncModeWithTags(tags)
	if err != nil {
		return nil, nil, err
	}
	dm, err := decOptions.DecModeWithTags(tags)
	if err != nil {
		return nil, nil, err
	}
	return em, dm, nil
}

func mustModes() (cbor.EncMode, cbor.DecMode) {
	em, dm, err := modes()
	if err != nil {
		panic(fmt.Sprintf("wire: codec options: %v", err))
	}
	return em, dm
}

// Marshal serializes a Message to tagged CBOR.
func Marshal(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal deserializes a Message, rejecting untagged input and unknown
// message tags.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: unmarshal message: %w", err)
	}
	if !m.Tag.Valid() {
		return nil, fmt.Errorf("wire: unmarshal message: unknown tag %d", m.Tag)
	}
	return &m, nil
}
