package broker

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces deterministic envelopes so redeliveries are byte-identical.
var encMode cbor.EncMode

// decMode tolerates unknown keys from newer publishers.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Encode serializes a message envelope.
func Encode(message Message) ([]byte, error) {
	if err := validateTopic(message.Topic); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if message.ID == "" {
		return nil, fmt.Errorf("invalid message: id is required")
	}
	return encMode.Marshal(message)
}

// Decode parses a message envelope.
func Decode(data []byte) (Message, error) {
	var message Message
	if err := decMode.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := validateTopic(message.Topic); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	return message, nil
}
