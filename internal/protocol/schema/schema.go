// Package schema names the window pipe message types and checks payloads
// against each type's encoding and direction rules.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgRequest         uint32 = 1
	MsgResponse        uint32 = 2
	MsgMutation        uint32 = 3
	MsgSnapshot        uint32 = 4
	MsgSnapshotRequest uint32 = 5
)

// Encoding is the payload encoding of a message type.
type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingJSON
	EncodingCBOR
	EncodingCompressedCBOR
)

// Sender is the side of the pipe a frame originates from.
type Sender uint8

const (
	SenderOwner Sender = 1 << iota
	SenderWindow
)

func (s Sender) String() string {
	switch s {
	case SenderOwner:
		return "owner"
	case SenderWindow:
		return "window"
	}
	return fmt.Sprintf("sender(%d)", uint8(s))
}

// Rule describes one message type.
type Rule struct {
	Name     string
	Encoding Encoding
	From     Sender
}

type ValidationError struct {
	MessageType uint32
	Reason      string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
}

// Responses and events share MsgResponse; mutations and snapshots flow
// only from the owner.
var rules = map[uint32]Rule{
	MsgRequest:         {Name: "request", Encoding: EncodingJSON, From: SenderOwner | SenderWindow},
	MsgResponse:        {Name: "response", Encoding: EncodingJSON, From: SenderOwner | SenderWindow},
	MsgMutation:        {Name: "mutation", Encoding: EncodingCBOR, From: SenderOwner},
	MsgSnapshot:        {Name: "snapshot", Encoding: EncodingCompressedCBOR, From: SenderOwner},
	MsgSnapshotRequest: {Name: "snapshot_request", Encoding: EncodingNone, From: SenderWindow},
}

// Lookup returns the rule for messageType.
func Lookup(messageType uint32) (Rule, bool) {
	r, ok := rules[messageType]
	return r, ok
}

// Name returns a printable message type name.
func Name(messageType uint32) string {
	if r, ok := rules[messageType]; ok {
		return r.Name
	}
	return fmt.Sprintf("unknown(%d)", messageType)
}

// Validate enforces direction, emptiness and, for JSON types, syntax.
// Binary payloads are checked by their decoders.
func Validate(from Sender, messageType uint32, compressed bool, payload []byte) error {
	r, ok := rules[messageType]
	if !ok {
		log.Debug().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	if r.From&from == 0 {
		return ValidationError{MessageType: messageType, Reason: fmt.Sprintf("%s may not send %s", from, r.Name)}
	}
	switch r.Encoding {
	case EncodingNone:
		if len(payload) != 0 {
			return ValidationError{MessageType: messageType, Reason: "payload must be empty"}
		}
		return nil
	case EncodingCompressedCBOR:
		if !compressed {
			return ValidationError{MessageType: messageType, Reason: "compressed flag required"}
		}
	default:
		if compressed {
			return ValidationError{MessageType: messageType, Reason: "unexpected compressed flag"}
		}
	}
	if len(payload) == 0 {
		return ValidationError{MessageType: messageType, Reason: "empty payload"}
	}
	if r.Encoding == EncodingJSON && !json.Valid(payload) {
		return ValidationError{MessageType: messageType, Reason: "invalid json"}
	}
	return nil
}
