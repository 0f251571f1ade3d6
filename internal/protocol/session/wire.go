package session

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/panesync/internal/codec"
	"github.com/danmuck/panesync/internal/protocol/frame"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/protocol/schema"
	"github.com/danmuck/panesync/internal/store"
)

// RequestFrame encodes a JSON-RPC request.
func RequestFrame(messageID uint64, req jsonrpc.Request) (frame.Frame, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header:  frame.Header{MessageID: messageID, MessageType: schema.MsgRequest},
		Payload: payload,
	}, nil
}

// ResponseFrame encodes a response or event envelope.
func ResponseFrame(messageID uint64, resp jsonrpc.Response) (frame.Frame, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header:  frame.Header{MessageID: messageID, MessageType: schema.MsgResponse},
		Payload: payload,
	}, nil
}

// MutationFrame encodes one mutation as CBOR. The frame message id is the
// mutation id.
func MutationFrame(m store.Mutation) (frame.Frame, error) {
	payload, err := codec.Marshal(m)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header:  frame.Header{MessageID: m.ID, MessageType: schema.MsgMutation},
		Payload: payload,
	}, nil
}

// SnapshotFrame encodes a snapshot as zstd-compressed CBOR. The frame
// message id is the snapshot's LastID.
func SnapshotFrame(s store.Snapshot) (frame.Frame, error) {
	payload, err := codec.MarshalCompressed(s)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   s.LastID,
			MessageType: schema.MsgSnapshot,
			Flags:       frame.FlagCompressed,
		},
		Payload: payload,
	}, nil
}

// SnapshotRequestFrame asks the owner for a fresh snapshot.
func SnapshotRequestFrame(messageID uint64) frame.Frame {
	return frame.Frame{Header: frame.Header{MessageID: messageID, MessageType: schema.MsgSnapshotRequest}}
}

// CheckFrame validates f against the message type rules for sender.
func CheckFrame(from schema.Sender, f frame.Frame) error {
	compressed := f.Header.Flags&frame.FlagCompressed != 0
	return schema.Validate(from, f.Header.MessageType, compressed, f.Payload)
}

func DecodeRequest(f frame.Frame) (jsonrpc.Request, error) {
	if err := expectType(f, schema.MsgRequest); err != nil {
		return jsonrpc.Request{}, err
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return jsonrpc.Request{}, err
	}
	return req, nil
}

func DecodeResponse(f frame.Frame) (jsonrpc.Response, error) {
	if err := expectType(f, schema.MsgResponse); err != nil {
		return jsonrpc.Response{}, err
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		return jsonrpc.Response{}, err
	}
	return resp, nil
}

func DecodeMutation(f frame.Frame) (store.Mutation, error) {
	if err := expectType(f, schema.MsgMutation); err != nil {
		return store.Mutation{}, err
	}
	var m store.Mutation
	if err := codec.Unmarshal(f.Payload, &m); err != nil {
		return store.Mutation{}, err
	}
	if m.ID != f.Header.MessageID {
		return store.Mutation{}, fmt.Errorf("session: mutation id %d does not match frame id %d", m.ID, f.Header.MessageID)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return m, nil
}

func DecodeSnapshot(f frame.Frame) (store.Snapshot, error) {
	if err := expectType(f, schema.MsgSnapshot); err != nil {
		return store.Snapshot{}, err
	}
	var s store.Snapshot
	if err := codec.UnmarshalCompressed(f.Payload, &s); err != nil {
		return store.Snapshot{}, err
	}
	if s.State == nil {
		s.State = map[string]any{}
	}
	return s, nil
}

// MutationFromRecord converts a record that rode along with an RPC response.
func MutationFromRecord(r jsonrpc.MutationRecord) store.Mutation {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return store.Mutation{ID: r.ID, Type: r.Type, Payload: payload}
}

func expectType(f frame.Frame, want uint32) error {
	if f.Header.MessageType != want {
		return fmt.Errorf("session: expected %s frame, got %s", schema.Name(want), schema.Name(f.Header.MessageType))
	}
	return nil
}
