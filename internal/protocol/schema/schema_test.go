package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/panesync/internal/testutil/testlog"
)

func TestValidateAcceptsWellFormedPayloads(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		from       Sender
		msg        uint32
		compressed bool
		payload    []byte
	}{
		{SenderWindow, MsgRequest, false, []byte(`{"id":"1"}`)},
		{SenderOwner, MsgRequest, false, []byte(`{"id":"1"}`)},
		{SenderOwner, MsgResponse, false, []byte(`{"id":"1","result":true}`)},
		{SenderOwner, MsgMutation, false, []byte{0xa1, 0x61, 0x61, 0x01}},
		{SenderOwner, MsgSnapshot, true, []byte{0x28, 0xb5, 0x2f, 0xfd}},
		{SenderWindow, MsgSnapshotRequest, false, nil},
	}
	for _, tc := range cases {
		if err := Validate(tc.from, tc.msg, tc.compressed, tc.payload); err != nil {
			t.Fatalf("%s from %s: %v", Name(tc.msg), tc.from, err)
		}
	}
}

func TestValidateRejectsDeterministically(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name       string
		from       Sender
		msg        uint32
		compressed bool
		payload    []byte
		reason     string
	}{
		{"unknown", SenderOwner, 99, false, nil, "unknown message_type"},
		{"window mutation", SenderWindow, MsgMutation, false, []byte{1}, "window may not send mutation"},
		{"owner snapshot request", SenderOwner, MsgSnapshotRequest, false, nil, "owner may not send snapshot_request"},
		{"snapshot request body", SenderWindow, MsgSnapshotRequest, false, []byte{1}, "payload must be empty"},
		{"uncompressed snapshot", SenderOwner, MsgSnapshot, false, []byte{1}, "compressed flag required"},
		{"compressed request", SenderWindow, MsgRequest, true, []byte(`{}`), "unexpected compressed flag"},
		{"empty request", SenderWindow, MsgRequest, false, nil, "empty payload"},
		{"bad json", SenderWindow, MsgRequest, false, []byte(`{"id":`), "invalid json"},
	}
	for _, tc := range cases {
		err := Validate(tc.from, tc.msg, tc.compressed, tc.payload)
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if ve.Reason != tc.reason || ve.MessageType != tc.msg {
			t.Fatalf("%s: unexpected validation error: %+v", tc.name, ve)
		}
	}
}

func TestNameUnknown(t *testing.T) {
	testlog.Start(t)
	if got := Name(MsgSnapshot); got != "snapshot" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := Name(42); got != "unknown(42)" {
		t.Fatalf("unexpected name %q", got)
	}
}
