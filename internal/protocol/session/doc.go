// Package session owns owner<->window pipe helpers.
//
// Ownership boundary:
// - window registration control messages
// - frame encode/decode for RPC envelopes, mutations and snapshots
// - reliability config, backoff and the per-connection outbox
//
// A session starts with one newline-delimited JSON registration and its
// ack, then switches to frames (see internal/protocol/frame).
package session
