// Package window runs the window process side of the window pipe.
//
// Ownership boundary:
// - owner connection, registration and reconnect backoff
// - local follower replica fed from the owner link
// - RPC client over the pipe
//
// Lifecycle order:
// - connect -> register -> snapshot -> active
//
// A window never originates mutations. Every write is an RPC call to the
// owner, and the resulting mutation comes back on the link.
package window
