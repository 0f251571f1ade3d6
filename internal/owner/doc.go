// Package owner runs the owner process side of the window pipe.
//
// Ownership boundary:
// - owner lifecycle and connected window registry
// - window session accept loop and handshake
// - per-window link pump, dispatcher and writer
//
// The owner does not define domain semantics. It serves whatever registry
// it is given and replicates whatever the store.Owner commits.
package owner
