package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/panesync/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrMutationGap  = errors.New("store: mutation gap")
	ErrPhaseOrder   = errors.New("store: invalid follower phase transition")
	ErrNotStarted   = errors.New("store: follower not started")
	ErrBufferFull   = errors.New("store: follower buffer full")
	ErrNilSnapshot  = errors.New("store: nil snapshot state")
	ErrSnapshotBack = errors.New("store: snapshot older than applied state")
)

// Phase is the follower replication state.
type Phase string

const (
	PhaseUninitialized    Phase = "uninitialized"
	PhaseAwaitingSnapshot Phase = "awaiting_snapshot"
	PhaseActive           Phase = "active"
)

// FollowerConfig bounds buffering while a snapshot is pending.
type FollowerConfig struct {
	MaxBuffered int
}

func DefaultFollowerConfig() FollowerConfig {
	return FollowerConfig{MaxBuffered: 1024}
}

// FollowerStatus is a point-in-time view of replication progress.
type FollowerStatus struct {
	Phase    Phase
	LastID   uint64
	Buffered int
	Dropped  int
	Resyncs  int
}

// Follower is a read replica. It applies owner mutations strictly in id
// order and refuses to originate any.
type Follower struct {
	mu    sync.Mutex
	store *Store
	cfg   FollowerConfig

	// notifyMu orders observer callbacks. It is taken before mu is released
	// so callbacks run in apply order but outside mu.
	notifyMu sync.Mutex
	pending  []Mutation

	phase   Phase
	lastID  uint64
	buffer  []Mutation
	dropped int
	resyncs int

	activeCh chan struct{}
	advanced chan struct{}
}

func NewFollower(store *Store, cfg FollowerConfig) *Follower {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultFollowerConfig().MaxBuffered
	}
	return &Follower{
		store:    store,
		cfg:      cfg,
		phase:    PhaseUninitialized,
		activeCh: make(chan struct{}),
		advanced: make(chan struct{}),
	}
}

// Store exposes the replica tree for reads.
func (f *Follower) Store() *Store {
	return f.store
}

// Observe registers fn for every replayed mutation applied locally. fn may
// read Status or Phase but must not apply mutations or load snapshots.
func (f *Follower) Observe(fn func(Mutation)) (cancel func()) {
	return f.store.Observe(fn)
}

// Start moves an uninitialized follower to AWAITING_SNAPSHOT.
func (f *Follower) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != PhaseUninitialized {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseOrder, f.phase, PhaseAwaitingSnapshot)
	}
	f.phase = PhaseAwaitingSnapshot
	return nil
}

// Commit always fails: windows route writes through RPC to the owner.
func (f *Follower) Commit(context.Context, string, any) (Mutation, error) {
	return Mutation{}, ErrNotOwner
}

// Status reports phase and counters.
func (f *Follower) Status() FollowerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FollowerStatus{
		Phase:    f.phase,
		LastID:   f.lastID,
		Buffered: len(f.buffer),
		Dropped:  f.dropped,
		Resyncs:  f.resyncs,
	}
}

// Phase returns the current replication phase.
func (f *Follower) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Ready blocks until the follower is ACTIVE at least once.
func (f *Follower) Ready(ctx context.Context) error {
	select {
	case <-f.activeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply handles one broadcast mutation.
//
// AWAITING_SNAPSHOT: buffered up to MaxBuffered, dropped beyond.
// ACTIVE: ids <= last are duplicates and skipped, last+1 is applied, anything
// else is a gap: the follower returns to AWAITING_SNAPSHOT and the caller
// must request a fresh snapshot.
func (f *Follower) Apply(m Mutation) error {
	f.mu.Lock()
	defer f.unlockAndNotify()
	switch f.phase {
	case PhaseUninitialized:
		return ErrNotStarted
	case PhaseAwaitingSnapshot:
		if len(f.buffer) >= f.cfg.MaxBuffered {
			f.dropped++
			return nil
		}
		f.buffer = append(f.buffer, m)
		return nil
	}
	return f.applyLocked(m)
}

// ApplyBatch applies records that rode along with an RPC response. Only
// the run that directly follows the replica is applied; records ahead of it
// are still in flight on the link and are left for Apply, so a batch never
// causes a gap resync.
func (f *Follower) ApplyBatch(ms []Mutation) error {
	f.mu.Lock()
	defer f.unlockAndNotify()
	if f.phase != PhaseActive {
		return nil
	}
	for _, m := range ms {
		if m.ID <= f.lastID {
			continue
		}
		if m.ID != f.lastID+1 {
			return nil
		}
		if err := f.applyLocked(m); err != nil {
			return err
		}
	}
	return nil
}

// WaitApplied blocks until the replica is ACTIVE at or past id.
func (f *Follower) WaitApplied(ctx context.Context, id uint64) error {
	for {
		f.mu.Lock()
		if f.phase == PhaseActive && f.lastID >= id {
			f.mu.Unlock()
			return nil
		}
		ch := f.advanced
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Resync drops an ACTIVE replica back to AWAITING_SNAPSHOT. The next
// snapshot replaces state whatever its id. Used when a new owner session
// starts, since the owner timeline may have restarted.
func (f *Follower) Resync(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != PhaseActive {
		return
	}
	f.resyncLocked(reason)
}

// unlockAndNotify releases mu and then runs observers for the mutations
// applied while it was held.
func (f *Follower) unlockAndNotify() {
	applied := f.pending
	f.pending = nil
	if len(applied) == 0 {
		f.mu.Unlock()
		return
	}
	f.notifyMu.Lock()
	f.mu.Unlock()
	defer f.notifyMu.Unlock()
	for _, m := range applied {
		f.store.notify(m)
	}
}

func (f *Follower) signalLocked() {
	close(f.advanced)
	f.advanced = make(chan struct{})
}

func (f *Follower) applyLocked(m Mutation) error {
	if m.ID <= f.lastID {
		return nil
	}
	if m.ID != f.lastID+1 {
		expected := f.lastID + 1
		f.resyncLocked("gap")
		return fmt.Errorf("%w: expected id %d got %d", ErrMutationGap, expected, m.ID)
	}
	m.Replayed = true
	if err := f.store.apply(m); err != nil {
		// the replica no longer matches the owner's timeline
		f.resyncLocked("apply")
		return err
	}
	f.lastID = m.ID
	f.signalLocked()
	f.pending = append(f.pending, m)
	return nil
}

// LoadSnapshot replaces the whole replica, replays buffered mutations newer
// than the snapshot and activates the follower. An ACTIVE follower refuses a
// snapshot behind its applied id; callers that expect a new timeline call
// Resync first.
func (f *Follower) LoadSnapshot(snap Snapshot) error {
	if snap.State == nil {
		return ErrNilSnapshot
	}
	f.mu.Lock()
	defer f.unlockAndNotify()
	if f.phase == PhaseUninitialized {
		return ErrNotStarted
	}
	if f.phase == PhaseActive && snap.LastID < f.lastID {
		return fmt.Errorf("%w: snapshot=%d applied=%d", ErrSnapshotBack, snap.LastID, f.lastID)
	}
	f.store.replace(snap.State)
	f.lastID = snap.LastID
	f.phase = PhaseActive
	f.signalLocked()

	buffered := f.buffer
	f.buffer = nil
	for _, m := range buffered {
		if err := f.applyLocked(m); err != nil {
			log.Warn().Msgf("store.Follower.LoadSnapshot buffered replay err=%v", err)
			return err
		}
	}
	select {
	case <-f.activeCh:
	default:
		close(f.activeCh)
	}
	return nil
}

func (f *Follower) resyncLocked(reason string) {
	f.phase = PhaseAwaitingSnapshot
	f.buffer = nil
	f.resyncs++
	observability.RecordFollowerResync(reason)
}
