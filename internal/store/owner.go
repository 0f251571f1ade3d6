package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/panesync/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrOwnerStopped  = errors.New("store: owner stopped")
	ErrLinkExists    = errors.New("store: link already attached")
	ErrLinkNotFound  = errors.New("store: link not found")
	ErrLinkOverflow  = errors.New("store: link queue overflow")
	ErrLinkDetached  = errors.New("store: link detached")
	ErrLogTruncated  = errors.New("store: mutation log truncated")
	ErrEmptyMutation = errors.New("store: empty mutation type")
)

type originKey struct{}

// WithOrigin tags the commits made under ctx, so an observer can pick out
// the mutations one caller caused.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginOf returns the tag set by WithOrigin, or "".
func OriginOf(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}

// OwnerConfig bounds owner memory use.
type OwnerConfig struct {
	// LinkQueueSize is the per-follower backlog before the link is dropped.
	LinkQueueSize int
	// LogSize is how many recent mutations MutationsSince can serve.
	LogSize int
}

func DefaultOwnerConfig() OwnerConfig {
	return OwnerConfig{
		LinkQueueSize: 1024,
		LogSize:       4096,
	}
}

func (c OwnerConfig) WithDefaults() OwnerConfig {
	def := DefaultOwnerConfig()
	if c.LinkQueueSize <= 0 {
		c.LinkQueueSize = def.LinkQueueSize
	}
	if c.LogSize <= 0 {
		c.LogSize = def.LogSize
	}
	return c
}

// Message is one ordered item on a follower link: a mutation or a snapshot.
type Message struct {
	Mutation *Mutation
	Snapshot *Snapshot
}

// Link is the owner->follower fan-out queue for one window.
type Link struct {
	ID string

	c    chan Message
	once sync.Once
	err  error
}

// C yields messages in commit order. It is closed when the link ends.
func (l *Link) C() <-chan Message {
	return l.c
}

// Err reports why the link ended once C is closed.
func (l *Link) Err() error {
	return l.err
}

func (l *Link) push(msg Message) bool {
	select {
	case l.c <- msg:
		return true
	default:
		return false
	}
}

func (l *Link) close(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.c)
	})
}

// Owner is the single writer. One goroutine (Run) serializes commits,
// snapshots and link changes, so every follower sees one total order.
type Owner struct {
	store *Store
	cfg   OwnerConfig

	mailbox chan func()
	stopped chan struct{}
	running atomic.Bool

	// actor-only state
	lastID uint64
	log    []Mutation
	links  map[string]*Link

	lastIDView atomic.Uint64
}

func NewOwner(store *Store, cfg OwnerConfig) *Owner {
	return &Owner{
		store:   store,
		cfg:     cfg.WithDefaults(),
		mailbox: make(chan func()),
		stopped: make(chan struct{}),
		links:   make(map[string]*Link),
	}
}

// Store exposes the canonical tree for reads.
func (o *Owner) Store() *Store {
	return o.store
}

// LastID returns the most recently assigned mutation id.
func (o *Owner) LastID() uint64 {
	return o.lastIDView.Load()
}

// Observe registers an observer of committed mutations (the external-API
// mutation feed).
func (o *Owner) Observe(fn func(Mutation)) (cancel func()) {
	return o.store.Observe(fn)
}

// Run processes the mailbox until ctx ends. All links are closed on exit.
func (o *Owner) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("store: owner already running")
	}
	defer func() {
		for id, l := range o.links {
			l.close(ErrOwnerStopped)
			delete(o.links, id)
		}
		close(o.stopped)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-o.mailbox:
			fn()
		}
	}
}

func (o *Owner) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case o.mailbox <- wrapped:
	case <-o.stopped:
		return ErrOwnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Commit applies a locally originated mutation, stamps it with the next id
// and fans it out. Observers run before Commit returns.
func (o *Owner) Commit(ctx context.Context, mutationType string, payload any) (Mutation, error) {
	mutationType = strings.TrimSpace(mutationType)
	if mutationType == "" {
		return Mutation{}, ErrEmptyMutation
	}
	norm, err := Normalize(payload)
	if err != nil {
		return Mutation{}, err
	}
	var (
		out      Mutation
		applyErr error
	)
	origin := OriginOf(ctx)
	err = o.do(ctx, func() {
		m := Mutation{ID: o.lastID + 1, Type: mutationType, Payload: norm, Origin: origin}
		if applyErr = o.store.apply(m); applyErr != nil {
			return
		}
		o.lastID = m.ID
		o.lastIDView.Store(m.ID)
		o.appendLog(m)
		for id, l := range o.links {
			msg := m
			if !l.push(Message{Mutation: &msg}) {
				log.Warn().Msgf("store.Owner.Commit link overflow link_id=%q mutation_id=%d", id, m.ID)
				observability.RecordLinkOverflow()
				l.close(ErrLinkOverflow)
				delete(o.links, id)
			}
		}
		observability.RecordMutationCommitted(m.Type)
		o.store.notify(m)
		out = m
	})
	if err != nil {
		return Mutation{}, err
	}
	if applyErr != nil {
		return Mutation{}, applyErr
	}
	return out, nil
}

// Attach opens a follower link. The first message on the link is a snapshot
// so the follower can activate without a separate request.
func (o *Owner) Attach(ctx context.Context, linkID string) (*Link, error) {
	linkID = strings.TrimSpace(linkID)
	var (
		link      *Link
		attachErr error
	)
	err := o.do(ctx, func() {
		if _, ok := o.links[linkID]; ok {
			attachErr = fmt.Errorf("%w: %s", ErrLinkExists, linkID)
			return
		}
		link = &Link{ID: linkID, c: make(chan Message, o.cfg.LinkQueueSize)}
		snap := o.snapshotLocked()
		link.push(Message{Snapshot: &snap})
		o.links[linkID] = link
	})
	if err != nil {
		return nil, err
	}
	if attachErr != nil {
		return nil, attachErr
	}
	return link, nil
}

// Detach closes and forgets a link.
func (o *Owner) Detach(ctx context.Context, linkID string) error {
	return o.do(ctx, func() {
		if l, ok := o.links[linkID]; ok {
			l.close(ErrLinkDetached)
			delete(o.links, linkID)
		}
	})
}

// RequestSnapshot queues a fresh snapshot on the link, ordered after every
// mutation already queued there.
func (o *Owner) RequestSnapshot(ctx context.Context, linkID string) error {
	var reqErr error
	err := o.do(ctx, func() {
		l, ok := o.links[linkID]
		if !ok {
			reqErr = fmt.Errorf("%w: %s", ErrLinkNotFound, linkID)
			return
		}
		snap := o.snapshotLocked()
		if !l.push(Message{Snapshot: &snap}) {
			observability.RecordLinkOverflow()
			l.close(ErrLinkOverflow)
			delete(o.links, linkID)
			reqErr = ErrLinkOverflow
		}
	})
	if err != nil {
		return err
	}
	return reqErr
}

// Snapshot returns a consistent copy of the tree and its mutation id.
func (o *Owner) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.do(ctx, func() {
		snap = o.snapshotLocked()
	})
	return snap, err
}

// Links returns attached link ids.
func (o *Owner) Links(ctx context.Context) ([]string, error) {
	var out []string
	err := o.do(ctx, func() {
		out = make([]string, 0, len(o.links))
		for id := range o.links {
			out = append(out, id)
		}
	})
	return out, err
}

// MutationsSince returns logged mutations with id > after.
func (o *Owner) MutationsSince(ctx context.Context, after uint64) ([]Mutation, error) {
	var (
		out    []Mutation
		logErr error
	)
	err := o.do(ctx, func() {
		if after >= o.lastID {
			out = []Mutation{}
			return
		}
		if len(o.log) == 0 || o.log[0].ID > after+1 {
			logErr = fmt.Errorf("%w: need id %d", ErrLogTruncated, after+1)
			return
		}
		start := int(after + 1 - o.log[0].ID)
		out = make([]Mutation, len(o.log)-start)
		copy(out, o.log[start:])
	})
	if err != nil {
		return nil, err
	}
	return out, logErr
}

func (o *Owner) snapshotLocked() Snapshot {
	return Snapshot{LastID: o.lastID, State: o.store.State()}
}

func (o *Owner) appendLog(m Mutation) {
	o.log = append(o.log, m)
	// trim in batches so the copy is amortized
	if len(o.log) >= 2*o.cfg.LogSize {
		o.log = append(o.log[:0:0], o.log[len(o.log)-o.cfg.LogSize:]...)
	}
}
