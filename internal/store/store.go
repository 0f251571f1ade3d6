// Package store owns the replicated application state.
//
// Ownership boundary:
// - module tree and mutators
// - owner actor (single writer, mutation counter, follower fan-out)
// - follower replica state machine
//
// Exactly one Owner exists per application run. Every other process holds a
// Follower that applies the owner's mutations in id order and never
// originates mutations of its own.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateModule   = errors.New("store: duplicate module")
	ErrDuplicateMutation = errors.New("store: duplicate mutation type")
	ErrUnknownModule     = errors.New("store: unknown module")
	ErrUnknownMutation   = errors.New("store: unknown mutation type")
	ErrInvalidPayload    = errors.New("store: payload must encode to a JSON object")
	ErrNotOwner          = errors.New("store: only the owner may originate mutations")
)

// Mutation is one replicated state change.
type Mutation struct {
	ID      uint64         `cbor:"id" json:"id"`
	Type    string         `cbor:"type" json:"type"`
	Payload map[string]any `cbor:"payload" json:"payload"`

	// Replayed marks an application that arrived from the owner and must
	// not be forwarded anywhere.
	Replayed bool `cbor:"-" json:"-"`
	// Origin is the tag of the context the owner committed under. It never
	// leaves the owner process.
	Origin string `cbor:"-" json:"-"`
}

// Snapshot is a full copy of the owner tree at mutation LastID.
type Snapshot struct {
	LastID uint64         `cbor:"last_id" json:"lastId"`
	State  map[string]any `cbor:"state" json:"state"`
}

// Mutator changes one module sub-state in place.
type Mutator func(state map[string]any, payload map[string]any) error

// Module is a named sub-state owned by one domain service.
type Module struct {
	Name      string
	Initial   func() map[string]any
	Mutations map[string]Mutator
}

// Committer is implemented by anything domain services may commit through.
type Committer interface {
	Commit(ctx context.Context, mutationType string, payload any) (Mutation, error)
}

// Store holds the module tree. It is safe for concurrent readers; writes are
// serialized by the Owner actor or the Follower lock.
type Store struct {
	mu       sync.RWMutex
	modules  map[string]Module
	mutators map[string]boundMutator
	state    map[string]any

	observers *observerSet
}

type boundMutator struct {
	module string
	fn     Mutator
}

// New builds a store with each module at its initial state.
func New(modules ...Module) (*Store, error) {
	s := &Store{
		modules:   make(map[string]Module, len(modules)),
		mutators:  make(map[string]boundMutator),
		state:     make(map[string]any, len(modules)),
		observers: newObserverSet(),
	}
	for _, mod := range modules {
		name := strings.TrimSpace(mod.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty module name", ErrUnknownModule)
		}
		if _, ok := s.modules[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, name)
		}
		for typ, fn := range mod.Mutations {
			if prev, ok := s.mutators[typ]; ok {
				return nil, fmt.Errorf("%w: %s (modules %s and %s)", ErrDuplicateMutation, typ, prev.module, name)
			}
			s.mutators[typ] = boundMutator{module: name, fn: fn}
		}
		s.modules[name] = mod
		initial := map[string]any{}
		if mod.Initial != nil {
			var err error
			if initial, err = Normalize(mod.Initial()); err != nil {
				return nil, fmt.Errorf("store: module %s initial state: %w", name, err)
			}
		}
		s.state[name] = initial
	}
	return s, nil
}

// Modules returns module names in sorted order.
func (s *Store) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.modules))
	for name := range s.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns a deep copy of one module sub-state.
func (s *Store) Get(module string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.state[module].(map[string]any)
	if !ok {
		return nil, false
	}
	return deepCopyMap(sub), true
}

// State returns a deep copy of the whole tree.
func (s *Store) State() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.state)
}

// Observe registers fn for every applied mutation. Observers run on the
// applying goroutine and must not commit or block.
func (s *Store) Observe(fn func(Mutation)) (cancel func()) {
	return s.observers.add(fn)
}

// apply runs the mutator against a copy of the module and swaps it in only
// on success.
func (s *Store) apply(m Mutation) error {
	bound, ok := s.mutators[m.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, m.Type)
	}
	s.mu.Lock()
	sub, _ := s.state[bound.module].(map[string]any)
	next := deepCopyMap(sub)
	if next == nil {
		next = map[string]any{}
	}
	err := bound.fn(next, deepCopyMap(m.Payload))
	if err == nil {
		s.state[bound.module] = next
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: apply %s: %w", m.Type, err)
	}
	return nil
}

// replace swaps in a full tree; snapshots replace, never merge.
func (s *Store) replace(state map[string]any) {
	next := deepCopyMap(state)
	if next == nil {
		next = map[string]any{}
	}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Store) notify(m Mutation) {
	s.observers.each(m)
}

// Normalize converts a payload to its JSON object shape so owner and
// followers apply byte-identical values.
func Normalize(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	if m, ok := payload.(map[string]any); ok && isJSONShaped(m) {
		return deepCopyMap(m), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func isJSONShaped(v any) bool {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return true
	case map[string]any:
		for _, child := range t {
			if !isJSONShaped(child) {
				return false
			}
		}
		return true
	case []any:
		for _, child := range t {
			if !isJSONShaped(child) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return t
	}
}

type observerSet struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Mutation)
}

func newObserverSet() *observerSet {
	return &observerSet{fns: make(map[int]func(Mutation))}
}

func (o *observerSet) add(fn func(Mutation)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observerSet) each(m Mutation) {
	o.mu.RLock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Mutation), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}
