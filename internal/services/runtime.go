package services

import (
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
)

// DefaultServices registers the demo service set.
func DefaultServices() (*ServiceRegistry, error) {
	sr := NewServiceRegistry()
	for _, s := range []Service{NewScenesService(), NewMutationsService()} {
		if err := sr.Register(s); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// OwnerRuntime is the wired owner side: the canonical store, its actor and
// both registries. The external registry falls back to the internal one.
type OwnerRuntime struct {
	Services *ServiceRegistry
	Store    *store.Store
	Owner    *store.Owner
	Internal *rpc.Registry
	External *rpc.Registry
}

// NewOwnerRuntime builds the store from the service modules (seeded from
// initial where present) and attaches every service. The caller runs
// Owner.Run.
func NewOwnerRuntime(cfg store.OwnerConfig, initial map[string]any) (*OwnerRuntime, error) {
	sr, err := DefaultServices()
	if err != nil {
		return nil, err
	}
	st, err := store.New(sr.Modules(initial)...)
	if err != nil {
		return nil, err
	}
	rt := &OwnerRuntime{
		Services: sr,
		Store:    st,
		Owner:    store.NewOwner(st, cfg),
		Internal: rpc.NewRegistry(),
		External: rpc.NewRegistry(),
	}
	rt.External.SetFallback(rt.Internal)
	if err := sr.Attach(Runtime{Owner: rt.Owner, Internal: rt.Internal, External: rt.External}); err != nil {
		return nil, err
	}
	return rt, nil
}

// Close ends service-held subscriptions.
func (rt *OwnerRuntime) Close() {
	if s, ok := rt.Services.Get(MutationsModule); ok {
		s.(*MutationsService).Close()
	}
}

// NewWindowStore builds an empty replica with the same modules as the
// owner. Its contents come from the owner snapshot.
func NewWindowStore() (*store.Store, error) {
	sr, err := DefaultServices()
	if err != nil {
		return nil, err
	}
	return store.New(sr.Modules(nil)...)
}
