package services

import (
	"context"
	"sync"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
)

const MutationsModule = "MutationsService"

// MutationsService publishes every committed mutation as a stream, the
// feed external tools use to mirror state without a window pipe.
type MutationsService struct {
	owner     *store.Owner
	committed *rpc.Stream

	mu     sync.Mutex
	cancel func()
}

func NewMutationsService() *MutationsService {
	return &MutationsService{committed: rpc.NewStream()}
}

func (m *MutationsService) Name() string { return MutationsModule }

// Modules is empty: the service owns no state.
func (m *MutationsService) Modules() []store.Module { return nil }

func (m *MutationsService) Attach(rt Runtime) error {
	if rt.Owner == nil {
		return ErrNotAttached
	}
	m.mu.Lock()
	m.owner = rt.Owner
	// observers run on the owner actor; Emit never blocks on a subscriber
	m.cancel = rt.Owner.Observe(func(mut store.Mutation) {
		m.committed.Emit(jsonrpc.MutationRecord{ID: mut.ID, Type: mut.Type, Payload: mut.Payload})
	})
	m.mu.Unlock()
	return rt.Internal.RegisterSingleton(MutationsModule, m)
}

// Close stops observing the owner and ends every subscription.
func (m *MutationsService) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.committed.Close()
}

// Subscribers counts live mutationCommitted subscriptions.
func (m *MutationsService) Subscribers() int {
	return m.committed.Subscribers()
}

func (m *MutationsService) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		"mutationCommitted": func(context.Context, rpc.Args) (any, error) {
			return m.committed, nil
		},
		"lastMutationId": func(context.Context, rpc.Args) (any, error) {
			return m.owner.LastID(), nil
		},
		"getMutationsSince": func(ctx context.Context, args rpc.Args) (any, error) {
			var after uint64
			if err := args.Decode(0, &after); err != nil {
				return nil, err
			}
			ms, err := m.owner.MutationsSince(ctx, after)
			if err != nil {
				return nil, err
			}
			out := make([]jsonrpc.MutationRecord, 0, len(ms))
			for _, mut := range ms {
				out = append(out, jsonrpc.MutationRecord{ID: mut.ID, Type: mut.Type, Payload: mut.Payload})
			}
			return out, nil
		},
		"getSnapshot": func(ctx context.Context, _ rpc.Args) (any, error) {
			return m.owner.Snapshot(ctx)
		},
	}
}
