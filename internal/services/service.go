// Package services holds the demo domain services published over the
// coordination layer.
//
// Ownership boundary:
// - store modules and their mutators
// - internal resources (owner registry)
// - public resources (external registry, falling back to internal)
//
// Services read canonical state from the store and change it only through
// owner commits.
package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
)

var (
	ErrDuplicateService = errors.New("services: duplicate service")
	ErrEmptyServiceName = errors.New("services: empty service name")
)

// Runtime is what a service is attached to on the owner.
type Runtime struct {
	Owner    *store.Owner
	Internal *rpc.Registry
	External *rpc.Registry
}

// Service is a stateful domain service. Modules are contributed to every
// store (owner and windows); Attach runs on the owner only.
type Service interface {
	Name() string
	Modules() []store.Module
	Attach(rt Runtime) error
}

// ServiceRegistry stores services by name in registration order.
type ServiceRegistry struct {
	mu    sync.RWMutex
	repo  map[string]Service
	order []string
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{repo: make(map[string]Service)}
}

// Register adds a service. Names are unique.
func (sr *ServiceRegistry) Register(s Service) error {
	name := strings.TrimSpace(s.Name())
	if name == "" {
		return ErrEmptyServiceName
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, ok := sr.repo[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	sr.repo[name] = s
	sr.order = append(sr.order, name)
	return nil
}

// Get returns a service by name.
func (sr *ServiceRegistry) Get(name string) (Service, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	s, ok := sr.repo[name]
	return s, ok
}

// Names returns registered service names sorted.
func (sr *ServiceRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := append([]string(nil), sr.order...)
	sort.Strings(out)
	return out
}

// Modules collects every service's store modules. When initial holds a
// sub-state for a module it replaces that module's default initial state.
func (sr *ServiceRegistry) Modules(initial map[string]any) []store.Module {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	var out []store.Module
	for _, name := range sr.order {
		for _, mod := range sr.repo[name].Modules() {
			if seed, ok := initial[mod.Name].(map[string]any); ok {
				mod.Initial = func() map[string]any { return seed }
			}
			out = append(out, mod)
		}
	}
	return out
}

// Attach attaches every service in registration order.
func (sr *ServiceRegistry) Attach(rt Runtime) error {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	for _, name := range sr.order {
		if err := sr.repo[name].Attach(rt); err != nil {
			return fmt.Errorf("services: attach %s: %w", name, err)
		}
	}
	return nil
}
