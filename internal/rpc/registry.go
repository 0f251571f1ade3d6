package rpc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrResourceNotFound = errors.New("rpc: resource not found")
	ErrResourceExists   = errors.New("rpc: resource already registered")
	ErrNilResource      = errors.New("rpc: nil resource")
)

// Registry maps resource names to singletons and helper factories. A
// fallback registry is consulted for names missing locally; the external
// API uses this to expose internal resources it does not override.
type Registry struct {
	mu         sync.RWMutex
	singletons map[string]Resource
	helpers    map[string]HelperFactory
	fallback   *Registry
}

func NewRegistry() *Registry {
	return &Registry{
		singletons: make(map[string]Resource),
		helpers:    make(map[string]HelperFactory),
	}
}

// RegisterSingleton binds name to one long-lived instance.
func (r *Registry) RegisterSingleton(name string, res Resource) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "[]") {
		return fmt.Errorf("%w: name %q", ErrMalformedResourceID, name)
	}
	if res == nil {
		return ErrNilResource
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return fmt.Errorf("%w: %s", ErrResourceExists, name)
	}
	r.singletons[name] = res
	return nil
}

// RegisterHelper binds name to a factory invoked per bracketed identifier.
func (r *Registry) RegisterHelper(name string, factory HelperFactory) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "[]") {
		return fmt.Errorf("%w: name %q", ErrMalformedResourceID, name)
	}
	if factory == nil {
		return ErrNilResource
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return fmt.Errorf("%w: %s", ErrResourceExists, name)
	}
	r.helpers[name] = factory
	return nil
}

func (r *Registry) taken(name string) bool {
	_, s := r.singletons[name]
	_, h := r.helpers[name]
	return s || h
}

// SetFallback chains another registry behind this one.
func (r *Registry) SetFallback(fb *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fb
}

// Resolve returns the resource for id, wrapped for fallback delegation when
// it carries one.
//
// Bare names resolve singletons. Bracketed names construct helpers.
func (r *Registry) Resolve(id string) (Resource, error) {
	name, args, err := ParseResourceID(id)
	if err != nil {
		return nil, err
	}
	return r.resolve(id, name, args)
}

func (r *Registry) resolve(id, name string, args Args) (Resource, error) {
	r.mu.RLock()
	single, okSingle := r.singletons[name]
	factory, okHelper := r.helpers[name]
	fb := r.fallback
	r.mu.RUnlock()

	switch {
	case args == nil && okSingle:
		return WrapFallback(single), nil
	case args != nil && okHelper:
		res, err := factory(args)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
		}
		return WrapFallback(res), nil
	case fb != nil:
		return fb.resolve(id, name, args)
	}
	return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
}

// Names lists every locally registered name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.singletons)+len(r.helpers))
	for name := range r.singletons {
		out = append(out, name)
	}
	for name := range r.helpers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Scheme returns the callable method names of the resource at id, including
// members served through fallback.
func (r *Registry) Scheme(id string) ([]string, error) {
	res, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return MethodNames(res), nil
}
