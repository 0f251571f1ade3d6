// Package rpc owns resource addressing and call dispatch.
//
// Ownership boundary:
// - resource identifier grammar and the Registry
// - fallback decoration of public resources
// - Dispatcher: request -> response/event envelopes
// - Client: envelope correlation for any transport
//
// Resources expose explicit method tables; nothing is looked up by
// reflection on method names.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidParams = errors.New("rpc: invalid params")

// Method is one callable member of a resource.
type Method func(ctx context.Context, args Args) (any, error)

// Resource is anything addressable through the registry.
type Resource interface {
	Methods() map[string]Method
}

// MethodTable is a Resource built from a literal map.
type MethodTable map[string]Method

func (t MethodTable) Methods() map[string]Method {
	return t
}

// Identified resources serialize as helper references instead of values.
type Identified interface {
	ResourceID() string
}

// Modeler supplies the model fields merged into a helper reference.
type Modeler interface {
	Model() any
}

// FallbackCarrier designates a richer resource that serves members the
// carrier does not define.
type FallbackCarrier interface {
	Fallback() Resource
}

// HelperFactory constructs a transient resource from bracketed arguments.
type HelperFactory func(args Args) (Resource, error)

// MethodNames returns the sorted method names of r.
func MethodNames(r Resource) []string {
	methods := r.Methods()
	out := make([]string, 0, len(methods))
	for name := range methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Args are positional call or constructor arguments.
type Args []json.RawMessage

func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return InvalidParams("missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return InvalidParams("argument %d: %v", i, err)
	}
	return nil
}

// String decodes argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

// Strings decodes argument i as a string list.
func (a Args) Strings(i int) ([]string, error) {
	var s []string
	err := a.Decode(i, &s)
	return s, err
}

// InvalidParams builds an error the dispatcher reports as INVALID_PARAMS.
func InvalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}
