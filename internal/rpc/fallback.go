package rpc

import (
	"context"
	"reflect"
)

// WrapFallback decorates r so members it lacks are served by its fallback.
// Results returned through the fallback are wrapped again, including
// resources nested in slices, arrays and string-keyed maps. Members r
// defines itself run untouched.
func WrapFallback(r Resource) Resource {
	if r == nil {
		return nil
	}
	if _, ok := r.(*fallbackResource); ok {
		return r
	}
	carrier, ok := r.(FallbackCarrier)
	if !ok {
		return r
	}
	fb := carrier.Fallback()
	if fb == nil {
		return r
	}
	return &fallbackResource{outer: r, fallback: fb}
}

type fallbackResource struct {
	outer    Resource
	fallback Resource
}

func (f *fallbackResource) Methods() map[string]Method {
	inner := WrapFallback(f.fallback).Methods()
	own := f.outer.Methods()
	out := make(map[string]Method, len(inner)+len(own))
	for name, m := range inner {
		out[name] = wrapResults(m)
	}
	for name, m := range own {
		out[name] = m
	}
	return out
}

// Unwrap returns the decorated resource.
func (f *fallbackResource) Unwrap() Resource {
	return f.outer
}

func (f *fallbackResource) identity() (string, bool) {
	if id, ok := IdentityOf(f.outer); ok {
		return id, true
	}
	return IdentityOf(f.fallback)
}

func (f *fallbackResource) model() any {
	if m := ModelOf(f.outer); m != nil {
		return m
	}
	return ModelOf(f.fallback)
}

func wrapResults(m Method) Method {
	return func(ctx context.Context, args Args) (any, error) {
		out, err := m(ctx, args)
		if err != nil {
			return nil, err
		}
		wrapped, _ := mapValue(out, func(v any) (any, bool) {
			res, ok := v.(Resource)
			if !ok {
				return nil, false
			}
			return WrapFallback(res), true
		})
		return wrapped, nil
	}
}

// IdentityOf reports the helper resource id of v, looking through fallback
// decoration.
func IdentityOf(v any) (string, bool) {
	switch t := v.(type) {
	case *fallbackResource:
		return t.identity()
	case Identified:
		return t.ResourceID(), true
	}
	return "", false
}

// ModelOf returns the model of v, or nil.
func ModelOf(v any) any {
	switch t := v.(type) {
	case *fallbackResource:
		return t.model()
	case Modeler:
		return t.Model()
	}
	return nil
}

// mapValue applies fn to v and, where fn declines, recurses into slices,
// arrays and string-keyed maps. The bool reports whether anything changed;
// unchanged containers are returned as-is.
func mapValue(v any, fn func(any) (any, bool)) (any, bool) {
	if v == nil {
		return nil, false
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return v, false
	}
	if out, ok := fn(v); ok {
		return out, true
	}
	switch v.(type) {
	case *Promise, *Stream, []byte:
		return v, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v, false
		}
		out := make([]any, rv.Len())
		changed := false
		for i := range out {
			item, c := mapValue(rv.Index(i).Interface(), fn)
			out[i] = item
			changed = changed || c
		}
		if !changed {
			return v, false
		}
		return out, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
			return v, false
		}
		out := make(map[string]any, rv.Len())
		changed := false
		iter := rv.MapRange()
		for iter.Next() {
			item, c := mapValue(iter.Value().Interface(), fn)
			out[iter.Key().String()] = item
			changed = changed || c
		}
		if !changed {
			return v, false
		}
		return out, true
	}
	return v, false
}
