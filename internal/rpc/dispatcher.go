package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/observability"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MethodUnsubscribe cancels a stream subscription when addressed to its
// token.
const MethodUnsubscribe = "unsubscribe"

// Sink receives event envelopes for one connection. It is called with the
// stream lock held and must not block for long.
type Sink func(jsonrpc.Response)

// MutationSource feeds fetchMutations. store.Owner satisfies it; commits
// are matched to the call through store.WithOrigin.
type MutationSource interface {
	Observe(fn func(store.Mutation)) (cancel func())
}

// DispatcherOptions configures one connection's dispatcher.
type DispatcherOptions struct {
	// Label names the connection in logs.
	Label     string
	Mutations MutationSource
}

// Dispatcher serves one connection: it resolves resources, invokes
// methods and tracks that connection's subscriptions.
type Dispatcher struct {
	registry *Registry
	sink     Sink
	opts     DispatcherOptions

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
	done   chan struct{}
}

func NewDispatcher(registry *Registry, sink Sink, opts DispatcherOptions) *Dispatcher {
	if sink == nil {
		sink = func(jsonrpc.Response) {}
	}
	return &Dispatcher{
		registry: registry,
		sink:     sink,
		opts:     opts,
		subs:     make(map[string]func()),
		done:     make(chan struct{}),
	}
}

// DispatchRaw decodes a request and dispatches it. Undecodable input yields
// PARSE_ERROR with whatever id could be recovered.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte) jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		var probe struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &probe)
		return jsonrpc.NewErrorResponse(probe.ID, jsonrpc.CodeParseError, err.Error())
	}
	return d.Dispatch(ctx, req)
}

// Dispatch handles one request. It never panics and always returns a
// response carrying exactly one of result or error.
func (d *Dispatcher) Dispatch(ctx context.Context, req jsonrpc.Request) (resp jsonrpc.Response) {
	start := time.Now()
	defer func() {
		code := "OK"
		if resp.Error != nil {
			code = resp.Error.Code.String()
		}
		name, _, _ := ParseResourceID(req.Params.Resource)
		observability.RecordRPCCall(name, req.Method, code, time.Since(start))
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("rpc.Dispatcher.Dispatch conn=%q panic=%v", d.opts.Label, r)
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("%v", r))
		}
	}()

	if err := req.Validate(); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, err.Error())
	}
	if req.Method == MethodUnsubscribe && d.unsubscribe(req.Params.Resource) {
		return d.respond(req.ID, true, nil)
	}

	res, err := d.registry.Resolve(req.Params.Resource)
	if err != nil {
		return d.errorResponse(req, err)
	}
	method, ok := res.Methods()[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("%s.%s", req.Params.Resource, req.Method))
	}

	var (
		collectMu sync.Mutex
		collected []jsonrpc.MutationRecord
	)
	if req.Params.FetchMutations && d.opts.Mutations != nil {
		// only commits made under this call's context are returned; other
		// callers' mutations reach the window over its link
		origin := uuid.NewString()
		ctx = store.WithOrigin(ctx, origin)
		stop := d.opts.Mutations.Observe(func(m store.Mutation) {
			if m.Origin != origin {
				return
			}
			collectMu.Lock()
			collected = append(collected, jsonrpc.MutationRecord{ID: m.ID, Type: m.Type, Payload: m.Payload})
			collectMu.Unlock()
		})
		defer func() {
			stop()
			collectMu.Lock()
			if resp.Error == nil && len(collected) > 0 {
				sort.Slice(collected, func(i, j int) bool { return collected[i].ID < collected[j].ID })
				resp.Mutations = collected
			}
			collectMu.Unlock()
		}()
	}

	result, err := invoke(ctx, method, Args(req.Params.Args))
	if err != nil {
		return d.errorResponse(req, err)
	}

	switch r := result.(type) {
	case *Promise:
		token := uuid.NewString()
		go d.awaitPromise(token, r, req.Params.CompactMode)
		return d.respond(req.ID, jsonrpc.Subscription{
			Type:       jsonrpc.TypeSubscription,
			Emitter:    jsonrpc.EmitterPromise,
			ResourceID: token,
		}, nil)
	case *Stream:
		token := req.Params.Resource + "." + req.Method
		d.subscribe(token, r, req.Params.CompactMode)
		return d.respond(req.ID, jsonrpc.Subscription{
			Type:       jsonrpc.TypeSubscription,
			Emitter:    jsonrpc.EmitterStream,
			ResourceID: token,
		}, nil)
	}
	return d.respond(req.ID, Serialize(result, req.Params.CompactMode), nil)
}

func (d *Dispatcher) respond(id string, result any, err error) jsonrpc.Response {
	if err == nil {
		resp, mErr := jsonrpc.NewResponse(id, result)
		if mErr == nil {
			return resp
		}
		err = mErr
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, err.Error())
}

func (d *Dispatcher) errorResponse(req jsonrpc.Request, err error) jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return jsonrpc.Response{ID: &req.ID, JSONRPC: jsonrpc.Version, Error: rpcErr}
	case errors.Is(err, ErrResourceNotFound):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeResourceNotFound, req.Params.Resource)
	case errors.Is(err, ErrMalformedResourceID), errors.Is(err, ErrInvalidParams):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}
	log.Debug().Msgf("rpc.Dispatcher conn=%q resource=%q method=%q err=%v",
		d.opts.Label, req.Params.Resource, req.Method, err)
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error())
}

func invoke(ctx context.Context, m Method, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("rpc.invoke panic=%v\n%s", r, debug.Stack())
			result = nil
			err = fmt.Errorf("%v", r)
		}
	}()
	return m(ctx, args)
}

func (d *Dispatcher) awaitPromise(token string, p *Promise, compact bool) {
	select {
	case <-p.Done():
	case <-d.done:
		return
	}
	value, err := p.Result()
	var (
		ev    jsonrpc.Response
		evErr error
	)
	if err != nil {
		ev, evErr = jsonrpc.NewEvent(jsonrpc.EmitterPromise, token, err.Error(), true)
	} else {
		ev, evErr = jsonrpc.NewEvent(jsonrpc.EmitterPromise, token, Serialize(value, compact), false)
	}
	if evErr != nil {
		ev, _ = jsonrpc.NewEvent(jsonrpc.EmitterPromise, token, evErr.Error(), true)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if !closed {
		d.sink(ev)
	}
}

func (d *Dispatcher) subscribe(token string, s *Stream, compact bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, ok := d.subs[token]; ok {
		return
	}
	d.subs[token] = s.Subscribe(func(v any) {
		ev, err := jsonrpc.NewEvent(jsonrpc.EmitterStream, token, Serialize(v, compact), false)
		if err != nil {
			log.Warn().Msgf("rpc.Dispatcher conn=%q stream=%q encode err=%v", d.opts.Label, token, err)
			return
		}
		d.sink(ev)
	})
}

// unsubscribe reports whether token named a live subscription. The stream
// cancel waits for any in-flight emission, so nothing follows the ack.
func (d *Dispatcher) unsubscribe(token string) bool {
	d.mu.Lock()
	cancel, ok := d.subs[token]
	delete(d.subs, token)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Subscriptions lists live stream tokens.
func (d *Dispatcher) Subscriptions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subs))
	for token := range d.subs {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Close cancels every subscription and silences pending promises.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[string]func())
	close(d.done)
	d.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// Serialize replaces identified resources with helper references, walking
// slices and maps. compact drops model fields from references.
func Serialize(v any, compact bool) any {
	out, _ := mapValue(v, func(item any) (any, bool) {
		id, ok := IdentityOf(item)
		if !ok {
			return nil, false
		}
		return helperRef(id, ModelOf(item), compact), true
	})
	return out
}

func helperRef(id string, model any, compact bool) map[string]any {
	ref := map[string]any{}
	if !compact && model != nil {
		if b, err := json.Marshal(model); err == nil {
			_ = json.Unmarshal(b, &ref)
			if ref == nil {
				ref = map[string]any{}
			}
		}
	}
	ref["_type"] = jsonrpc.TypeHelper
	ref["resourceId"] = id
	return ref
}
