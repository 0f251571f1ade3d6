package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/danmuck/panesync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

type item struct {
	id   string
	name string
}

func (i *item) ResourceID() string { return MustResourceID("Item", i.id) }
func (i *item) Model() any         { return map[string]any{"id": i.id, "name": i.name} }
func (i *item) Methods() map[string]Method {
	return map[string]Method{
		"getName": func(context.Context, Args) (any, error) { return i.name, nil },
	}
}

type calc struct {
	ticks *Stream
	items map[string]*item
}

func (c *calc) Methods() map[string]Method {
	return map[string]Method{
		"add": func(_ context.Context, args Args) (any, error) {
			var a, b float64
			if err := args.Decode(0, &a); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		},
		"boom": func(context.Context, Args) (any, error) { return nil, errors.New("boom") },
		"panic": func(context.Context, Args) (any, error) {
			panic("boom")
		},
		"later": func(_ context.Context, args Args) (any, error) {
			v, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return Async(func() (any, error) {
				time.Sleep(5 * time.Millisecond)
				return v, nil
			}), nil
		},
		"fail": func(context.Context, Args) (any, error) {
			return Async(func() (any, error) { return nil, errors.New("nope") }), nil
		},
		"ticks": func(context.Context, Args) (any, error) { return c.ticks, nil },
		"getItem": func(_ context.Context, args Args) (any, error) {
			id, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return c.items[id], nil
		},
		"getItems": func(context.Context, Args) (any, error) {
			return []*item{c.items["a"], c.items["b"]}, nil
		},
	}
}

type impl struct{}

func (impl) Methods() map[string]Method {
	return map[string]Method{
		"foo": func(context.Context, Args) (any, error) { return "impl.foo", nil },
		"bar": func(context.Context, Args) (any, error) { return "impl.bar", nil },
		"children": func(context.Context, Args) (any, error) {
			return []*pubChild{{}}, nil
		},
	}
}

type pub struct{}

func (pub) Methods() map[string]Method {
	return map[string]Method{
		"bar": func(context.Context, Args) (any, error) { return "pub.bar", nil },
	}
}
func (pub) Fallback() Resource { return impl{} }

type pubChild struct{}

func (*pubChild) Methods() map[string]Method { return MethodTable{} }
func (*pubChild) Fallback() Resource {
	return MethodTable{"extra": func(context.Context, Args) (any, error) { return "child.extra", nil }}
}

func newTestRegistry(t *testing.T) (*Registry, *calc) {
	t.Helper()
	c := &calc{
		ticks: NewStream(),
		items: map[string]*item{"a": {id: "a", name: "alpha"}, "b": {id: "b", name: "beta"}},
	}
	reg := NewRegistry()
	if err := reg.RegisterSingleton("Calc", c); err != nil {
		t.Fatalf("register calc: %v", err)
	}
	if err := reg.RegisterSingleton("Pub", pub{}); err != nil {
		t.Fatalf("register pub: %v", err)
	}
	if err := reg.RegisterSingleton("Impl", impl{}); err != nil {
		t.Fatalf("register impl: %v", err)
	}
	err := reg.RegisterHelper("Item", func(args Args) (Resource, error) {
		id, err := args.String(0)
		if err != nil {
			return nil, err
		}
		it, ok := c.items[id]
		if !ok {
			return nil, ErrResourceNotFound
		}
		return it, nil
	})
	if err != nil {
		t.Fatalf("register item: %v", err)
	}
	return reg, c
}

func newTestLocal(t *testing.T) (*Local, *calc) {
	t.Helper()
	reg, c := newTestRegistry(t)
	l := NewLocal(reg, DispatcherOptions{Label: t.Name()}, ClientOptions{})
	t.Cleanup(l.Close)
	return l, c
}

func rpcCode(t *testing.T, err error) jsonrpc.Code {
	t.Helper()
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %T %v", err, err)
	}
	return rpcErr.Code
}

func TestParseResourceID(t *testing.T) {
	testlog.Start(t)
	name, args, err := ParseResourceID(`Selection["scene1",["item1","item2"]]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "Selection" || len(args) != 2 {
		t.Fatalf("unexpected parse: %s %v", name, args)
	}
	ids, err := args.Strings(1)
	if err != nil || !cmp.Equal(ids, []string{"item1", "item2"}) {
		t.Fatalf("unexpected ids: %v %v", ids, err)
	}

	name, args, err = ParseResourceID("ScenesService")
	if err != nil || name != "ScenesService" || args != nil {
		t.Fatalf("bare parse: %q %v %v", name, args, err)
	}
	if _, args, _ := ParseResourceID("Empty[]"); args == nil || args.Len() != 0 {
		t.Fatalf("expected empty non-nil args")
	}
	for _, bad := range []string{"", "[1]", "Sel[1", "Sel[1]x", `Sel["a"]]`} {
		if _, _, err := ParseResourceID(bad); !errors.Is(err, ErrMalformedResourceID) {
			t.Fatalf("%q: expected malformed, got %v", bad, err)
		}
	}
	if id := MustResourceID("Scene", "s1"); id != `Scene["s1"]` {
		t.Fatalf("unexpected formatted id %q", id)
	}
}

func TestRegistrySingletonResolvesSameInstance(t *testing.T) {
	testlog.Start(t)
	reg, c := newTestRegistry(t)
	a, err := reg.Resolve("Calc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, _ := reg.Resolve("Calc")
	if a != b || a != Resource(c) {
		t.Fatalf("expected the same singleton instance")
	}
	if err := reg.RegisterSingleton("Calc", c); !errors.Is(err, ErrResourceExists) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if _, err := reg.Resolve("DoesNotExist"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryFallbackRegistry(t *testing.T) {
	testlog.Start(t)
	internal, _ := newTestRegistry(t)
	external := NewRegistry()
	external.SetFallback(internal)
	if _, err := external.Resolve(`Item["a"]`); err != nil {
		t.Fatalf("expected fallback resolution: %v", err)
	}
	if _, err := external.Resolve("Nope"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCallResourceNotFound(t *testing.T) {
	testlog.Start(t)
	l, _ := newTestLocal(t)
	_, err := l.Call(context.Background(), "DoesNotExist", "anything")
	if rpcCode(t, err) != jsonrpc.CodeResourceNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "RESOURCE_NOT_FOUND DoesNotExist") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestCallErrorsKeepDispatcherUsable(t *testing.T) {
	testlog.Start(t)
	l, _ := newTestLocal(t)
	ctx := context.Background()

	for _, method := range []string{"boom", "panic"} {
		_, err := l.Call(ctx, "Calc", method)
		if rpcCode(t, err) != jsonrpc.CodeInternalError || !strings.Contains(err.Error(), "boom") {
			t.Fatalf("%s: unexpected error %v", method, err)
		}
	}
	var sum float64
	if err := l.CallInto(ctx, &sum, "Calc", "add", 2, 3); err != nil || sum != 5 {
		t.Fatalf("dispatcher unusable after failures: sum=%v err=%v", sum, err)
	}

	_, err := l.Call(ctx, "Calc", "missing")
	if rpcCode(t, err) != jsonrpc.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", err)
	}
	_, err = l.Call(ctx, "Calc", "add", "x")
	if rpcCode(t, err) != jsonrpc.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	_, err = l.Call(ctx, `Item["a"`, "getName")
	if rpcCode(t, err) != jsonrpc.CodeInvalidParams {
		t.Fatalf("expected invalid params for malformed id, got %v", err)
	}
}

func TestDispatchInvalidEnvelopes(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(t)
	d := NewDispatcher(reg, nil, DispatcherOptions{})
	defer d.Close()

	resp := d.Dispatch(context.Background(), jsonrpc.Request{ID: "1", JSONRPC: "1.0", Method: "add", Params: jsonrpc.Params{Resource: "Calc"}})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
	resp = d.DispatchRaw(context.Background(), []byte("{"))
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeParseError || resp.ID != nil {
		t.Fatalf("expected parse error with null id, got %+v", resp)
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("error response must validate: %v", err)
	}
}

func TestFallbackServesMissingMembers(t *testing.T) {
	testlog.Start(t)
	l, _ := newTestLocal(t)
	ctx := context.Background()

	var got string
	if err := l.CallInto(ctx, &got, "Pub", "foo"); err != nil || got != "impl.foo" {
		t.Fatalf("Pub.foo: got %q err=%v", got, err)
	}
	if err := l.CallInto(ctx, &got, "Pub", "bar"); err != nil || got != "pub.bar" {
		t.Fatalf("Pub.bar: got %q err=%v", got, err)
	}

	reg, _ := newTestRegistry(t)
	scheme, err := reg.Scheme("Pub")
	if err != nil {
		t.Fatalf("scheme: %v", err)
	}
	if diff := cmp.Diff([]string{"bar", "children", "foo"}, scheme); diff != "" {
		t.Fatalf("scheme mismatch (-want +got):\n%s", diff)
	}
}

func TestFallbackWrapsNestedResults(t *testing.T) {
	testlog.Start(t)
	res := WrapFallback(pub{})
	out, err := res.Methods()["children"](context.Background(), nil)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	list, ok := out.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected wrapped list, got %T", out)
	}
	child, ok := list[0].(Resource)
	if !ok {
		t.Fatalf("expected resource, got %T", list[0])
	}
	if _, ok := child.Methods()["extra"]; !ok {
		t.Fatalf("nested result was not wrapped for fallback")
	}
	if WrapFallback(res) != res {
		t.Fatalf("wrapping must be idempotent")
	}
}

func TestPromiseResultAndRejection(t *testing.T) {
	testlog.Start(t)
	l, _ := newTestLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got string
	if err := l.CallInto(ctx, &got, "Calc", "later", "done"); err != nil || got != "done" {
		t.Fatalf("promise: got %q err=%v", got, err)
	}
	_, err := l.Call(ctx, "Calc", "fail")
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "nope" {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestPromiseAckThenExactlyOneEvent(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(t)
	var (
		mu     sync.Mutex
		events []jsonrpc.Event
	)
	got := make(chan struct{}, 4)
	d := NewDispatcher(reg, func(resp jsonrpc.Response) {
		ev, err := jsonrpc.DecodeEvent(resp)
		if err != nil {
			t.Errorf("decode event: %v", err)
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		got <- struct{}{}
	}, DispatcherOptions{})
	defer d.Close()

	req, _ := jsonrpc.NewRequest("Calc", "later", "v")
	resp := d.Dispatch(context.Background(), req)
	sub, ok := jsonrpc.DecodeSubscription(resp.Result)
	if !ok || sub.Emitter != jsonrpc.EmitterPromise {
		t.Fatalf("expected promise subscription, got %s", resp.Result)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for promise event")
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].ResourceID != sub.ResourceID || string(events[0].Data) != `"v"` {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStreamSubscribeAndUnsubscribe(t *testing.T) {
	testlog.Start(t)
	l, c := newTestLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 8)
	sub, err := l.Subscribe(ctx, "Calc", "ticks", func(data json.RawMessage) {
		var s string
		_ = json.Unmarshal(data, &s)
		got <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Token != "Calc.ticks" {
		t.Fatalf("unexpected token %q", sub.Token)
	}
	c.ticks.Emit("one")
	c.ticks.Emit("two")
	for _, want := range []string{"one", "two"} {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("expected %q got %q", want, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := c.ticks.Subscribers(); n != 0 {
		t.Fatalf("expected no stream subscribers, got %d", n)
	}
	c.ticks.Emit("three")
	select {
	case v := <-got:
		t.Fatalf("event after unsubscribe: %q", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestNoStreamEventsAfterUnsubscribeAck(t *testing.T) {
	testlog.Start(t)
	reg, c := newTestRegistry(t)
	var (
		mu    sync.Mutex
		count int
	)
	d := NewDispatcher(reg, func(jsonrpc.Response) {
		mu.Lock()
		count++
		mu.Unlock()
	}, DispatcherOptions{})
	defer d.Close()

	req, _ := jsonrpc.NewRequest("Calc", "ticks")
	if resp := d.Dispatch(context.Background(), req); resp.Error != nil {
		t.Fatalf("subscribe: %v", resp.Error)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				c.ticks.Emit(1)
			}
		}
	}()
	time.Sleep(5 * time.Millisecond)

	unsub, _ := jsonrpc.NewRequest("Calc.ticks", MethodUnsubscribe)
	resp := d.Dispatch(context.Background(), unsub)
	if string(resp.Result) != "true" {
		t.Fatalf("unexpected unsubscribe ack: %+v", resp)
	}
	mu.Lock()
	atAck := count
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if count != atAck {
		t.Fatalf("events after unsubscribe ack: before=%d after=%d", atAck, count)
	}
	if len(d.Subscriptions()) != 0 {
		t.Fatalf("expected no live subscriptions")
	}
}

func TestHelperReferences(t *testing.T) {
	testlog.Start(t)
	l, _ := newTestLocal(t)
	ctx := context.Background()

	var ref map[string]any
	if err := l.CallInto(ctx, &ref, "Calc", "getItem", "a"); err != nil {
		t.Fatalf("getItem: %v", err)
	}
	want := map[string]any{"_type": "HELPER", "resourceId": `Item["a"]`, "id": "a", "name": "alpha"}
	if diff := cmp.Diff(want, ref); diff != "" {
		t.Fatalf("helper ref mismatch (-want +got):\n%s", diff)
	}

	req, _ := jsonrpc.NewRequest("Calc", "getItems")
	req.Params.CompactMode = true
	raw, err := l.Do(ctx, req)
	if err != nil {
		t.Fatalf("getItems: %v", err)
	}
	var refs []map[string]any
	if err := json.Unmarshal(raw, &refs); err != nil {
		t.Fatalf("decode refs: %v", err)
	}
	if len(refs) != 2 || len(refs[1]) != 2 || refs[1]["resourceId"] != `Item["b"]` {
		t.Fatalf("unexpected compact refs: %v", refs)
	}

	var name string
	if err := l.CallInto(ctx, &name, ref["resourceId"].(string), "getName"); err != nil || name != "alpha" {
		t.Fatalf("call through helper ref: %q %v", name, err)
	}
	_, err = l.Call(ctx, `Item["zzz"]`, "getName")
	if rpcCode(t, err) != jsonrpc.CodeResourceNotFound {
		t.Fatalf("expected not found for unknown helper, got %v", err)
	}
}

func TestFetchMutations(t *testing.T) {
	testlog.Start(t)
	s, err := store.New(store.Module{
		Name:    "counter",
		Initial: func() map[string]any { return map[string]any{"n": 0.0} },
		Mutations: map[string]store.Mutator{
			"INC": func(state, _ map[string]any) error {
				state["n"] = state["n"].(float64) + 1
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	owner := store.NewOwner(s, store.OwnerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go owner.Run(ctx)

	reg := NewRegistry()
	_ = reg.RegisterSingleton("Counter", MethodTable{
		"inc": func(ctx context.Context, _ Args) (any, error) {
			m, err := owner.Commit(ctx, "INC", map[string]any{})
			return m.ID, err
		},
		"incAfterOther": func(ctx context.Context, _ Args) (any, error) {
			if _, err := owner.Commit(context.Background(), "INC", map[string]any{"by": "other"}); err != nil {
				return nil, err
			}
			m, err := owner.Commit(ctx, "INC", map[string]any{"by": "self"})
			return m.ID, err
		},
	})
	d := NewDispatcher(reg, nil, DispatcherOptions{Mutations: owner})
	defer d.Close()

	req, _ := jsonrpc.NewRequest("Counter", "inc")
	req.Params.FetchMutations = true
	resp := d.Dispatch(ctx, req)
	if resp.Error != nil {
		t.Fatalf("inc: %v", resp.Error)
	}
	if len(resp.Mutations) != 1 || resp.Mutations[0].Type != "INC" || resp.Mutations[0].ID != 1 {
		t.Fatalf("unexpected mutations: %+v", resp.Mutations)
	}

	req, _ = jsonrpc.NewRequest("Counter", "inc")
	if resp := d.Dispatch(ctx, req); len(resp.Mutations) != 0 {
		t.Fatalf("mutations returned without fetchMutations")
	}

	// a commit by another caller lands while this call is in flight
	req, _ = jsonrpc.NewRequest("Counter", "incAfterOther")
	req.Params.FetchMutations = true
	resp = d.Dispatch(ctx, req)
	if resp.Error != nil {
		t.Fatalf("incAfterOther: %v", resp.Error)
	}
	want := []jsonrpc.MutationRecord{{ID: 4, Type: "INC", Payload: map[string]any{"by": "self"}}}
	if diff := cmp.Diff(want, resp.Mutations); diff != "" {
		t.Fatalf("only the call's own commits belong to it (-want +got):\n%s", diff)
	}
}

func TestDispatcherCloseCancelsSubscriptions(t *testing.T) {
	testlog.Start(t)
	reg, c := newTestRegistry(t)
	d := NewDispatcher(reg, nil, DispatcherOptions{})
	req, _ := jsonrpc.NewRequest("Calc", "ticks")
	d.Dispatch(context.Background(), req)
	if c.ticks.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	d.Close()
	if c.ticks.Subscribers() != 0 {
		t.Fatalf("expected subscribers cleared on close")
	}
}

func TestUnclaimedPromiseEventsDoNotStarveLaterCalls(t *testing.T) {
	testlog.Start(t)
	var c *Client
	// the transport delivers the promise event before its ack
	c = NewClient(func(_ context.Context, req jsonrpc.Request) error {
		token := "promise-" + req.ID
		go func() {
			ev, _ := jsonrpc.NewEvent(jsonrpc.EmitterPromise, token, "settled", false)
			c.HandleResponse(ev)
			ack, _ := jsonrpc.NewResponse(req.ID, jsonrpc.Subscription{
				Type:       jsonrpc.TypeSubscription,
				Emitter:    jsonrpc.EmitterPromise,
				ResourceID: token,
			})
			c.HandleResponse(ack)
		}()
		return nil
	}, ClientOptions{})
	defer c.Close(nil)

	// events whose callers timed out before the ack are never claimed
	for i := 0; i < maxEarlyEvents+16; i++ {
		ev, err := jsonrpc.NewEvent(jsonrpc.EmitterPromise, fmt.Sprintf("abandoned-%d", i), i, false)
		if err != nil {
			t.Fatalf("event: %v", err)
		}
		c.HandleResponse(ev)
	}
	c.mu.Lock()
	held := len(c.early)
	_, oldestKept := c.early["abandoned-0"]
	c.mu.Unlock()
	if held != maxEarlyEvents || oldestKept {
		t.Fatalf("expected %d held events with the oldest evicted, got %d oldest_kept=%v", maxEarlyEvents, held, oldestKept)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got string
	if err := c.CallInto(ctx, &got, "Calc", "later"); err != nil {
		t.Fatalf("promise call after abandoned events: %v", err)
	}
	if got != "settled" {
		t.Fatalf("unexpected promise value %q", got)
	}
}
