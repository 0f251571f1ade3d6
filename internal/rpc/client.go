package rpc

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientClosed       = errors.New("rpc: client closed")
	ErrAlreadySubscribed  = errors.New("rpc: already subscribed")
	ErrUnexpectedResponse = errors.New("rpc: unexpected response")
)

// maxEarlyEvents bounds promise events that arrive before their ack. The
// oldest is evicted first: its caller most likely gave up already.
const maxEarlyEvents = 256

// RejectedError is a promise rejection delivered as an event.
type RejectedError struct {
	Token  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rpc: promise %s rejected: %s", e.Token, e.Reason)
}

// Sender writes one request envelope to the transport.
type Sender func(ctx context.Context, req jsonrpc.Request) error

// ClientOptions configures a Client.
type ClientOptions struct {
	// OnMutations receives records returned with fetchMutations responses
	// before the call returns. ctx is the caller's context.
	OnMutations func(ctx context.Context, records []jsonrpc.MutationRecord) error
}

// Client correlates responses and events for one transport. The transport
// reader feeds every inbound envelope to HandleResponse.
type Client struct {
	send Sender
	opts ClientOptions

	mu       sync.Mutex
	pending  map[string]chan jsonrpc.Response
	promises map[string]chan jsonrpc.Event
	early    map[string]*list.Element
	earlyOrder *list.List
	streams  map[string]func(json.RawMessage)
	closed   bool
	closeErr error
}

func NewClient(send Sender, opts ClientOptions) *Client {
	return &Client{
		send:     send,
		opts:     opts,
		pending:  make(map[string]chan jsonrpc.Response),
		promises: make(map[string]chan jsonrpc.Event),
		early:    make(map[string]*list.Element),
		earlyOrder: list.New(),
		streams:  make(map[string]func(json.RawMessage)),
	}
}

// HandleResponse routes one inbound envelope.
func (c *Client) HandleResponse(resp jsonrpc.Response) {
	if resp.IsEvent() {
		ev, err := jsonrpc.DecodeEvent(resp)
		if err != nil {
			log.Warn().Msgf("rpc.Client.HandleResponse bad event err=%v", err)
			return
		}
		c.handleEvent(ev)
		return
	}
	if resp.ID == nil {
		log.Warn().Msgf("rpc.Client.HandleResponse uncorrelated response err=%v", resp.Error)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	delete(c.pending, *resp.ID)
	c.mu.Unlock()
	if !ok {
		log.Debug().Msgf("rpc.Client.HandleResponse unknown id=%q", *resp.ID)
		return
	}
	ch <- resp
}

func (c *Client) handleEvent(ev jsonrpc.Event) {
	c.mu.Lock()
	switch ev.Emitter {
	case jsonrpc.EmitterStream:
		fn := c.streams[ev.ResourceID]
		c.mu.Unlock()
		if fn != nil {
			fn(ev.Data)
		}
		return
	case jsonrpc.EmitterPromise:
		if ch, ok := c.promises[ev.ResourceID]; ok {
			delete(c.promises, ev.ResourceID)
			c.mu.Unlock()
			ch <- ev
			return
		}
		// the event raced ahead of its subscription ack
		c.holdEarlyLocked(ev)
	}
	c.mu.Unlock()
}

func (c *Client) holdEarlyLocked(ev jsonrpc.Event) {
	if el, ok := c.early[ev.ResourceID]; ok {
		el.Value = ev
		return
	}
	for len(c.early) >= maxEarlyEvents {
		oldest := c.earlyOrder.Front()
		evicted := c.earlyOrder.Remove(oldest).(jsonrpc.Event)
		delete(c.early, evicted.ResourceID)
		log.Debug().Msgf("rpc.Client evicted unclaimed promise event token=%q", evicted.ResourceID)
	}
	c.early[ev.ResourceID] = c.earlyOrder.PushBack(ev)
}

// takeEarlyLocked claims a held promise event.
func (c *Client) takeEarlyLocked(token string) (jsonrpc.Event, bool) {
	el, ok := c.early[token]
	if !ok {
		return jsonrpc.Event{}, false
	}
	delete(c.early, token)
	return c.earlyOrder.Remove(el).(jsonrpc.Event), true
}

// Call invokes resource.method and decodes promise results transparently.
func (c *Client) Call(ctx context.Context, resource, method string, args ...any) (json.RawMessage, error) {
	req, err := jsonrpc.NewRequest(resource, method, args...)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// CallInto is Call followed by json.Unmarshal into out.
func (c *Client) CallInto(ctx context.Context, out any, resource, method string, args ...any) error {
	raw, err := c.Call(ctx, resource, method, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Do sends a prepared request. Error responses come back as *jsonrpc.Error.
func (c *Client) Do(ctx context.Context, req jsonrpc.Request) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Mutations) > 0 && c.opts.OnMutations != nil {
		if err := c.opts.OnMutations(ctx, resp.Mutations); err != nil {
			log.Warn().Msgf("rpc.Client.Do apply mutations err=%v", err)
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	sub, ok := jsonrpc.DecodeSubscription(resp.Result)
	if !ok || sub.Emitter != jsonrpc.EmitterPromise {
		return resp.Result, nil
	}
	return c.awaitPromise(ctx, sub.ResourceID)
}

func (c *Client) roundTrip(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	ch := make(chan jsonrpc.Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return jsonrpc.Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.send(ctx, req); err != nil {
		c.forget(req.ID)
		return jsonrpc.Response{}, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return jsonrpc.Response{}, c.err()
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return jsonrpc.Response{}, ctx.Err()
	}
}

func (c *Client) awaitPromise(ctx context.Context, token string) (json.RawMessage, error) {
	ch := make(chan jsonrpc.Event, 1)
	c.mu.Lock()
	if ev, ok := c.takeEarlyLocked(token); ok {
		c.mu.Unlock()
		return promiseOutcome(ev)
	}
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.promises[token] = ch
	c.mu.Unlock()
	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, c.err()
		}
		return promiseOutcome(ev)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.promises, token)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func promiseOutcome(ev jsonrpc.Event) (json.RawMessage, error) {
	if !ev.IsRejected {
		return ev.Data, nil
	}
	var reason string
	if err := json.Unmarshal(ev.Data, &reason); err != nil {
		reason = string(ev.Data)
	}
	return nil, &RejectedError{Token: ev.ResourceID, Reason: reason}
}

// Subscription is a live client-side stream registration.
type Subscription struct {
	Token  string
	client *Client
}

// Subscribe calls a stream method and routes its events to fn. fn is
// registered before the call so early events are not lost.
func (c *Client) Subscribe(ctx context.Context, resource, method string, fn func(json.RawMessage), args ...any) (*Subscription, error) {
	token := resource + "." + method
	c.mu.Lock()
	if _, ok := c.streams[token]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, token)
	}
	c.streams[token] = fn
	c.mu.Unlock()

	raw, err := c.Call(ctx, resource, method, args...)
	if err != nil {
		c.dropStream(token)
		return nil, err
	}
	sub, ok := jsonrpc.DecodeSubscription(raw)
	if !ok || sub.Emitter != jsonrpc.EmitterStream || sub.ResourceID != token {
		c.dropStream(token)
		return nil, fmt.Errorf("%w: %s.%s did not return a stream", ErrUnexpectedResponse, resource, method)
	}
	return &Subscription{Token: token, client: c}, nil
}

// Unsubscribe cancels the stream remotely. No event for it is delivered
// after the ack.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	_, err := s.client.Call(ctx, s.Token, MethodUnsubscribe)
	s.client.dropStream(s.Token)
	return err
}

func (c *Client) dropStream(token string) {
	c.mu.Lock()
	delete(c.streams, token)
	c.mu.Unlock()
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close fails every pending call with err (ErrClientClosed when nil).
func (c *Client) Close(err error) {
	if err == nil {
		err = ErrClientClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	promises := c.promises
	c.pending = make(map[string]chan jsonrpc.Response)
	c.promises = make(map[string]chan jsonrpc.Event)
	c.streams = make(map[string]func(json.RawMessage))
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range promises {
		close(ch)
	}
}
