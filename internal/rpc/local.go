package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
)

// Local is the in-process transport binding: a Client wired straight to a
// Dispatcher. Requests and events still pass through JSON so behavior
// matches the wire transports.
type Local struct {
	*Client
	Dispatcher *Dispatcher

	// one lane keeps responses and events in emission order
	lane chan jsonrpc.Response
	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

func NewLocal(registry *Registry, dopts DispatcherOptions, copts ClientOptions) *Local {
	l := &Local{
		lane: make(chan jsonrpc.Response, 256),
		stop: make(chan struct{}),
	}
	l.Dispatcher = NewDispatcher(registry, l.deliver, dopts)
	l.Client = NewClient(l.sendRequest, copts)
	l.wg.Add(1)
	go l.pump()
	return l
}

func (l *Local) sendRequest(ctx context.Context, req jsonrpc.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	go func() {
		l.deliver(l.Dispatcher.DispatchRaw(ctx, raw))
	}()
	return nil
}

func (l *Local) deliver(resp jsonrpc.Response) {
	select {
	case l.lane <- resp:
	case <-l.stop:
	}
}

func (l *Local) pump() {
	defer l.wg.Done()
	for {
		select {
		case resp := <-l.lane:
			raw, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			var decoded jsonrpc.Response
			if err := json.Unmarshal(raw, &decoded); err != nil {
				continue
			}
			l.Client.HandleResponse(decoded)
		case <-l.stop:
			return
		}
	}
}

// Close tears down both ends.
func (l *Local) Close() {
	l.once.Do(func() {
		l.Dispatcher.Close()
		close(l.stop)
		l.wg.Wait()
		l.Client.Close(nil)
	})
}
