package external

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/observability"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	errPeerClosed = errors.New("external: peer closed")
	// ErrEventOverflow drops a peer that stopped draining its events.
	ErrEventOverflow = errors.New("external: event queue overflow")
)

// wire is one framed, message-oriented connection. Read is called from a
// single goroutine and Write from another; Close may race both.
type wire interface {
	Read() ([]byte, error)
	Write(raw []byte, deadline time.Time) error
	// Ping keeps idle connections alive; transports without control
	// frames return nil.
	Ping(deadline time.Time) error
	Close() error
}

// peer runs one duplex external connection: a reader that dispatches each
// envelope on its own goroutine, and a writer that drains a bounded queue
// shared by responses and events so their relative order is kept.
type peer struct {
	srv        *Server
	transport  string
	label      string
	wire       wire
	out        chan []byte
	dispatcher *rpc.Dispatcher
	cancel     context.CancelCauseFunc
	calls      sync.WaitGroup
}

func (s *Server) servePeer(parent context.Context, transport, label string, w wire) error {
	release := observability.TrackPeer(transport)
	defer release()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	p := &peer{
		srv:       s,
		transport: transport,
		label:     label,
		wire:      w,
		out:       make(chan []byte, s.cfg.EventQueue),
		cancel:    cancel,
	}
	p.dispatcher = rpc.NewDispatcher(s.registry, p.emit, rpc.DispatcherOptions{
		Label:     label,
		Mutations: s.mutations,
	})
	defer p.dispatcher.Close()
	log.Debug().Msgf("external.peer open conn=%q", label)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = w.Close()
		return nil
	})
	err := g.Wait()
	p.calls.Wait()
	log.Debug().Msgf("external.peer closed conn=%q err=%v", label, err)

	if cause := context.Cause(ctx); errors.Is(cause, ErrEventOverflow) {
		return cause
	}
	if errors.Is(err, errPeerClosed) || parent.Err() != nil {
		return nil
	}
	return err
}

func (p *peer) readLoop(ctx context.Context) error {
	for {
		raw, err := p.wire.Read()
		if err != nil {
			if ctx.Err() != nil {
				return errPeerClosed
			}
			return err
		}
		p.calls.Add(1)
		go func() {
			defer p.calls.Done()
			p.send(ctx, p.dispatcher.DispatchRaw(ctx, raw))
		}()
	}
}

func (p *peer) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-p.out:
			if err := p.wire.Write(raw, time.Now().Add(p.srv.cfg.WriteTimeout)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := p.wire.Ping(time.Now().Add(p.srv.cfg.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

// send queues a response, waiting for room.
func (p *peer) send(ctx context.Context, resp jsonrpc.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Error().Msgf("external.peer.send conn=%q encode err=%v", p.label, err)
		return
	}
	select {
	case p.out <- raw:
	case <-ctx.Done():
	}
}

// emit queues an event without blocking. Stream emitters may be running on
// the store owner actor, so a peer that falls behind is dropped instead.
func (p *peer) emit(ev jsonrpc.Response) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Error().Msgf("external.peer.emit conn=%q encode err=%v", p.label, err)
		return
	}
	select {
	case p.out <- raw:
	default:
		log.Warn().Msgf("external.peer.emit conn=%q queue full; dropping peer", p.label)
		observability.RecordPeerOverflow(p.transport)
		p.cancel(ErrEventOverflow)
	}
}
