package owner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/panesync/internal/protocol/frame"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/protocol/schema"
	"github.com/danmuck/panesync/internal/protocol/session"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWindowClosed  = errors.New("owner: window closed connection")
	ErrEventOverflow = errors.New("owner: window event queue overflow")
)

// windowSession is one registered window connection. Three goroutines run
// per session: the frame reader, the link pump and the outbox writer.
// Requests are served on their own goroutines.
type windowSession struct {
	svc    *Service
	reg    session.Registration
	conn   net.Conn
	reader *bufio.Reader
	outbox *session.Outbox

	seq        atomic.Uint64
	dispatcher *rpc.Dispatcher
	requests   sync.WaitGroup
	cancel     context.CancelCauseFunc
}

func newWindowSession(svc *Service, reg session.Registration, conn net.Conn, reader *bufio.Reader) *windowSession {
	return &windowSession{
		svc:    svc,
		reg:    reg,
		conn:   conn,
		reader: reader,
		outbox: session.NewOutbox(svc.cfg.Session.OutboxSize),
	}
}

func (ws *windowSession) run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	ws.cancel = cancel
	defer cancel(nil)

	id := ws.reg.WindowID
	link, err := ws.svc.owner.Attach(ctx, id)
	if err != nil {
		return fmt.Errorf("attach link: %w", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		defer dcancel()
		if err := ws.svc.owner.Detach(dctx, id); err != nil && !errors.Is(err, store.ErrOwnerStopped) {
			log.Warn().Msgf("owner.windowSession detach window_id=%q err=%v", id, err)
		}
	}()

	ws.dispatcher = rpc.NewDispatcher(ws.svc.registry, ws.emit, rpc.DispatcherOptions{
		Label:     id,
		Mutations: ws.svc.owner,
	})
	defer ws.dispatcher.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.outbox.Run(gctx, ws.conn, ws.svc.cfg.Session.WriteTimeout)
	})
	g.Go(func() error {
		return ws.pumpLink(gctx, link)
	})
	g.Go(func() error {
		return ws.readLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		ws.outbox.Close()
		_ = ws.conn.Close()
		return nil
	})
	err = g.Wait()
	ws.requests.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, ErrEventOverflow) {
		return cause
	}
	if errors.Is(err, ErrWindowClosed) {
		return nil
	}
	return err
}

// pumpLink forwards the store link to the window in commit order.
func (ws *windowSession) pumpLink(ctx context.Context, link *store.Link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-link.C():
			if !ok {
				return fmt.Errorf("owner: link closed: %w", link.Err())
			}
			var (
				f   frame.Frame
				err error
			)
			switch {
			case msg.Snapshot != nil:
				f, err = session.SnapshotFrame(*msg.Snapshot)
			case msg.Mutation != nil:
				f, err = session.MutationFrame(*msg.Mutation)
			default:
				continue
			}
			if err != nil {
				return fmt.Errorf("owner: encode link message: %w", err)
			}
			if err := ws.outbox.Send(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (ws *windowSession) readLoop(ctx context.Context) error {
	for {
		f, err := frame.ReadFrame(ws.reader, frame.DefaultLimits())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ErrWindowClosed
			}
			return err
		}
		if err := session.CheckFrame(schema.SenderWindow, f); err != nil {
			log.Warn().Msgf("owner.windowSession.readLoop window_id=%q err=%v", ws.reg.WindowID, err)
			return err
		}
		switch f.Header.MessageType {
		case schema.MsgRequest:
			ws.requests.Add(1)
			go func(payload []byte) {
				defer ws.requests.Done()
				ws.serve(ctx, payload)
			}(f.Payload)
		case schema.MsgSnapshotRequest:
			log.Info().Msgf("owner.windowSession snapshot requested window_id=%q", ws.reg.WindowID)
			if err := ws.svc.owner.RequestSnapshot(ctx, ws.reg.WindowID); err != nil {
				return err
			}
		case schema.MsgResponse:
			log.Debug().Msgf("owner.windowSession ignoring response frame window_id=%q", ws.reg.WindowID)
		}
	}
}

func (ws *windowSession) serve(ctx context.Context, payload []byte) {
	resp := ws.dispatcher.DispatchRaw(ctx, payload)
	f, err := session.ResponseFrame(ws.seq.Add(1), resp)
	if err != nil {
		log.Error().Msgf("owner.windowSession encode response window_id=%q err=%v", ws.reg.WindowID, err)
		return
	}
	if err := ws.outbox.Send(ctx, f); err != nil && ctx.Err() == nil {
		log.Warn().Msgf("owner.windowSession send response window_id=%q err=%v", ws.reg.WindowID, err)
	}
}

// emit is the dispatcher event sink. It never blocks: a window that cannot
// keep up with its events is disconnected and resyncs on reconnect.
func (ws *windowSession) emit(resp jsonrpc.Response) {
	f, err := session.ResponseFrame(ws.seq.Add(1), resp)
	if err != nil {
		log.Error().Msgf("owner.windowSession encode event window_id=%q err=%v", ws.reg.WindowID, err)
		return
	}
	if err := ws.outbox.Push(f); err != nil {
		if errors.Is(err, session.ErrOutboxFull) {
			log.Warn().Msgf("owner.windowSession event overflow window_id=%q", ws.reg.WindowID)
			ws.cancel(ErrEventOverflow)
		}
	}
}
