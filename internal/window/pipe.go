package window

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/panesync/internal/protocol/frame"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/protocol/schema"
	"github.com/danmuck/panesync/internal/protocol/session"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// pipe is one registered connection to the owner.
type pipe struct {
	client *Client
	conn   net.Conn
	reader *bufio.Reader
	outbox *session.Outbox
	rpc    *rpc.Client
	// ownerID is the epoch of this session.
	ownerID string

	seq    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	err       error
}

func newPipe(c *Client, conn net.Conn, reader *bufio.Reader) *pipe {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipe{
		client: c,
		conn:   conn,
		reader: reader,
		outbox: session.NewOutbox(c.cfg.Session.OutboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.rpc = rpc.NewClient(p.sendRequest, rpc.ClientOptions{OnMutations: p.applyRecords})
	return p
}

func (p *pipe) serve() {
	g, gctx := errgroup.WithContext(p.ctx)
	g.Go(func() error {
		return p.outbox.Run(gctx, p.conn, p.client.cfg.Session.WriteTimeout)
	})
	g.Go(func() error {
		return p.readLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		p.outbox.Close()
		_ = p.close()
		return nil
	})
	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		err = ErrSessionClosed
	}
	p.err = err
	p.rpc.Close(err)
	close(p.done)
}

func (p *pipe) close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *pipe) sendRequest(ctx context.Context, req jsonrpc.Request) error {
	f, err := session.RequestFrame(p.seq.Add(1), req)
	if err != nil {
		return err
	}
	return p.outbox.Send(ctx, f)
}

func (p *pipe) readLoop(ctx context.Context) error {
	id := p.client.cfg.WindowID
	follower := p.client.follower
	for {
		f, err := frame.ReadFrame(p.reader, frame.DefaultLimits())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ErrSessionClosed
			}
			return err
		}
		if err := session.CheckFrame(schema.SenderOwner, f); err != nil {
			log.Warn().Msgf("window.readLoop window_id=%q err=%v", id, err)
			return err
		}
		switch f.Header.MessageType {
		case schema.MsgSnapshot:
			snap, err := session.DecodeSnapshot(f)
			if err != nil {
				return err
			}
			if err := follower.LoadSnapshot(snap); err != nil {
				log.Error().Msgf("window.readLoop load snapshot window_id=%q last_id=%d err=%v", id, snap.LastID, err)
				if errors.Is(err, store.ErrSnapshotBack) {
					// the owner timeline went backwards inside one session
					return err
				}
				if err := p.requestSnapshot(); err != nil {
					return err
				}
				continue
			}
			log.Info().Msgf("window.readLoop snapshot loaded window_id=%q last_id=%d", id, snap.LastID)
		case schema.MsgMutation:
			m, err := session.DecodeMutation(f)
			if err != nil {
				return err
			}
			if err := follower.Apply(m); err != nil {
				log.Warn().Msgf("window.readLoop apply window_id=%q mutation_id=%d err=%v", id, m.ID, err)
				if err := p.requestSnapshot(); err != nil {
					return err
				}
			}
		case schema.MsgResponse:
			resp, err := session.DecodeResponse(f)
			if err != nil {
				log.Warn().Msgf("window.readLoop decode response window_id=%q err=%v", id, err)
				continue
			}
			p.rpc.HandleResponse(resp)
		}
	}
}

// requestSnapshot asks the owner for a fresh snapshot. The follower is
// already AWAITING_SNAPSHOT and buffers the link meanwhile.
func (p *pipe) requestSnapshot() error {
	if p.client.follower.Phase() == store.PhaseActive {
		return nil
	}
	return p.outbox.Push(session.SnapshotRequestFrame(p.seq.Add(1)))
}

// applyRecords feeds fetchMutations records to the replica and waits until
// the replica has caught up to the newest of them.
func (p *pipe) applyRecords(ctx context.Context, records []jsonrpc.MutationRecord) error {
	if len(records) == 0 {
		return nil
	}
	ms := make([]store.Mutation, 0, len(records))
	var newest uint64
	for _, r := range records {
		m := session.MutationFromRecord(r)
		if m.ID > newest {
			newest = m.ID
		}
		ms = append(ms, m)
	}
	if err := p.client.follower.ApplyBatch(ms); err != nil {
		if serr := p.requestSnapshot(); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
	return p.client.follower.WaitApplied(ctx, newest)
}
