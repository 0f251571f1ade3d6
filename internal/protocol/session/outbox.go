package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/protocol/frame"
)

var (
	ErrOutboxFull   = errors.New("session: outbox full")
	ErrOutboxClosed = errors.New("session: outbox closed")
)

// Outbox is the bounded send queue for one connection. A single Run loop
// owns the connection's write side, so frames never interleave.
type Outbox struct {
	mu     sync.Mutex
	ch     chan frame.Frame
	closed bool
	done   chan struct{}
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultConfig().OutboxSize
	}
	return &Outbox{
		ch:   make(chan frame.Frame, size),
		done: make(chan struct{}),
	}
}

// Push queues f without blocking.
func (o *Outbox) Push(f frame.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.ch <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Send queues f, waiting for space until ctx ends or the outbox closes.
func (o *Outbox) Send(ctx context.Context, f frame.Frame) error {
	select {
	case <-o.done:
		return ErrOutboxClosed
	default:
	}
	select {
	case o.ch <- f:
		return nil
	case <-o.done:
		return ErrOutboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames. Queued frames are still flushed by Run.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Run writes queued frames to conn until ctx ends, the outbox is closed
// and drained, or a write fails.
func (o *Outbox) Run(ctx context.Context, conn net.Conn, writeTimeout time.Duration) error {
	limits := frame.DefaultLimits()
	write := func(f frame.Frame) error {
		if writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		return frame.WriteFrame(conn, f, limits)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-o.ch:
			if err := write(f); err != nil {
				return err
			}
		case <-o.done:
			for {
				select {
				case f := <-o.ch:
					if err := write(f); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
