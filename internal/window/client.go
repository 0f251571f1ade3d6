package window

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/protocol/session"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("window: owner address required")
	ErrNilStore        = errors.New("window: store required")
	ErrNotConnected    = errors.New("window: not connected")
	ErrSessionClosed   = errors.New("window: owner session closed")
)

// Config describes how a window reaches its owner.
type Config struct {
	// Network is "unix" or "tcp".
	Network  string
	Address  string
	WindowID string
	Role     session.Role
	Session  session.Config
	Follower store.FollowerConfig
}

func DefaultConfig() Config {
	return Config{
		Network:  "unix",
		Address:  "/tmp/panesync.sock",
		Role:     session.RoleChild,
		Session:  session.DefaultConfig(),
		Follower: store.DefaultFollowerConfig(),
	}
}

// CallOptions are the per-call envelope flags.
type CallOptions struct {
	CompactMode    bool
	FetchMutations bool
}

// Client is one window's connection to the owner. It keeps the local
// follower replica and the RPC client for the current pipe.
type Client struct {
	cfg      Config
	follower *store.Follower

	mu      sync.Mutex
	current *pipe
	closed  bool
	// ownerID is the owner that acked the latest session.
	ownerID string
}

func NewClient(cfg Config, st *store.Store) (*Client, error) {
	if st == nil {
		return nil, ErrNilStore
	}
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = def.Network
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.WindowID) == "" {
		cfg.WindowID = "window-" + ulid.Make().String()
	}
	if cfg.Role == "" {
		cfg.Role = def.Role
	}
	cfg.Session = cfg.Session.WithDefaults()
	f := store.NewFollower(st, cfg.Follower)
	if err := f.Start(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, follower: f}, nil
}

func (c *Client) WindowID() string {
	return c.cfg.WindowID
}

// Follower exposes the local replica.
func (c *Client) Follower() *store.Follower {
	return c.follower
}

// Store is the replica tree for reads.
func (c *Client) Store() *store.Store {
	return c.follower.Store()
}

// Ready blocks until the replica has loaded its first snapshot.
func (c *Client) Ready(ctx context.Context) error {
	return c.follower.Ready(ctx)
}

// Connect dials the owner with backoff and registers. A rejected
// registration is not retried. The pipe then runs in the background until
// it fails or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.mu.Unlock()

	var p *pipe
	err := session.Retry(ctx, c.cfg.Session.Backoff, func(attempt int) error {
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Msgf("window.Client dial attempt=%d addr=%q err=%v", attempt, c.cfg.Address, err)
			return err
		}
		p, err = c.register(conn)
		if err != nil {
			_ = conn.Close()
			if errors.Is(err, session.ErrRegistrationRejected) {
				return session.Permanent(err)
			}
			log.Warn().Msgf("window.Client register attempt=%d err=%v", attempt, err)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.close()
		return ErrSessionClosed
	}
	prevOwner := c.ownerID
	c.ownerID = p.ownerID
	c.current = p
	c.mu.Unlock()
	// The owner may have restarted, so ids applied under the previous
	// session mean nothing. The snapshot the owner sends first replaces the
	// replica.
	c.follower.Resync("session")
	if prevOwner != "" && prevOwner != p.ownerID {
		log.Info().Msgf("window.Client owner changed window_id=%q from=%q to=%q", c.cfg.WindowID, prevOwner, p.ownerID)
	}
	go p.serve()
	log.Info().Msgf("window.Client connected window_id=%q owner=%q owner_id=%q", c.cfg.WindowID, c.cfg.Address, p.ownerID)
	return nil
}

// OwnerID reports the owner that acked the latest session.
func (c *Client) OwnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerID
}

// Run keeps the window connected until ctx ends, reconnecting after a
// pipe failure. Each new session resyncs from the owner's snapshot.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p := c.pipe()
		select {
		case <-ctx.Done():
			return c.Close()
		case <-p.done:
			log.Warn().Msgf("window.Client session ended window_id=%q err=%v", c.cfg.WindowID, p.err)
		}
	}
}

// Done is closed when the current pipe ends. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	p := c.pipe()
	if p == nil {
		return nil
	}
	return p.done
}

// Close ends the current pipe and refuses further connects.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	p := c.current
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	err := p.close()
	<-p.done
	return err
}

func (c *Client) pipe() *pipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) rpcClient() (*rpc.Client, error) {
	p := c.pipe()
	if p == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, p.err)
	default:
	}
	return p.rpc, nil
}

// Call invokes resource.method on the owner and returns the raw result.
// Promise results are awaited.
func (c *Client) Call(ctx context.Context, resource, method string, args ...any) (json.RawMessage, error) {
	return c.CallWithOptions(ctx, CallOptions{}, resource, method, args...)
}

// CallInto is Call with the result decoded into out.
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

// CallWithOptions sets the envelope flags. With FetchMutations the
// returned mutations are applied to the replica before it returns.
func (c *Client) CallWithOptions(ctx context.Context, opts CallOptions, resource, method string, args ...any) (json.RawMessage, error) {
	cl, err := c.rpcClient()
	if err != nil {
		return nil, err
	}
	req, err := jsonrpc.NewRequest(resource, method, args...)
	if err != nil {
		return nil, err
	}
	req.Params.CompactMode = opts.CompactMode
	req.Params.FetchMutations = opts.FetchMutations
	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()
	return cl.Do(ctx, req)
}

// Subscribe opens a STREAM subscription. fn runs on the pipe reader.
func (c *Client) Subscribe(ctx context.Context, resource, method string, fn func(json.RawMessage), args ...any) (*rpc.Subscription, error) {
	cl, err := c.rpcClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()
	return cl.Subscribe(ctx, resource, method, fn, args...)
}

func (c *Client) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Session.CallTimeout)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, c.cfg.Network, c.cfg.Address)
}

func (c *Client) register(conn net.Conn) (*pipe, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	reg := session.Registration{
		WindowID: c.cfg.WindowID,
		Role:     c.cfg.Role,
		PID:      os.Getpid(),
	}
	if err := session.WriteRegistration(conn, reg); err != nil {
		return nil, err
	}
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	p := newPipe(c, conn, reader)
	p.ownerID = ack.OwnerID
	return p, nil
}
