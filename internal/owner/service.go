package owner

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/panesync/internal/protocol/session"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig configures the window pipe endpoint.
type ServiceConfig struct {
	// Network is "unix" or "tcp".
	Network    string
	ListenAddr string
	OwnerID    string
	Session    session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Network:    "unix",
		ListenAddr: "/tmp/panesync.sock",
		Session:    session.DefaultConfig(),
	}
}

// Service accepts window sessions for one store.Owner and one registry.
type Service struct {
	cfg      ServiceConfig
	server   *Server
	owner    *store.Owner
	registry *rpc.Registry

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	activeSessions atomic.Int64
}

func NewService(cfg ServiceConfig, owner *store.Owner, registry *rpc.Registry) (*Service, error) {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = def.Network
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.OwnerID) == "" {
		cfg.OwnerID = "owner-" + ulid.Make().String()
	}
	cfg.Session = cfg.Session.WithDefaults()
	srv, err := NewServer(cfg.OwnerID)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		server:   srv,
		owner:    owner,
		registry: registry,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Server returns the lifecycle and window registry.
func (s *Service) Server() *Server {
	return s.server
}

// Windows reports connected and previously connected windows.
func (s *Service) Windows() []Window {
	return s.server.Windows()
}

// Listen opens the pipe listener and transitions boot->listening. A stale
// unix socket file is removed first.
func (s *Service) Listen() (net.Listener, error) {
	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.ListenAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if err := s.server.Listen(); err != nil {
		_ = ln.Close()
		return nil, err
	}
	log.Info().Msgf("owner.Service.Listen network=%s addr=%q owner_id=%q", s.cfg.Network, ln.Addr().String(), s.cfg.OwnerID)
	return ln, nil
}

// Run listens and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.RunListener(ctx, ln)
}

// RunListener runs the store owner actor and the accept loop together.
func (s *Service) RunListener(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.owner.Run(gctx)
	})
	g.Go(func() error {
		err := s.Serve(gctx, ln)
		if err == nil && gctx.Err() == nil {
			// listener closed out from under us; stop the actor too
			return net.ErrClosed
		}
		return err
	})
	return g.Wait()
}

// Serve is the accept loop on an existing listener. The store owner actor
// must already be running.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.server.Serve(); err != nil {
		_ = ln.Close()
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs the registration handshake then the window session.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := remoteAddr(conn)
	reader := bufio.NewReader(conn)

	reg, ack := s.handleRegistration(conn, reader)
	if err := session.WriteRegistrationAck(conn, ack); err != nil {
		log.Error().Msgf("owner.handleConn write registration ack err=%v", err)
		if ack.Status == session.AckStatusAccepted {
			s.server.MarkDisconnected(reg.WindowID)
		}
		return
	}
	if ack.Status != session.AckStatusAccepted {
		log.Warn().Msgf("owner.handleConn rejected window_id=%q reason=%q", ack.WindowID, ack.Message)
		return
	}
	defer s.server.MarkDisconnected(reg.WindowID)
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Msgf("owner.handleConn clear deadline err=%v", err)
	}

	active := s.activeSessions.Add(1)
	log.Info().Msgf("owner.handleConn registered window_id=%q role=%s remote=%q active=%d", reg.WindowID, reg.Role, remote, active)
	defer func() {
		remaining := s.activeSessions.Add(-1)
		log.Info().Msgf("owner.handleConn disconnected window_id=%q active=%d", reg.WindowID, remaining)
	}()

	ws := newWindowSession(s, reg, conn, reader)
	if err := ws.run(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Msgf("owner.handleConn session ended window_id=%q err=%v", reg.WindowID, err)
	}
}

func (s *Service) handleRegistration(conn net.Conn, reader *bufio.Reader) (session.Registration, session.RegistrationAck) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reg, err := session.ReadRegistration(reader)
	if err != nil {
		log.Warn().Msgf("owner.handleRegistration read err=%v", err)
		return session.Registration{}, session.RegistrationAck{
			Status:      session.AckStatusRejected,
			Message:     "invalid registration payload",
			WindowID:    "unknown",
			OwnerID:     s.cfg.OwnerID,
			TimestampMS: uint64(time.Now().UnixMilli()),
		}
	}
	return reg, s.server.UpsertRegistration(remoteAddr(conn), reg)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
