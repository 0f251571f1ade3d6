// Package external serves the resource API to processes outside the window
// set: single calls over HTTP, and full duplex sessions over WebSocket or
// newline-delimited JSON on TCP. Every connection gets its own dispatcher,
// so subscriptions die with the connection.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/observability"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrPromiseTimeout = errors.New("external: promise not settled in time")

// Config configures the external endpoints. An empty address disables that
// endpoint.
type Config struct {
	HTTPAddr    string   `toml:"http_addr"`
	TCPAddr     string   `toml:"tcp_addr"`
	CORSOrigins []string `toml:"cors_origins"`
	// ReadLimit caps one inbound envelope in bytes.
	ReadLimit    int64         `toml:"read_limit"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	PingInterval time.Duration `toml:"ping_interval"`
	// EventQueue bounds envelopes waiting for a slow peer. A full queue
	// drops the connection.
	EventQueue int `toml:"event_queue"`
	// PromiseTimeout bounds how long POST /rpc waits for a promise.
	PromiseTimeout time.Duration `toml:"promise_timeout"`
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:       "127.0.0.1:59650",
		TCPAddr:        "127.0.0.1:59651",
		CORSOrigins:    []string{"http://localhost"},
		ReadLimit:      1 << 20,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		EventQueue:     256,
		PromiseTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.EventQueue <= 0 {
		c.EventQueue = def.EventQueue
	}
	if c.PromiseTimeout <= 0 {
		c.PromiseTimeout = def.PromiseTimeout
	}
	return c
}

// Server exposes one registry. mutations feeds fetchMutations and may be
// nil.
type Server struct {
	cfg       Config
	ownerID   string
	registry  *rpc.Registry
	mutations rpc.MutationSource
	router    *gin.Engine
	upgrader  websocket.Upgrader
	started   time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(cfg Config, ownerID string, registry *rpc.Registry, mutations rpc.MutationSource) *Server {
	cfg = cfg.withDefaults()
	observability.RegisterMetrics()
	s := &Server{
		cfg:       cfg,
		ownerID:   ownerID,
		registry:  registry,
		mutations: mutations,
		started:   time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
	origins := normalizeOrigins(cfg.CORSOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/metrics", "/health"))
	r.Use(observability.RequestMetricsMiddleware(ownerID))
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()
	return s
}

// Router is the HTTP handler; tests mount it on httptest.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"owner":  s.ownerID,
			"uptime": time.Since(s.started).String(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	s.router.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.registry.Names()})
	})
	s.router.GET("/scheme", func(c *gin.Context) {
		methods, err := s.registry.Scheme(c.Query("resource"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"resource": c.Query("resource"), "methods": methods})
	})
	s.router.POST("/rpc", s.handleRPC)
	s.router.GET("/ws", s.handleWebSocket)
}

// handleRPC serves one request with a throwaway dispatcher. A promise
// result is awaited and returned as the call result, since plain HTTP has
// no event channel. Stream acks are returned as-is but the subscription
// ends with the request.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.ReadLimit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewErrorResponse("", jsonrpc.CodeParseError, err.Error()))
		return
	}
	if int64(len(body)) > s.cfg.ReadLimit {
		c.JSON(http.StatusRequestEntityTooLarge,
			jsonrpc.NewErrorResponse("", jsonrpc.CodeInvalidRequest, "request too large"))
		return
	}

	events := make(chan jsonrpc.Response, 1)
	d := rpc.NewDispatcher(s.registry, func(ev jsonrpc.Response) {
		select {
		case events <- ev:
		default:
		}
	}, rpc.DispatcherOptions{Label: "http:" + c.ClientIP(), Mutations: s.mutations})
	defer d.Close()

	ctx := c.Request.Context()
	resp := d.DispatchRaw(ctx, body)
	c.JSON(http.StatusOK, s.settlePromise(ctx, resp, events))
}

func (s *Server) settlePromise(ctx context.Context, resp jsonrpc.Response, events <-chan jsonrpc.Response) jsonrpc.Response {
	if resp.Error != nil || resp.ID == nil {
		return resp
	}
	sub, ok := jsonrpc.DecodeSubscription(resp.Result)
	if !ok || sub.Emitter != jsonrpc.EmitterPromise {
		return resp
	}
	timer := time.NewTimer(s.cfg.PromiseTimeout)
	defer timer.Stop()
	var raw jsonrpc.Response
	select {
	case raw = <-events:
	case <-timer.C:
		return jsonrpc.NewErrorResponse(*resp.ID, jsonrpc.CodeInternalError, ErrPromiseTimeout.Error())
	case <-ctx.Done():
		return jsonrpc.NewErrorResponse(*resp.ID, jsonrpc.CodeInternalError, ctx.Err().Error())
	}
	ev, err := jsonrpc.DecodeEvent(raw)
	if err != nil {
		return jsonrpc.NewErrorResponse(*resp.ID, jsonrpc.CodeInternalError, err.Error())
	}
	if ev.IsRejected {
		var reason string
		if json.Unmarshal(ev.Data, &reason) != nil {
			reason = string(ev.Data)
		}
		return jsonrpc.NewErrorResponse(*resp.ID, jsonrpc.CodeInternalError, reason)
	}
	out := resp
	out.Result = ev.Data
	return out
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		log.Debug().Msgf("external.Server.handleWebSocket remote=%s upgrade err=%v", c.ClientIP(), err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	w := newSocketWire(conn, s.cfg.PingInterval)
	if err := s.servePeer(c.Request.Context(), "ws", "ws:"+c.ClientIP(), w); err != nil {
		log.Warn().Msgf("external.Server.handleWebSocket remote=%s err=%v", c.ClientIP(), err)
	}
}

// Run serves every configured endpoint until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.ServeHTTP(gctx, ln) })
	}
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.ServeNDJSON(gctx, ln) })
	}
	return g.Wait()
}

// ServeHTTP runs the gin router on ln. Request contexts derive from ctx so
// hijacked WebSocket sessions end on shutdown too.
func (s *Server) ServeHTTP(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Msgf("external.Server.ServeHTTP addr=%q owner_id=%q", ln.Addr().String(), s.ownerID)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeNDJSON accepts line-delimited JSON sessions on ln.
func (s *Server) ServeNDJSON(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAllConns()
	}()
	log.Info().Msgf("external.Server.ServeNDJSON addr=%q owner_id=%q", ln.Addr().String(), s.ownerID)

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
			defer s.untrackConn(conn)
			remote := conn.RemoteAddr().String()
			w := newLineWire(conn, int(s.cfg.ReadLimit))
			if err := s.servePeer(ctx, "ndjson", "ndjson:"+remote, w); err != nil {
				log.Warn().Msgf("external.Server.ServeNDJSON remote=%s err=%v", remote, err)
			}
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// originAllowed accepts non-browser clients (no Origin header) and the
// configured origins.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
