// Package websocket runs the gateway's WebSocket endpoint: the HTTP upgrade
// handler with per-address admission, the per-connection read loop, and the
// message router dispatching to the posting handlers.
package websocket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ashchan/livefeed"
	"github.com/ashchan/livefeed/internal/feeds"
	"github.com/ashchan/livefeed/internal/post"
	"github.com/ashchan/livefeed/internal/protocol"
)

// Server is the WebSocket gateway. It owns the HTTP listener, the feed
// registry, the spam scorer and the janitor sweeper.
type Server struct {
	cfg      livefeed.Config
	store    livefeed.PostStore
	log      *zap.Logger
	clk      clock.Clock
	metrics  *feeds.Metrics
	registry *feeds.Registry
	scorer   *feeds.SpamScorer
	sweeper  *feeds.Sweeper
	router   *Router

	clients  sync.Map // map[string]*feeds.Client
	upgrader websocket.Upgrader

	mu      sync.Mutex
	running bool
	server  *http.Server
}

// New creates a gateway server from the configuration. Metrics are registered
// on the default prometheus registry.
func New(cfg livefeed.Config, store livefeed.PostStore, log *zap.Logger) *Server {
	return newServer(cfg, store, log, clock.New(), prometheus.DefaultRegisterer)
}

func newServer(cfg livefeed.Config, store livefeed.PostStore, log *zap.Logger, clk clock.Clock, reg prometheus.Registerer) *Server {
	metrics := feeds.NewMetrics(reg)
	registry := feeds.NewRegistry(cfg.Limits.MaxConnectionsPerIP, cfg.Feed.FlushInterval, clk, log, metrics)
	scorer := feeds.NewSpamScorer(cfg.Spam.CaptchaThreshold, clk)
	sweeper := feeds.NewSweeper(registry, scorer, store, cfg.Feed.SweepInterval, cfg.Feed.IdleThreshold, cfg.Store.Timeout, clk, log)

	s := &Server{
		cfg:      cfg,
		store:    store,
		log:      log,
		clk:      clk,
		metrics:  metrics,
		registry: registry,
		scorer:   scorer,
		sweeper:  sweeper,
		router:   NewRouter(registry, scorer, store, cfg.Store.Timeout, clk, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{livefeed.Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return s
}

// Registry exposes the feed registry, used by the facade and tests.
func (s *Server) Registry() *feeds.Registry { return s.registry }

// Start begins listening and launches the background sweeps. It returns once
// the listener is up or has failed immediately.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("websocket: server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Server.Path, s.handleUpgrade)

	s.server = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: mux,
	}

	s.scorer.Start(s.cfg.Feed.SweepInterval)
	s.sweeper.Start()

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.sweeper.Stop()
		s.scorer.Stop()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("gateway listening",
			zap.String("addr", s.cfg.Server.Addr),
			zap.String("path", s.cfg.Server.Path))
		return nil
	}
}

// Stop halts the sweeps, closes every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.sweeper.Stop()
	s.scorer.Stop()

	s.clients.Range(func(key, value any) bool {
		if c, ok := value.(*feeds.Client); ok {
			c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})

	var err error
	if s.server != nil {
		err = multierr.Append(err, s.server.Shutdown(ctx))
	}
	return err
}

// handleUpgrade admits, upgrades and launches one connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		http.Error(w, "not a websocket handshake", http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	if err := s.registry.Register(ip); err != nil {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Unregister(ip)
		s.log.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	c := feeds.NewClient(conn, ip, s.cfg.Limits, s.clk)
	s.clients.Store(c.ID(), c)
	s.registry.Track(c)
	s.log.Debug("client connected", zap.String("client_id", c.ID()), zap.String("ip", ip))

	s.sendConfigs(c)

	go s.readLoop(c)
}

// sendConfigs pushes the posting limits right after the upgrade so clients
// can enforce them locally.
func (s *Server) sendConfigs(c *feeds.Client) {
	msg, err := protocol.EncodeText(livefeed.TextConfigs, map[string]any{
		"max_body_chars":        post.MaxBodyChars,
		"max_lines":             post.MaxLines,
		"post_lifetime_seconds": int(post.MaxLifetime / time.Second),
	})
	if err == nil {
		c.SendText(msg)
	}
}

// readLoop consumes one connection until it closes, then tears its state
// down. Handlers run inline: ordering within a connection is part of the
// protocol contract.
func (s *Server) readLoop(c *feeds.Client) {
	defer s.disconnect(c)

	c.StartRead()
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug("unexpected close", zap.String("client_id", c.ID()), zap.Error(err))
			}
			return
		}

		if !c.Allow() {
			s.log.Warn("message rate limit exceeded",
				zap.String("client_id", c.ID()),
				zap.String("ip", c.IP()))
			c.CloseWithCode(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		c.Touch()

		switch mt {
		case websocket.TextMessage:
			s.metrics.Messages.WithLabelValues("text").Inc()
			s.router.HandleText(c, string(data))
		case websocket.BinaryMessage:
			s.metrics.Messages.WithLabelValues("binary").Inc()
			s.router.HandleBinary(c, data)
		}
	}
}

// disconnect releases everything a connection holds: its open post is
// force-closed, its subscription, tracking entry and address slot are
// returned.
func (s *Server) disconnect(c *feeds.Client) {
	s.router.ForceClose(c)

	if threadID := c.ThreadID(); threadID != 0 {
		s.registry.Unsubscribe(c, threadID)
		s.router.announceSyncCount(s.registry.Get(threadID))
	}
	s.registry.Untrack(c)
	s.registry.Unregister(c.IP())
	s.clients.Delete(c.ID())
	c.Close()

	s.log.Debug("client disconnected", zap.String("client_id", c.ID()), zap.String("ip", c.IP()))
}

// clientIP resolves the client address behind proxies. Header precedence
// follows the deployment's proxy chain: CF-Connecting-IP, then X-Real-IP,
// then the first X-Forwarded-For hop, then the socket address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
