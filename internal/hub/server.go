package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-sub000/internal/audit"
	"github.com/BranchManager69/degenduel-sub000/internal/auth"
	"github.com/BranchManager69/degenduel-sub000/internal/config"
	"github.com/BranchManager69/degenduel-sub000/internal/limits"
	"github.com/BranchManager69/degenduel-sub000/internal/logging"
	"github.com/BranchManager69/degenduel-sub000/internal/metrics"
	"github.com/BranchManager69/degenduel-sub000/internal/protocol"
)

// Server owns the HTTP listener, the WebSocket upgrade path, and one
// read/write goroutine pair per connection. It is the only component
// that touches the raw transport; everything past the upgrade speaks
// envelopes.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	upgrader    websocket.Upgrader
	gate        *auth.Gate
	connLimiter *limits.ConnLimiter
	msgLimiter  *limits.MessageLimiter
	registry    *Registry
	topics      *TopicIndex
	dispatcher  *Dispatcher
	router      *Router
	bridge      AccountBridge
	auditSink   audit.Sink

	httpServer *http.Server
	nextConnID int64
	shutdown   int32
	wg         sync.WaitGroup
}

func NewServer(
	cfg *config.Config,
	gate *auth.Gate,
	connLimiter *limits.ConnLimiter,
	msgLimiter *limits.MessageLimiter,
	registry *Registry,
	topics *TopicIndex,
	dispatcher *Dispatcher,
	router *Router,
	bridge AccountBridge,
	auditSink audit.Sink,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: false,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		gate:        gate,
		connLimiter: connLimiter,
		msgLimiter:  msgLimiter,
		registry:    registry,
		topics:      topics,
		dispatcher:  dispatcher,
		router:      router,
		bridge:      bridge,
		auditSink:   auditSink,
		logger:      logger.With().Str("component", "server").Logger(),
	}
}

// Start runs the HTTP listener until it fails or Shutdown stops it.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if atomic.LoadInt32(&s.shutdown) == 1 {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": s.registry.Count(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shutdown) == 1 {
		metrics.ConnectionsRejected.WithLabelValues("draining").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !s.connLimiter.Allow(ip) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if s.registry.Count() >= s.cfg.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	// Validate any handshake credential before the upgrade so a good
	// token opens the connection already promoted. An expired or invalid
	// token does NOT reject the connection; the client is told after the
	// open and stays at the public tier.
	var identity *auth.Identity
	var credErr error
	if credential := auth.CredentialFromRequest(r); credential != "" {
		identity, credErr = s.gate.Validate(r.Context(), credential)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	c := newConn(atomic.AddInt64(&s.nextConnID, 1), ws, ip, s.cfg.SendBufferSize)
	c.touch()
	if identity != nil {
		c.setIdentity(identity)
	}
	s.registry.Register(c)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Set(float64(s.registry.Count()))

	s.logger.Info().
		Int64("conn_id", c.ID).
		Str("ip", ip).
		Str("tier", c.Tier().String()).
		Msg("connection opened")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)

	welcome, _ := json.Marshal(map[string]any{
		"connectionId": c.ID,
		"tier":         c.Tier().String(),
		"topics":       s.topics.catalog.Topics(),
	})
	s.dispatcher.SendTo(c, protocol.NewSystem("welcome", welcome))

	if credErr != nil {
		subtype := "auth_failed"
		if credErr == auth.ErrTokenExpired {
			subtype = "token_expired"
		}
		metrics.AuthFailures.WithLabelValues(subtype).Inc()
		s.dispatcher.SendTo(c, protocol.NewSystem(subtype, nil))
	}
}

// readPump consumes inbound frames until the transport fails or the
// router asks for a disconnect. It owns the read side: read limit, idle
// deadline, and pong handling.
func (s *Server) readPump(c *Conn) {
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{"conn_id": c.ID})
	defer s.wg.Done()
	defer s.teardown(c, websocket.CloseNormalClosure, "read loop ended")

	c.ws.SetReadLimit(int64(s.cfg.MaxPayloadBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Int64("conn_id", c.ID).Msg("unexpected close")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if s.router.HandleFrame(context.Background(), c, data) {
			s.teardown(c, websocket.ClosePolicyViolation, "rate limit abuse")
			return
		}
	}
}

// writePump is the single writer for a connection. It drains the send
// queue and emits pings plus application heartbeats on idle.
func (s *Server) writePump(c *Conn) {
	defer logging.RecoverPanic(s.logger, "writePump", map[string]any{"conn_id": c.ID})
	defer s.wg.Done()

	pingTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer pingTicker.Stop()

	heartbeat, _ := s.router.codec.Encode(protocol.NewSystem("heartbeat", nil))

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.teardown(c, websocket.CloseAbnormalClosure, "write failed")
				return
			}
			atomic.AddInt64(&c.messagesOut, 1)
			metrics.MessagesSent.Inc()
		case <-pingTicker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown(c, websocket.CloseAbnormalClosure, "ping failed")
				return
			}
			if time.Since(c.LastActivity()) > s.cfg.HeartbeatInterval {
				c.enqueue(heartbeat)
			}
		}
	}
}

// teardown runs the full cleanup sequence for a connection. The registry
// may already have dropped the conn (slow-client path); the rest of the
// cleanup still runs exactly once.
func (s *Server) teardown(c *Conn, closeCode int, reason string) {
	topics := c.Topics() // captured before the registry clears them
	s.registry.Unregister(c)
	c.cleanupOnce.Do(func() {
		s.cleanup(c, topics, closeCode, reason)
	})
}

func (s *Server) cleanup(c *Conn, topics []string, closeCode int, reason string) {
	s.msgLimiter.Remove(c.ID)

	if s.bridge != nil {
		if identity := c.Identity(); identity != nil {
			for _, account := range c.takeBridged() {
				s.bridge.Release(identity.Wallet, account)
			}
		}
	}

	closedAt := time.Now()
	event := audit.ConnectionEvent{
		ConnectionID: c.ID,
		OpenedAt:     c.OpenedAt,
		ClosedAt:     &closedAt,
		CloseCode:    closeCode,
		CloseReason:  reason,
		Topics:       topics,
		MessagesIn:   c.MessagesIn(),
		MessagesOut:  c.MessagesOut(),
	}
	if identity := c.Identity(); identity != nil {
		event.Wallet = identity.Wallet
	}
	s.auditSink.Record(event)

	metrics.ConnectionsCurrent.Set(float64(s.registry.Count()))
	s.logger.Info().
		Int64("conn_id", c.ID).
		Str("reason", reason).
		Dur("lifetime", closedAt.Sub(c.OpenedAt)).
		Msg("connection closed")
}

// Shutdown drains the hub: new connections are refused, clients get a
// shutdown notice, and the server waits up to the grace period for them
// to leave before force-closing the rest. The hard deadline bounds the
// whole sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)
	s.logger.Info().Int("connections", s.registry.Count()).Msg("shutdown started")

	notice, _ := json.Marshal(map[string]any{
		"graceSeconds": int(s.cfg.ShutdownGracePeriod.Seconds()),
	})
	for _, c := range s.registry.All() {
		s.dispatcher.SendTo(c, protocol.NewSystem("shutting_down", notice))
	}

	graceDeadline := time.After(s.cfg.ShutdownGracePeriod)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

drain:
	for {
		select {
		case <-graceDeadline:
			break drain
		case <-ctx.Done():
			break drain
		case <-tick.C:
			if s.registry.Count() == 0 {
				break drain
			}
		}
	}

	for _, c := range s.registry.All() {
		s.teardown(c, websocket.CloseGoingAway, "server shutdown")
	}

	s.connLimiter.Stop()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline reached with pumps still running")
	}

	s.logger.Info().Msg("shutdown complete")
	return nil
}

// remoteIP prefers the first X-Forwarded-For hop since the hub sits
// behind the platform's reverse proxy.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
