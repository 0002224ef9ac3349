// Package ws serves browser WebSocket connections. It upgrades HTTP requests
// with gobwas/ws, multiplexes reads through epoll and a bounded worker pool,
// evicts silent clients with a heartbeat and hands connection lifecycle
// events and text frames to the application through Hooks.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TalMal-ContactMe/contact-form/internal/metrics"
	"github.com/TalMal-ContactMe/contact-form/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string          `yaml:"listen_addr"`       // address to listen on, e.g. ":8080"
	Path            string          `yaml:"path"`              // upgrade endpoint
	ConversationKey string          `yaml:"conversation_key"`  // query parameter carrying the conversation id
	WorkerPoolSize  int             `yaml:"worker_pool_size"`  // max concurrent read-worker goroutines
	MaxConnections  int             `yaml:"max_connections"`   // hard cap on total connections
	MaxMessageBytes int64           `yaml:"max_message_bytes"` // larger client messages close the connection
	ReadTimeout     time.Duration   `yaml:"read_timeout"`      // timeout for WebSocket read operations
	WriteTimeout    time.Duration   `yaml:"write_timeout"`     // timeout for WebSocket write operations
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		Path:            "/",
		ConversationKey: "chatId",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxMessageBytes: 16 << 10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Hooks are the application callbacks. OnRegister runs before the connection
// is visible to the poller, the heartbeat or Shutdown, so OnDisconnect for a
// connection always follows it. OnOpen runs next on the upgrading request's
// goroutine and may block (for example to replay history). OnMessage runs on
// a read worker. OnDisconnect runs once per connection, whatever closed it.
type Hooks struct {
	OnRegister   func(c *Connection)
	OnOpen       func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection)
}

// Limiter throttles connection attempts per client IP.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config      ServerConfig
	hooks       Hooks
	epoll       *Epoll
	conns       *ConnectionManager
	workerPool  chan struct{} // semaphore limiting concurrent read workers
	limiter     Limiter
	connectRule ratelimit.Rule
	mux         *http.ServeMux
	httpServer  *http.Server
	logger      zerolog.Logger
	done        chan struct{}
	lifecycle   sync.Mutex // guards epoll against a Shutdown racing Serve
	stopped     bool
	startedAt   time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and hooks. Routes
// for the upgrade path and /health are mounted immediately; more can be added
// with Handle before Start.
func NewServer(config ServerConfig, hooks Hooks) *Server {
	def := DefaultServerConfig()
	if config.Path == "" {
		config.Path = def.Path
	}
	if config.ConversationKey == "" {
		config.ConversationKey = def.ConversationKey
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = def.MaxMessageBytes
	}

	s := &Server{
		config:     config,
		hooks:      hooks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		logger:     log.With().Str("component", "ws").Logger(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	s.mux.HandleFunc(config.Path, s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetConnectLimiter enables per-IP connection rate limiting.
func (s *Server) SetConnectLimiter(l Limiter, rule ratelimit.Rule) {
	s.limiter = l
	s.connectRule = rule
}

// Handle mounts an additional HTTP handler on the server's mux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "ws: listen %s", s.config.ListenAddr)
	}
	return s.Serve(ln)
}

// Serve initializes the poller, starts the event loop and heartbeat, and
// blocks serving HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.lifecycle.Lock()
	if s.stopped {
		s.lifecycle.Unlock()
		return nil
	}
	epoll, err := NewEpoll()
	if err != nil {
		s.lifecycle.Unlock()
		return errors.Wrap(err, "ws: create poller")
	}
	s.epoll = epoll
	s.lifecycle.Unlock()

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("path", s.config.Path).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "ws: http server")
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, runs OnRegister, hands it to the poller and
// the connection manager, then runs OnOpen.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), ip, s.connectRule)
		if err != nil {
			s.logger.Warn().Err(err).Str("ip", ip).Msg("connect limiter unavailable")
		}
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conversationID := r.URL.Query().Get(s.config.ConversationKey)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	now := time.Now()
	c := &Connection{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		RemoteIP:       ip,
		Conn:           conn,
		CreatedAt:      now,
		writeTimeout:   s.config.WriteTimeout,
	}
	c.touch(now)

	if s.hooks.OnRegister != nil {
		s.hooks.OnRegister(c)
	}

	reader, err := s.epoll.Add(conn)
	if err != nil {
		s.logger.Error().Err(err).Str("ip", ip).Msg("poller registration failed")
		conn.Close()
		if s.hooks.OnDisconnect != nil {
			s.hooks.OnDisconnect(c)
		}
		return
	}
	c.reader = reader
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.logger.Debug().
		Str("conn", c.ID).
		Str("conversation", conversationID).
		Int("total", s.conns.Count()).
		Msg("new connection")

	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen(c)
	}
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				s.logger.Error().Err(err).Msg("poller wait failed")
			}
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection. Control
// frames are answered or absorbed without blocking on a data frame that may
// never arrive. A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		// Ready before handleUpgrade finished registering it.
		s.epoll.Resume(netConn)
		return
	}

	// Level-triggered epoll can report a connection again while a worker is
	// still reading it.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(c.reader)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.reader.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat handles dead
		// connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxMessageBytes+1))
	_ = c.reader.SetReadDeadline(time.Time{})
	if err != nil {
		s.RemoveConnection(c)
		return
	}

	c.touch(time.Now())

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.Conn, ws.NewPongFrame(data))
			c.writeMu.Unlock()
			if err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if int64(len(data)) > s.config.MaxMessageBytes {
		s.logger.Info().Str("conn", c.ID).Int64("limit", s.config.MaxMessageBytes).Msg("message too large, closing")
		s.RemoveConnection(c)
		return
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters c from the poller and the connection manager,
// closes it, and fires OnDisconnect. Concurrent calls for the same connection
// (read error racing a heartbeat eviction) fire OnDisconnect once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.reader)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}

	s.logger.Debug().
		Str("conn", c.ID).
		Str("conversation", c.ConversationID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop and heartbeat to
// exit, closes every connection and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.stopped {
		s.lifecycle.Unlock()
		return nil
	}
	s.stopped = true
	epoll := s.epoll
	s.lifecycle.Unlock()

	s.logger.Info().Msg("shutting down server")
	close(s.done)

	var err error
	if err = s.httpServer.Shutdown(ctx); err != nil {
		err = errors.Wrap(err, "ws: http shutdown")
	}

	if epoll != nil {
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = epoll.Close()
	}

	s.logger.Info().Msg("server stopped, all connections closed")
	return err
}

// clientIP prefers the first X-Forwarded-For entry set by a proxy in front of
// the relay and falls back to the TCP peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4" ||
		strings.HasSuffix(err.Error(), "interrupted system call")
}
