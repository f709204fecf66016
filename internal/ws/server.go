// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining the set of active connections,
// and dispatching incoming frames to the application layer.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/relaychat/chat-core/internal/auth"
	"github.com/relaychat/chat-core/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates upgrade requests against the token validator, registers
// accepted connections with an epoll instance for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	validator    auth.Validator                      // resolves upgrade tokens to user ids
	gate         func(ctx context.Context, userID string) error // optional pre-upgrade admission check
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after a connection is accepted
	onDisconnect func(conn *Connection)              // called when a connection is removed
	onActivity   func(conn *Connection)              // called for every frame received, including pongs
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, token validator,
// and message callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, validator auth.Validator, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		validator:  validator,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetConnectGate registers an admission check run after token validation
// but before the upgrade. Returning a non-nil error rejects the request
// with 429. Used for per-user connection rate limiting.
func (s *Server) SetConnectGate(fn func(ctx context.Context, userID string) error) {
	s.gate = fn
}

// SetOnConnect registers a callback invoked after a connection has been
// accepted and registered with epoll.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnActivity registers a callback invoked whenever any frame, including
// a control pong, arrives on a connection. Used to feed presence liveness.
func (s *Server) SetOnActivity(fn func(conn *Connection)) {
	s.onActivity = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop
// in a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// upgradeToken extracts the session token from the request: the "token"
// query parameter, or an Authorization: Bearer header.
func upgradeToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

// handleUpgrade validates the session token, then upgrades the HTTP
// request to a WebSocket connection using the gobwas/ws zero-copy
// upgrader. On success it creates a Connection and registers it with the
// connection manager and epoll instance. Invalid tokens are rejected with
// 401 before the upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	userID, err := s.validator.Validate(ctx, upgradeToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
		} else {
			log.Printf("ws: token validation failed: %v", err)
			http.Error(w, "validation unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	if s.gate != nil {
		if err := s.gate(ctx, userID); err != nil {
			http.Error(w, "connect rate exceeded", http.StatusTooManyRequests)
			return
		}
	}

	// A client that reconnects with the same device session id silently
	// replaces its previous connection. Absent the header, each connection
	// is its own device session.
	deviceSession := r.Header.Get("X-Device-Session")
	if deviceSession == "" {
		deviceSession = r.URL.Query().Get("device_session")
	}
	if deviceSession == "" {
		deviceSession = uuid.New().String()
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed for user %s: %v", userID, err)
		return
	}

	c := &Connection{
		UserID:          userID,
		DeviceSessionID: deviceSession,
		Conn:            conn,
		Fd:              socketFD(conn),
		CreatedAt:       time.Now(),
		LastActive:      time.Now(),
		writeTimeout:    s.config.WriteTimeout,
	}

	// A reconnect on the same (user, device session) displaces the old
	// connection; run it through full disconnect cleanup so its epoll
	// registration, metrics, and application state are all released.
	if displaced := s.conns.Add(c); displaced != nil {
		log.Printf("ws: superseding connection user=%s device=%s", userID, deviceSession)
		_ = s.epoll.Remove(displaced.Conn)
		metrics.ConnectionsTotal.Dec()
		if s.onDisconnect != nil {
			s.onDisconnect(displaced)
		}
		displaced.Close()
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed user=%s device=%s: %v", userID, deviceSession, err)
		s.conns.Remove(c)
		return
	}

	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection user=%s device=%s fd=%d (total=%d)",
		userID, deviceSession, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by load balancer health
// checks.
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

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
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
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastActive = time.Now()
	if s.onActivity != nil {
		s.onActivity(c)
	}

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor and dispatcher can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if this exact connection was still in the manager. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c) {
		return
	}

	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed user=%s device=%s (total=%d)",
		c.UserID, c.DeviceSessionID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop and heartbeat to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
