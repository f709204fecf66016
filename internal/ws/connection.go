package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket connection with
// its identity metadata and a write mutex for serializing outbound frames.
// Fan-out reaches the connection through the registry's per-connection
// mailbox, whose writer goroutine calls Write; direct replies and heartbeat
// pings share the same mutex.
type Connection struct {
	UserID          string    // identity established by the token validator
	DeviceSessionID string    // at most one live connection per (user, device session)
	Conn            net.Conn  // underlying TCP connection
	Fd              int       // file descriptor for epoll lookups
	CreatedAt       time.Time // when the connection was established
	LastActive      time.Time // last frame received from the client

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Write sends a WebSocket text frame to this connection. It satisfies the
// registry's Sink interface. The write mutex ensures that concurrent
// goroutines do not interleave frame bytes; the deadline is cleared after
// each write so it does not affect heartbeat pings.
func (c *Connection) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// key identifies the connection in the manager's identity map.
func (c *Connection) key() string {
	return c.UserID + "/" + c.DeviceSessionID
}

// ConnectionManager is a thread-safe registry that maps connection
// identity keys and network connections to their respective Connection
// objects. Keying the transport lookup by net.Conn rather than file
// descriptor keeps it correct on the non-Linux fallback, where no real
// descriptors exist.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // "user/device_session" -> Connection
	byConn map[net.Conn]*Connection // transport -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps. If a connection
// already holds the same (user, device session) identity it is displaced
// and returned so the caller can run full cleanup on it; nil otherwise.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	prev := cm.byID[conn.key()]
	if prev != nil {
		delete(cm.byConn, prev.Conn)
	}
	cm.byID[conn.key()] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
	return prev
}

// Remove removes the given connection from both lookup maps and closes the
// underlying network connection. The pointer comparison guards against
// removing a newer connection that reused the same identity key after a
// duplicate-device replacement. Returns true if this exact connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	current, ok := cm.byID[conn.key()]
	if ok && current == conn {
		delete(cm.byID, conn.key())
		delete(cm.byConn, conn.Conn)
	} else {
		ok = false
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given user and device session, or nil
// if not found.
func (cm *ConnectionManager) Get(userID, deviceSessionID string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[userID+"/"+deviceSessionID]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn, or nil if not
// found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
