// Package registry maps online users and devices to live connections,
// grouped by room, and fans committed events out to them. Each connection
// owns a bounded outbound mailbox drained by a dedicated writer goroutine;
// the registry only ever enqueues to that mailbox, never touches the
// transport directly. A connection whose mailbox overflows is evicted so a
// slow socket can never stall its room.
package registry

import (
	"hash/fnv"
	"log"
	"sync"

	"github.com/relaychat/chat-core/internal/metrics"
)

const roomShards = 16

// Sink is the transport side of a connection: the registry enqueues
// payloads, the handle's writer goroutine pushes them through the sink.
type Sink interface {
	Write(data []byte) error
	Close() error
}

// Config holds registry tuning parameters.
type Config struct {
	MailboxSize int // outbound buffer per connection
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MailboxSize: 256}
}

type connKey struct {
	userID          string
	deviceSessionID string
}

// Handle is one registered connection. Lifetime is bound to the registry:
// created by Register, destroyed by Unregister, eviction, or replacement.
type Handle struct {
	UserID          string
	DeviceSessionID string

	reg     *Registry
	sink    Sink
	mailbox chan []byte
	done    chan struct{}
	closing sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Rooms returns a snapshot of the handle's current room subscriptions.
func (h *Handle) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.rooms))
	for r := range h.rooms {
		out = append(out, r)
	}
	return out
}

// Send enqueues a payload directly to this connection's mailbox, bypassing
// room fan-out. Used for replies and replay streaming. Returns false if
// the mailbox is full or the handle is closed; a full mailbox evicts the
// connection, same as during fan-out.
func (h *Handle) Send(data []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.mailbox <- data:
		return true
	default:
		metrics.FanoutDroppedTotal.Inc()
		log.Printf("registry: mailbox overflow user=%s device=%s, evicting", h.UserID, h.DeviceSessionID)
		h.reg.Unregister(h)
		return false
	}
}

// writeLoop drains the mailbox into the sink in FIFO order, preserving
// submission order for this connection. A write error evicts the handle.
func (h *Handle) writeLoop() {
	for {
		select {
		case data := <-h.mailbox:
			if err := h.sink.Write(data); err != nil {
				log.Printf("registry: write failed user=%s device=%s: %v", h.UserID, h.DeviceSessionID, err)
				h.reg.Unregister(h)
				return
			}
		case <-h.done:
			return
		}
	}
}

// shutdown stops the writer goroutine and closes the sink. Idempotent.
func (h *Handle) shutdown() {
	h.closing.Do(func() {
		close(h.done)
		_ = h.sink.Close()
	})
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[*Handle]struct{}
}

// Registry is the connection registry. Connections are keyed by
// (user_id, device_session_id); rooms are partitioned across independently
// locked shards so one busy room cannot stall unrelated rooms.
type Registry struct {
	config Config

	mu    sync.Mutex
	conns map[connKey]*Handle

	shards [roomShards]*roomShard

	// Optional hooks fired when a room gains its first local subscriber or
	// loses its last one. Used to bridge room interest to the message bus.
	onRoomActive func(roomID string)
	onRoomIdle   func(roomID string)
}

// New creates an empty Registry.
func New(config Config) *Registry {
	if config.MailboxSize <= 0 {
		config.MailboxSize = DefaultConfig().MailboxSize
	}
	r := &Registry{
		config: config,
		conns:  make(map[connKey]*Handle),
	}
	for i := range r.shards {
		r.shards[i] = &roomShard{rooms: make(map[string]map[*Handle]struct{})}
	}
	return r
}

// SetRoomHooks registers callbacks for room interest transitions. Must be
// called before the first Register. Hooks run while the room's shard lock
// is held, so active/idle invocations for a room arrive strictly in
// transition order; a hook must not call back into the registry.
func (r *Registry) SetRoomHooks(onActive, onIdle func(roomID string)) {
	r.onRoomActive = onActive
	r.onRoomIdle = onIdle
}

func (r *Registry) shardFor(roomID string) *roomShard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return r.shards[h.Sum32()%roomShards]
}

// Register creates a handle for the connection and subscribes it to the
// given rooms. If a connection already exists for the same
// (user, device session) it is silently evicted and replaced: at most one
// live connection per device session.
func (r *Registry) Register(userID, deviceSessionID string, roomIDs []string, sink Sink) *Handle {
	h := &Handle{
		UserID:          userID,
		DeviceSessionID: deviceSessionID,
		reg:             r,
		sink:            sink,
		mailbox:         make(chan []byte, r.config.MailboxSize),
		done:            make(chan struct{}),
		rooms:           make(map[string]struct{}),
	}

	key := connKey{userID: userID, deviceSessionID: deviceSessionID}

	r.mu.Lock()
	prev := r.conns[key]
	r.conns[key] = h
	r.mu.Unlock()

	if prev != nil {
		log.Printf("registry: superseding connection user=%s device=%s", userID, deviceSessionID)
		r.detach(prev)
	}

	go h.writeLoop()

	for _, roomID := range roomIDs {
		r.Subscribe(h, roomID)
	}
	return h
}

// Unregister removes the handle from all rooms and the connection table,
// stops its writer, and closes its sink. Safe to call multiple times and
// from any goroutine.
func (r *Registry) Unregister(h *Handle) {
	key := connKey{userID: h.UserID, deviceSessionID: h.DeviceSessionID}

	r.mu.Lock()
	if r.conns[key] == h {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	r.detach(h)
}

// detach removes the handle from every room and shuts it down, without
// touching the connection table (the caller owns that decision).
func (r *Registry) detach(h *Handle) {
	for _, roomID := range h.Rooms() {
		r.Unsubscribe(h, roomID)
	}
	h.shutdown()
}

// Subscribe adds the handle to a room's fan-out set.
func (r *Registry) Subscribe(h *Handle, roomID string) {
	h.mu.Lock()
	if _, ok := h.rooms[roomID]; ok {
		h.mu.Unlock()
		return
	}
	h.rooms[roomID] = struct{}{}
	h.mu.Unlock()

	shard := r.shardFor(roomID)
	shard.mu.Lock()
	members, ok := shard.rooms[roomID]
	if !ok {
		members = make(map[*Handle]struct{})
		shard.rooms[roomID] = members
	}
	members[h] = struct{}{}
	// The hook fires under the shard lock: a racing last-unsubscribe on
	// the same room cannot slip its idle hook in after this active one,
	// which would strand the room with members but no upstream interest.
	if len(members) == 1 && r.onRoomActive != nil {
		r.onRoomActive(roomID)
	}
	shard.mu.Unlock()
}

// Unsubscribe removes the handle from a room's fan-out set.
func (r *Registry) Unsubscribe(h *Handle, roomID string) {
	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, roomID)
	h.mu.Unlock()

	shard := r.shardFor(roomID)
	shard.mu.Lock()
	members := shard.rooms[roomID]
	delete(members, h)
	if members != nil && len(members) == 0 {
		delete(shard.rooms, roomID)
		// Under the shard lock for the same ordering guarantee as the
		// active hook in Subscribe.
		if r.onRoomIdle != nil {
			r.onRoomIdle(roomID)
		}
	}
	shard.mu.Unlock()
}

// Publish enqueues the payload to every connection subscribed to roomID.
// Enqueue is non-blocking: a full mailbox evicts that connection only,
// and delivery to the rest of the room proceeds unaffected.
func (r *Registry) Publish(roomID string, data []byte) {
	shard := r.shardFor(roomID)

	shard.mu.RLock()
	members := shard.rooms[roomID]
	handles := make([]*Handle, 0, len(members))
	for h := range members {
		handles = append(handles, h)
	}
	shard.mu.RUnlock()

	for _, h := range handles {
		if h.Send(data) {
			metrics.FanoutDeliveredTotal.Inc()
		}
	}
}

// RoomSize returns the number of local connections subscribed to roomID.
func (r *Registry) RoomSize(roomID string) int {
	shard := r.shardFor(roomID)
	shard.mu.RLock()
	n := len(shard.rooms[roomID])
	shard.mu.RUnlock()
	return n
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.conns)
	r.mu.Unlock()
	return n
}

// ConnectionsForUser reports how many live connections a user has across
// devices. Presence uses this to decide whether a disconnect means offline.
func (r *Registry) ConnectionsForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.conns {
		if key.userID == userID {
			n++
		}
	}
	return n
}

// Shutdown evicts every connection. Used during graceful server shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.conns = make(map[connKey]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		r.detach(h)
	}
}
