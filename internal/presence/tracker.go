// Package presence tracks per-user liveness and typing indicators. The
// entry map is partitioned into independently locked shards keyed by user
// id hash, so concurrent activity on unrelated users never contends on one
// lock. Entries expire via a periodic TTL sweep; typing state additionally
// self-expires so a client that dies mid-type never leaves a stuck
// indicator.
package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/relaychat/chat-core/internal/metrics"
)

const shardCount = 32

// Listener receives presence transitions. Exactly one event is emitted per
// transition, even under concurrent sweeps and activity signals.
type Listener interface {
	PresenceChanged(userID string, online bool)
	TypingChanged(userID, roomID string, typing bool)
}

// Config holds tunable presence parameters.
type Config struct {
	TTL           time.Duration // no refresh within this window -> offline
	SweepInterval time.Duration // how often the TTL sweep runs
	TypingExpiry  time.Duration // typing indicator lifetime without refresh
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           60 * time.Second,
		SweepInterval: 5 * time.Second,
		TypingExpiry:  7 * time.Second,
	}
}

type entry struct {
	lastSeen      time.Time
	typingRoom    string // empty when not typing
	typingExpires time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// event is a transition decided under a shard lock and emitted after it is
// released, so listeners may call back into the tracker.
type event struct {
	userID string
	roomID string // typing events only
	typing bool   // true: typing event, false: presence event
	state  bool   // online / started
}

// Tracker maintains presence entries and runs the TTL sweep.
type Tracker struct {
	config   Config
	listener Listener
	shards   [shardCount]*shard
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Tracker. Call Start to begin the background sweep.
func New(config Config, listener Listener) *Tracker {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.TypingExpiry <= 0 {
		config.TypingExpiry = DefaultConfig().TypingExpiry
	}

	t := &Tracker{
		config:   config,
		listener: listener,
		done:     make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return t
}

// Start launches the background TTL sweep goroutine.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.Sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

// Touch records activity for a user, transitioning Offline -> Online on
// the first signal and refreshing the TTL window on every one.
func (t *Tracker) Touch(userID string) {
	s := t.shardFor(userID)

	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
		metrics.PresenceOnline.Inc()
	}
	e.lastSeen = time.Now()
	s.mu.Unlock()

	if !ok {
		t.emit(event{userID: userID, state: true})
	}
}

// Disconnect marks a user offline immediately. Callers invoke this only
// when the user's last connection is gone; a user with other live devices
// stays online.
func (t *Tracker) Disconnect(userID string) {
	s := t.shardFor(userID)

	s.mu.Lock()
	e, ok := s.entries[userID]
	var typingRoom string
	if ok {
		typingRoom = e.typingRoom
		delete(s.entries, userID)
		metrics.PresenceOnline.Dec()
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if typingRoom != "" {
		t.emit(event{userID: userID, roomID: typingRoom, typing: true, state: false})
	}
	t.emit(event{userID: userID, state: false})
}

// TypingStart marks the user as typing in roomID. The indicator is
// advisory and self-expires; repeated calls refresh the expiry without
// emitting duplicate events. Switching rooms stops the old indicator.
func (t *Tracker) TypingStart(userID, roomID string) {
	s := t.shardFor(userID)
	now := time.Now()

	s.mu.Lock()
	e, existed := s.entries[userID]
	if !existed {
		e = &entry{}
		s.entries[userID] = e
		metrics.PresenceOnline.Inc()
	}
	e.lastSeen = now

	prevRoom := e.typingRoom
	started := prevRoom != roomID
	e.typingRoom = roomID
	e.typingExpires = now.Add(t.config.TypingExpiry)
	s.mu.Unlock()

	if !existed {
		t.emit(event{userID: userID, state: true})
	}
	if prevRoom != "" && prevRoom != roomID {
		t.emit(event{userID: userID, roomID: prevRoom, typing: true, state: false})
	}
	if started {
		t.emit(event{userID: userID, roomID: roomID, typing: true, state: true})
	}
}

// TypingStop clears the typing indicator for roomID, if set.
func (t *Tracker) TypingStop(userID, roomID string) {
	s := t.shardFor(userID)

	s.mu.Lock()
	e, ok := s.entries[userID]
	stopped := ok && e.typingRoom == roomID
	if stopped {
		e.typingRoom = ""
		e.typingExpires = time.Time{}
		e.lastSeen = time.Now()
	}
	s.mu.Unlock()

	if stopped {
		t.emit(event{userID: userID, roomID: roomID, typing: true, state: false})
	}
}

// Online reports whether the user currently has a presence entry.
func (t *Tracker) Online(userID string) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	_, ok := s.entries[userID]
	s.mu.Unlock()
	return ok
}

// OnlineUsers returns a snapshot of all users currently tracked as online.
func (t *Tracker) OnlineUsers() []string {
	var out []string
	for _, s := range t.shards {
		s.mu.Lock()
		for userID := range s.entries {
			out = append(out, userID)
		}
		s.mu.Unlock()
	}
	return out
}

// Sweep expires entries whose TTL elapsed and typing indicators past their
// expiry, as of now. Exported so tests can drive it with a synthetic
// clock; the background goroutine calls it on every tick. Transitions are
// decided under the shard lock, so concurrent sweeps emit each event
// exactly once.
func (t *Tracker) Sweep(now time.Time) {
	ttlCutoff := now.Add(-t.config.TTL)

	for _, s := range t.shards {
		var events []event

		s.mu.Lock()
		for userID, e := range s.entries {
			if e.lastSeen.Before(ttlCutoff) {
				if e.typingRoom != "" {
					events = append(events, event{userID: userID, roomID: e.typingRoom, typing: true, state: false})
				}
				delete(s.entries, userID)
				metrics.PresenceOnline.Dec()
				events = append(events, event{userID: userID, state: false})
				continue
			}
			if e.typingRoom != "" && e.typingExpires.Before(now) {
				events = append(events, event{userID: userID, roomID: e.typingRoom, typing: true, state: false})
				e.typingRoom = ""
				e.typingExpires = time.Time{}
			}
		}
		s.mu.Unlock()

		for _, ev := range events {
			t.emit(ev)
		}
	}
}

func (t *Tracker) emit(ev event) {
	if t.listener == nil {
		return
	}
	if ev.typing {
		t.listener.TypingChanged(ev.userID, ev.roomID, ev.state)
		return
	}
	t.listener.PresenceChanged(ev.userID, ev.state)
}
