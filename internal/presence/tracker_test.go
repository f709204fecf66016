package presence

import (
	"sync"
	"testing"
	"time"
)

// recordingListener captures emitted presence and typing events.
type recordingListener struct {
	mu       sync.Mutex
	presence []presenceEvent
	typing   []typingEvent
}

type presenceEvent struct {
	userID string
	online bool
}

type typingEvent struct {
	userID string
	roomID string
	typing bool
}

func (l *recordingListener) PresenceChanged(userID string, online bool) {
	l.mu.Lock()
	l.presence = append(l.presence, presenceEvent{userID, online})
	l.mu.Unlock()
}

func (l *recordingListener) TypingChanged(userID, roomID string, typing bool) {
	l.mu.Lock()
	l.typing = append(l.typing, typingEvent{userID, roomID, typing})
	l.mu.Unlock()
}

func (l *recordingListener) presenceEvents() []presenceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]presenceEvent, len(l.presence))
	copy(out, l.presence)
	return out
}

func (l *recordingListener) typingEvents() []typingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]typingEvent, len(l.typing))
	copy(out, l.typing)
	return out
}

func newTestTracker(listener Listener) *Tracker {
	// Short windows; the sweep is driven manually.
	return New(Config{
		TTL:           time.Minute,
		SweepInterval: time.Hour,
		TypingExpiry:  5 * time.Second,
	}, listener)
}

func TestTouchEmitsSingleOnlineEvent(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.Touch("alice")
	tr.Touch("alice")
	tr.Touch("alice")

	events := l.presenceEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 presence event, got %d", len(events))
	}
	if !events[0].online || events[0].userID != "alice" {
		t.Fatalf("expected alice online, got %+v", events[0])
	}
	if !tr.Online("alice") {
		t.Error("alice should be online")
	}
}

func TestTTLExpiryEmitsExactlyOneOfflineEvent(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.Touch("alice")

	// Sweep from the future, past the TTL, several times concurrently.
	future := time.Now().Add(2 * time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Sweep(future)
		}()
	}
	wg.Wait()

	var offline int
	for _, ev := range l.presenceEvents() {
		if !ev.online && ev.userID == "alice" {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("expected exactly 1 offline event, got %d", offline)
	}
	if tr.Online("alice") {
		t.Error("alice should be offline after TTL expiry")
	}
}

func TestSweepKeepsFreshEntries(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.Touch("alice")
	tr.Sweep(time.Now())

	if !tr.Online("alice") {
		t.Fatal("fresh entry was swept")
	}
	for _, ev := range l.presenceEvents() {
		if !ev.online {
			t.Fatalf("unexpected offline event: %+v", ev)
		}
	}
}

func TestTypingAutoExpires(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.Touch("alice")
	tr.TypingStart("alice", "room-7")

	// No explicit stop: the sweep past the typing expiry clears it.
	tr.Sweep(time.Now().Add(10 * time.Second))

	events := l.typingEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 typing events (started, stopped), got %d: %v", len(events), events)
	}
	if !events[0].typing || events[0].roomID != "room-7" {
		t.Fatalf("expected started in room-7, got %+v", events[0])
	}
	if events[1].typing || events[1].roomID != "room-7" {
		t.Fatalf("expected stopped in room-7, got %+v", events[1])
	}

	// The user stays online: typing expiry is not presence expiry.
	if !tr.Online("alice") {
		t.Error("alice should remain online after typing expiry")
	}
}

func TestTypingStopIsIdempotent(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.TypingStart("alice", "room-7")
	tr.TypingStop("alice", "room-7")
	tr.TypingStop("alice", "room-7")

	var stopped int
	for _, ev := range l.typingEvents() {
		if !ev.typing {
			stopped++
		}
	}
	if stopped != 1 {
		t.Fatalf("expected exactly 1 stopped event, got %d", stopped)
	}
}

func TestTypingStartRefreshDoesNotDuplicate(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.TypingStart("alice", "room-7")
	tr.TypingStart("alice", "room-7")
	tr.TypingStart("alice", "room-7")

	var started int
	for _, ev := range l.typingEvents() {
		if ev.typing {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly 1 started event, got %d", started)
	}
}

func TestTypingSwitchRoomsStopsOldIndicator(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.TypingStart("alice", "room-7")
	tr.TypingStart("alice", "room-8")

	events := l.typingEvents()
	if len(events) != 3 {
		t.Fatalf("expected 3 typing events, got %d: %v", len(events), events)
	}
	if events[1].typing || events[1].roomID != "room-7" {
		t.Fatalf("expected stopped in room-7 before starting in room-8, got %+v", events[1])
	}
	if !events[2].typing || events[2].roomID != "room-8" {
		t.Fatalf("expected started in room-8, got %+v", events[2])
	}
}

func TestDisconnectClearsTypingAndPresence(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.Touch("alice")
	tr.TypingStart("alice", "room-7")
	tr.Disconnect("alice")

	if tr.Online("alice") {
		t.Error("alice should be offline after disconnect")
	}

	typing := l.typingEvents()
	if len(typing) != 2 || typing[1].typing {
		t.Fatalf("expected typing stopped on disconnect, got %v", typing)
	}

	events := l.presenceEvents()
	last := events[len(events)-1]
	if last.online {
		t.Fatalf("expected offline as final presence event, got %+v", last)
	}
}

func TestConcurrentTouches(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Touch("alice")
			}
		}()
	}
	wg.Wait()

	if got := len(l.presenceEvents()); got != 1 {
		t.Fatalf("expected exactly 1 online event under concurrent touches, got %d", got)
	}
}
