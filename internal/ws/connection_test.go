package ws

import (
	"net"
	"testing"
	"time"
)

func newTestConnection(userID, deviceSessionID string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	return &Connection{
		UserID:          userID,
		DeviceSessionID: deviceSessionID,
		Conn:            server,
		CreatedAt:       time.Now(),
		LastActive:      time.Now(),
	}, client
}

func TestManagerAddAndRemove(t *testing.T) {
	cm := NewConnectionManager()

	c, _ := newTestConnection("alice", "phone")
	if displaced := cm.Add(c); displaced != nil {
		t.Fatalf("unexpected displaced connection: %+v", displaced)
	}

	if got := cm.Get("alice", "phone"); got != c {
		t.Fatal("Get did not return the added connection")
	}
	if got := cm.GetByConn(c.Conn); got != c {
		t.Fatal("GetByConn did not return the added connection")
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}

	if !cm.Remove(c) {
		t.Fatal("Remove returned false for a registered connection")
	}
	if cm.Remove(c) {
		t.Fatal("second Remove must return false")
	}
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", cm.Count())
	}
}

func TestManagerReplaceSameDeviceSession(t *testing.T) {
	cm := NewConnectionManager()

	old, _ := newTestConnection("alice", "phone")
	cm.Add(old)

	replacement, _ := newTestConnection("alice", "phone")
	displaced := cm.Add(replacement)
	if displaced != old {
		t.Fatal("Add must return the displaced connection for the same identity")
	}

	// The displaced connection must be fully unreachable so the caller's
	// cleanup is the only remaining reference to it.
	if got := cm.GetByConn(old.Conn); got != nil {
		t.Fatal("displaced connection still reachable via its transport")
	}
	if cm.Remove(old) {
		t.Fatal("Remove(displaced) must not tear down the replacement")
	}
	if got := cm.Get("alice", "phone"); got != replacement {
		t.Fatal("identity lookup must resolve to the replacement")
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection after replacement, got %d", cm.Count())
	}

	all := cm.All()
	if len(all) != 1 || all[0] != replacement {
		t.Fatalf("All must report only the replacement, got %d entries", len(all))
	}

	if !cm.Remove(replacement) {
		t.Fatal("Remove(replacement) failed")
	}
}

func TestManagerRemoveClosesTransport(t *testing.T) {
	cm := NewConnectionManager()

	c, client := newTestConnection("bob", "laptop")
	cm.Add(c)
	cm.Remove(c)

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the peer to observe the close")
	}
}
