package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/relaychat/chat-core/internal/auth"
	"github.com/relaychat/chat-core/internal/history"
	"github.com/relaychat/chat-core/internal/membership"
	"github.com/relaychat/chat-core/internal/messaging"
	"github.com/relaychat/chat-core/internal/protocol"
	"github.com/relaychat/chat-core/internal/store"
)

// natsPublisher adapts the NATS client to the pipeline's fan-out port.
// Committed messages are encoded once, as the frame clients receive, and
// published to the room subject.
type natsPublisher struct {
	nats *messaging.NATSClient
}

func (p *natsPublisher) PublishMessage(msg store.Message) error {
	data, err := protocol.NewServerMessage(protocol.TypeMessageEvent, protocol.MessageEventMsg{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		Ts:        msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.nats.PublishRoomEvent(msg.RoomID, data)
}

// roomIndex tracks, per user, which rooms their connections are currently
// subscribed to. Reference counted: a user with two devices in the same
// room stays indexed until both leave.
type roomIndex struct {
	mu     sync.RWMutex
	byUser map[string]map[string]int // user -> room -> refcount
}

func newRoomIndex() *roomIndex {
	return &roomIndex{byUser: make(map[string]map[string]int)}
}

func (ri *roomIndex) add(userID, roomID string) {
	ri.mu.Lock()
	rooms := ri.byUser[userID]
	if rooms == nil {
		rooms = make(map[string]int)
		ri.byUser[userID] = rooms
	}
	rooms[roomID]++
	ri.mu.Unlock()
}

func (ri *roomIndex) drop(userID, roomID string) {
	ri.mu.Lock()
	rooms := ri.byUser[userID]
	if rooms != nil {
		rooms[roomID]--
		if rooms[roomID] <= 0 {
			delete(rooms, roomID)
		}
		if len(rooms) == 0 {
			delete(ri.byUser, userID)
		}
	}
	ri.mu.Unlock()
}

func (ri *roomIndex) roomsOf(userID string) []string {
	ri.mu.RLock()
	rooms := make([]string, 0, len(ri.byUser[userID]))
	for roomID := range ri.byUser[userID] {
		rooms = append(rooms, roomID)
	}
	ri.mu.RUnlock()
	return rooms
}

// eventFanout forwards presence and typing transitions to the room
// subjects where they are visible. Presence events go to every room the
// user's connections are subscribed to; typing events carry their room.
type eventFanout struct {
	nats  *messaging.NATSClient
	rooms *roomIndex
}

func (f *eventFanout) PresenceChanged(userID string, online bool) {
	state := protocol.PresenceOffline
	if online {
		state = protocol.PresenceOnline
	}

	data, err := protocol.NewServerMessage(protocol.TypePresenceEvent, protocol.PresenceEventMsg{
		UserID: userID,
		State:  state,
	})
	if err != nil {
		log.Printf("presence event encode failed user=%s: %v", userID, err)
		return
	}

	for _, roomID := range f.rooms.roomsOf(userID) {
		if err := f.nats.PublishRoomEvent(roomID, data); err != nil {
			log.Printf("presence event publish failed user=%s room=%s: %v", userID, roomID, err)
		}
	}
}

func (f *eventFanout) TypingChanged(userID, roomID string, typing bool) {
	state := protocol.TypingStopped
	if typing {
		state = protocol.TypingStarted
	}

	data, err := protocol.NewServerMessage(protocol.TypeTypingEvent, protocol.TypingEventMsg{
		UserID: userID,
		RoomID: roomID,
		State:  state,
	})
	if err != nil {
		log.Printf("typing event encode failed user=%s: %v", userID, err)
		return
	}

	if err := f.nats.PublishRoomEvent(roomID, data); err != nil {
		log.Printf("typing event publish failed user=%s room=%s: %v", userID, roomID, err)
	}
}

// handleRecent serves the most recent page of a room over plain HTTP, for
// clients falling back to a full reload after a truncated replay. The
// request authenticates with the same session token as the WebSocket
// upgrade.
func handleRecent(w http.ResponseWriter, r *http.Request, validator auth.Validator, members membership.Checker, svc *history.Service) {
	token := r.URL.Query().Get("token")
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		http.Error(w, "room_id required", http.StatusBadRequest)
		return
	}

	userID, err := validator.Validate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	isMember, err := members.IsMember(r.Context(), userID, roomID)
	if err != nil {
		http.Error(w, "membership check failed", http.StatusServiceUnavailable)
		return
	}
	if !isMember {
		http.Error(w, "not a room member", http.StatusForbidden)
		return
	}

	messages, err := svc.Recent(r.Context(), roomID)
	if err != nil {
		log.Printf("recent page read failed room=%s: %v", roomID, err)
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		RoomID   string          `json:"room_id"`
		Messages []store.Message `json:"messages"`
	}{RoomID: roomID, Messages: messages})
}
