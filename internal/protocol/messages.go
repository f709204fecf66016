// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubmitMessage = "submit_message"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeResume        = "resume"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeHello           = "hello"
	TypeMessageAck      = "message_ack"
	TypeMessageEvent    = "message_event"
	TypePresenceEvent   = "presence_event"
	TypeTypingEvent     = "typing_event"
	TypeReplayComplete  = "replay_complete"
	TypeReplayTruncated = "replay_truncated"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Presence and typing event states.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	TypingStarted   = "started"
	TypingStopped   = "stopped"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubmitMessageMsg submits a chat message to a room. The dedup key is a
// client-generated opaque token (e.g. a UUID) that makes resubmission after
// a network retry idempotent.
type SubmitMessageMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	DedupKey string `json:"dedup_key"`
	Body     string `json:"body"`
}

// SubscribeMsg subscribes the connection to a room's live fan-out.
type SubscribeMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// UnsubscribeMsg removes the connection from a room's live fan-out.
type UnsubscribeMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// TypingStartMsg signals the user started typing in a room. The indicator
// self-expires server-side; no stop message is required.
type TypingStartMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// TypingStopMsg explicitly clears the user's typing indicator.
type TypingStopMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ResumeMsg asks the server to replay all messages in a room after the
// client's last acknowledged message id, then resume live fan-out.
type ResumeMsg struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	LastSeenID int64  `json:"last_seen_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// HelloMsg is sent after a successful upgrade and token validation.
type HelloMsg struct {
	Type            string `json:"type"`
	UserID          string `json:"user_id"`
	DeviceSessionID string `json:"device_session_id"`
}

// MessageAckMsg confirms a submit_message with the authoritative message
// id. A retried submit receives the same id as the original.
type MessageAckMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	DedupKey  string `json:"dedup_key"`
	MessageID int64  `json:"message_id"`
}

// MessageEventMsg delivers a committed message, either via live fan-out or
// replay.
type MessageEventMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	Ts        int64  `json:"ts"`
}

// PresenceEventMsg announces a user's presence transition in a room.
type PresenceEventMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	State  string `json:"state"` // "online" | "offline"
}

// TypingEventMsg announces a typing transition for a user in a room.
type TypingEventMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	State  string `json:"state"` // "started" | "stopped"
}

// ReplayCompleteMsg marks the end of a gap replay; live fan-out resumes
// from here.
type ReplayCompleteMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	LastID int64  `json:"last_id"` // highest id replayed, or the request's last_seen_id
}

// ReplayTruncatedMsg tells the client its last seen id predates the
// retention horizon; it must fall back to a full room reload.
type ReplayTruncatedMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	OldestID int64  `json:"oldest_id"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates a permanent error condition for a request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubmitMessage:
		var m SubmitMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeResume:
		var m ResumeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
