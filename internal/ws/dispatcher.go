package ws

import (
	"log"
	"time"

	"github.com/relaychat/chat-core/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.SubmitMessageMsg,
// protocol.ResumeMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the message type. It handles the built-in ping/pong
// keepalive internally and sends structured error responses for malformed
// or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher ready for
// handler registration.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler
// was already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed message, handles ping internally, and routes all
// other types to the registered handler. Parse errors and unregistered
// types result in an error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error user=%s device=%s: %v", conn.UserID, conn.DeviceSessionID, err)
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler — respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q user=%s", msgType, conn.UserID)
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error message back to the client. Errors
// during message construction or transmission are logged but not
// propagated.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message user=%s: %v", conn.UserID, err)
		return
	}

	if err := conn.Write(data); err != nil {
		log.Printf("ws: failed to send error message user=%s: %v", conn.UserID, err)
	}
}

// sendPong responds to a client ping with a pong message and refreshes the
// connection's LastActive timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastActive = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message user=%s: %v", conn.UserID, err)
		return
	}

	if err := conn.Write(data); err != nil {
		log.Printf("ws: failed to send pong message user=%s: %v", conn.UserID, err)
	}
}
