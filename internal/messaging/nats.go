// Package messaging provides a NATS client wrapper for pub/sub messaging
// between chat-core server instances. Committed messages, presence
// transitions, and typing indicators ride room-scoped subjects so every
// instance can fan events out to its locally connected clients.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoomEvents is the subject prefix for room-scoped events; the
// room id is appended as the final token (room.events.<room_id>).
const SubjectRoomEvents = "room.events"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a
// ready client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoomEvent publishes an encoded event to the room's subject.
func (c *NATSClient) PublishRoomEvent(roomID string, data []byte) error {
	return c.conn.Publish(SubjectRoomEvents+"."+roomID, data)
}

// SubscribeRoom subscribes to a room's event subject. Called when the
// first local connection subscribes to the room.
func (c *NATSClient) SubscribeRoom(roomID string, handler func(data []byte)) error {
	subject := SubjectRoomEvents + "." + roomID

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[subject]; ok {
		return nil
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

// UnsubscribeRoom drops the room's subscription. Called when the last
// local connection leaves the room.
func (c *NATSClient) UnsubscribeRoom(roomID string) error {
	subject := SubjectRoomEvents + "." + roomID

	c.mu.Lock()
	sub, ok := c.subs[subject]
	if ok {
		delete(c.subs, subject)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
