// Package store provides durable message persistence behind a narrow
// capability interface, with PostgreSQL, SQLite, and in-memory backends.
// All mutations are expected to flow through the single Writer; reads may
// run concurrently against the backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a committed chat message. IDs are assigned by the backend at
// commit time and are strictly increasing within the store. A message is
// immutable once committed.
type Message struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	DedupKey  string `json:"dedup_key"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// MessageStore is the capability interface the rest of the system depends
// on. Both PostgresStore and SQLiteStore implement it; MemoryStore backs
// tests and single-binary development.
type MessageStore interface {
	// InsertUnique commits a message, enforcing uniqueness on
	// (room_id, dedup_key). When the key already exists it returns the
	// original row with created=false and no error: a retry is not a
	// failure.
	InsertUnique(ctx context.Context, roomID, senderID, dedupKey, body string) (msg Message, created bool, err error)

	// ListAfter returns up to limit messages in roomID with id > afterID,
	// in ascending id order.
	ListAfter(ctx context.Context, roomID string, afterID int64, limit int) ([]Message, error)

	// ListRecent returns the newest limit messages in roomID, oldest first.
	ListRecent(ctx context.Context, roomID string, limit int) ([]Message, error)

	// OldestID returns the smallest retained message id in roomID. ok is
	// false when the room has no retained messages.
	OldestID(ctx context.Context, roomID string) (id int64, ok bool, err error)

	// DeleteBefore removes messages committed before cutoff, returning the
	// number of rows pruned. Used by the retention sweep; must only be
	// called from the Writer.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrClosed is returned for operations against a closed store or writer.
var ErrClosed = errors.New("store: closed")

// transientError marks a failure as retryable (store busy, connection
// dropped, serialization conflict). The Writer retries these with backoff
// before surfacing a hard failure.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by a backend.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
