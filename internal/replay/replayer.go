// Package replay streams the messages a reconnecting client missed. Given
// the client's last acknowledged message id, it reads the gap from the
// store's read path in ascending id order. Replays are restartable:
// calling again with the same or a lower last-seen id yields an
// overlapping prefix, never a gap.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaychat/chat-core/internal/metrics"
	"github.com/relaychat/chat-core/internal/store"
)

// ErrAccessDenied is returned when the user is not a member of the room.
var ErrAccessDenied = errors.New("replay: not a room member")

// TruncatedError signals that the last seen id predates the store's
// retention horizon; replaying from it would silently skip messages, so
// the client must fall back to a full room reload.
type TruncatedError struct {
	RoomID   string
	OldestID int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("replay: room %s truncated before id %d", e.RoomID, e.OldestID)
}

// Reader is the slice of the store read path replay depends on.
// *store.PostgresStore, *store.SQLiteStore, and *store.MemoryStore all
// satisfy it.
type Reader interface {
	ListAfter(ctx context.Context, roomID string, afterID int64, limit int) ([]store.Message, error)
	OldestID(ctx context.Context, roomID string) (int64, bool, error)
}

// MembershipChecker is the external room-membership collaborator.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// Config holds replay tuning parameters.
type Config struct {
	PageSize int // messages fetched per store read
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{PageSize: 200}
}

// Replayer serves gap replays from the store's read path.
type Replayer struct {
	reader  Reader
	members MembershipChecker
	config  Config
}

// New creates a Replayer.
func New(reader Reader, members MembershipChecker, config Config) *Replayer {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	return &Replayer{reader: reader, members: members, config: config}
}

// Replay validates access and the retention horizon, then returns a lazy
// stream of all messages in roomID with id > lastSeenID, ascending.
func (r *Replayer) Replay(ctx context.Context, roomID, userID string, lastSeenID int64) (*Stream, error) {
	ok, err := r.members.IsMember(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("replay: membership check: %w", err)
	}
	if !ok {
		metrics.ReplaysTotal.WithLabelValues("denied").Inc()
		return nil, ErrAccessDenied
	}

	oldest, hasMessages, err := r.reader.OldestID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("replay: retention check: %w", err)
	}
	// If the gap start was already pruned, replaying would skip messages
	// silently. Signal truncation instead. A room with no retained
	// messages replays as empty: there is nothing to miss.
	if hasMessages && lastSeenID+1 < oldest {
		metrics.ReplaysTotal.WithLabelValues("truncated").Inc()
		return nil, &TruncatedError{RoomID: roomID, OldestID: oldest}
	}

	return &Stream{
		replayer: r,
		roomID:   roomID,
		cursor:   lastSeenID,
	}, nil
}

// Stream is a finite, pull-based sequence of replayed messages. It pages
// through the store lazily; the caller owns the pacing.
type Stream struct {
	replayer *Replayer
	roomID   string
	cursor   int64
	buf      []store.Message
	pos      int
	done     bool
}

// Next returns the next missed message. ok is false once the gap is fully
// replayed; messages committed after that point arrive via live fan-out.
func (s *Stream) Next(ctx context.Context) (store.Message, bool, error) {
	if s.done {
		return store.Message{}, false, nil
	}

	if s.pos >= len(s.buf) {
		page, err := s.replayer.reader.ListAfter(ctx, s.roomID, s.cursor, s.replayer.config.PageSize)
		if err != nil {
			return store.Message{}, false, fmt.Errorf("replay: read page: %w", err)
		}
		if len(page) == 0 {
			s.done = true
			metrics.ReplaysTotal.WithLabelValues("complete").Inc()
			return store.Message{}, false, nil
		}
		s.buf = page
		s.pos = 0
	}

	msg := s.buf[s.pos]
	s.pos++
	s.cursor = msg.ID
	return msg, true, nil
}

// LastID returns the highest message id the stream has yielded so far, or
// the initial last-seen id when nothing was replayed.
func (s *Stream) LastID() int64 {
	return s.cursor
}
