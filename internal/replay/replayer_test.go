package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relaychat/chat-core/internal/store"
)

// staticMembers is a fixed membership table.
type staticMembers map[string][]string // roomID -> members

func (m staticMembers) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	for _, u := range m[roomID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func seedRoom(t *testing.T, s *store.MemoryStore, roomID string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		msg, _, err := s.InsertUnique(context.Background(), roomID, "alice", fmt.Sprintf("k%d", i), fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	return ids
}

func collect(t *testing.T, s *Stream) []store.Message {
	t.Helper()
	var out []store.Message
	for {
		msg, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func TestReplayYieldsGapInOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	ids := seedRoom(t, ms, "room-7", 5)

	r := New(ms, staticMembers{"room-7": {"bob"}}, DefaultConfig())

	// Client last saw the second message; expect exactly the last three.
	stream, err := r.Replay(context.Background(), "room-7", "bob", ids[1])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	got := collect(t, stream)
	if len(got) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(got))
	}
	for i, msg := range got {
		if msg.ID != ids[i+2] {
			t.Fatalf("position %d: expected id %d, got %d", i, ids[i+2], msg.ID)
		}
	}
	if stream.LastID() != ids[4] {
		t.Fatalf("expected LastID %d, got %d", ids[4], stream.LastID())
	}
}

func TestReplayPagesThroughLargeGaps(t *testing.T) {
	ms := store.NewMemoryStore()
	ids := seedRoom(t, ms, "room-7", 25)

	r := New(ms, staticMembers{"room-7": {"bob"}}, Config{PageSize: 4})

	stream, err := r.Replay(context.Background(), "room-7", "bob", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	got := collect(t, stream)
	if len(got) != len(ids) {
		t.Fatalf("expected %d messages, got %d", len(ids), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("out of order at %d: %d then %d", i, got[i-1].ID, got[i].ID)
		}
	}
}

func TestReplayRestartableOverlap(t *testing.T) {
	ms := store.NewMemoryStore()
	ids := seedRoom(t, ms, "room-7", 6)

	r := New(ms, staticMembers{"room-7": {"bob"}}, DefaultConfig())

	first, err := r.Replay(context.Background(), "room-7", "bob", ids[3])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	second, err := r.Replay(context.Background(), "room-7", "bob", ids[1])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	a := collect(t, first)
	b := collect(t, second)

	// The lower cursor yields a superset ending in the same suffix; never
	// a gap.
	if len(b) != len(a)+2 {
		t.Fatalf("expected overlap of 2, got lengths %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i+2].ID {
			t.Fatalf("suffix mismatch at %d: %d vs %d", i, a[i].ID, b[i+2].ID)
		}
	}
}

func TestReplayEmptyGap(t *testing.T) {
	ms := store.NewMemoryStore()
	ids := seedRoom(t, ms, "room-7", 3)

	r := New(ms, staticMembers{"room-7": {"bob"}}, DefaultConfig())

	stream, err := r.Replay(context.Background(), "room-7", "bob", ids[2])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := collect(t, stream); len(got) != 0 {
		t.Fatalf("expected an empty replay, got %d messages", len(got))
	}
}

func TestReplayDeniedForNonMember(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRoom(t, ms, "room-7", 3)

	r := New(ms, staticMembers{"room-7": {"bob"}}, DefaultConfig())

	_, err := r.Replay(context.Background(), "room-7", "mallory", 0)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestReplayTruncatedPastRetention(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRoom(t, ms, "room-7", 5)

	// Prune everything, then commit fresh messages so the oldest retained
	// id is well past the client's cursor.
	if _, err := ms.DeleteBefore(context.Background(), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	fresh, _, err := ms.InsertUnique(context.Background(), "room-7", "alice", "fresh", "new")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(ms, staticMembers{"room-7": {"bob"}}, DefaultConfig())

	_, err = r.Replay(context.Background(), "room-7", "bob", 1)
	var te *TruncatedError
	if !errors.As(err, &te) {
		t.Fatalf("expected TruncatedError, got %v", err)
	}
	if te.OldestID != fresh.ID {
		t.Fatalf("expected oldest id %d in truncation signal, got %d", fresh.ID, te.OldestID)
	}

	// A cursor adjacent to the retention floor replays normally.
	stream, err := r.Replay(context.Background(), "room-7", "bob", fresh.ID-1)
	if err != nil {
		t.Fatalf("replay at horizon: %v", err)
	}
	if got := collect(t, stream); len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("expected exactly the fresh message, got %v", got)
	}
}
