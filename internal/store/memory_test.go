package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryInsertUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg, created, err := s.InsertUnique(ctx, "room-7", "alice", "abc", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected created=true for a fresh key")
	}
	if msg.ID == 0 {
		t.Fatal("expected a non-zero id")
	}

	dup, created, err := s.InsertUnique(ctx, "room-7", "alice", "abc", "hi again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatal("expected created=false for a duplicate key")
	}
	if dup.ID != msg.ID {
		t.Fatalf("duplicate returned id %d, want %d", dup.ID, msg.ID)
	}
	if dup.Body != "hi" {
		t.Fatalf("duplicate returned body %q, want the original %q", dup.Body, "hi")
	}
}

func TestMemoryDedupKeyScopedToRoom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _, err := s.InsertUnique(ctx, "room-7", "alice", "abc", "one")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, created, err := s.InsertUnique(ctx, "room-8", "alice", "abc", "two")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("same key in a different room must create a new row")
	}
	if a.ID == b.ID {
		t.Fatal("distinct rooms produced the same id")
	}
}

func TestMemoryListAfter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, _, err := s.InsertUnique(ctx, "room-7", "alice", fmt.Sprintf("k%d", i), fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}

	got, err := s.ListAfter(ctx, "room-7", ids[1], 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages after id %d, got %d", ids[1], len(got))
	}
	for i, msg := range got {
		if msg.ID != ids[i+2] {
			t.Errorf("position %d: expected id %d, got %d", i, ids[i+2], msg.ID)
		}
	}

	limited, err := s.ListAfter(ctx, "room-7", 0, 2)
	if err != nil {
		t.Fatalf("list after with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
	}
}

func TestMemoryListRecent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := s.InsertUnique(ctx, "room-7", "alice", fmt.Sprintf("k%d", i), fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := s.ListRecent(ctx, "room-7", 3)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 recent messages, got %d", len(got))
	}
	// Oldest first within the page.
	if got[0].Body != "m2" || got[2].Body != "m4" {
		t.Fatalf("unexpected recent page: %v", got)
	}
}

func TestMemoryOldestID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.OldestID(ctx, "empty"); err != nil || ok {
		t.Fatalf("expected ok=false for an empty room, got ok=%v err=%v", ok, err)
	}

	first, _, err := s.InsertUnique(ctx, "room-7", "alice", "k0", "m0")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.InsertUnique(ctx, "room-7", "alice", "k1", "m1"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	oldest, ok, err := s.OldestID(ctx, "room-7")
	if err != nil || !ok {
		t.Fatalf("oldest id: ok=%v err=%v", ok, err)
	}
	if oldest != first.ID {
		t.Fatalf("expected oldest id %d, got %d", first.ID, oldest)
	}
}

func TestMemoryDeleteBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.InsertUnique(ctx, "room-7", "alice", "k0", "old"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := s.DeleteBefore(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	if _, ok, err := s.OldestID(ctx, "room-7"); err != nil || ok {
		t.Fatalf("expected no retained rows, got ok=%v err=%v", ok, err)
	}

	// The dedup key is released with the row.
	_, created, err := s.InsertUnique(ctx, "room-7", "alice", "k0", "new")
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if !created {
		t.Fatal("expected reinsert after prune to create a new row")
	}
}
