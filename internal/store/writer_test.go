package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore wraps a MemoryStore and fails the first failures inserts with
// a transient error.
type flakyStore struct {
	*MemoryStore
	failures int32
}

func (s *flakyStore) InsertUnique(ctx context.Context, roomID, senderID, dedupKey, body string) (Message, bool, error) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return Message{}, false, Transient(errors.New("simulated busy"))
	}
	return s.MemoryStore.InsertUnique(ctx, roomID, senderID, dedupKey, body)
}

// slowStore blocks each insert until released, to keep the queue occupied.
type slowStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *slowStore) InsertUnique(ctx context.Context, roomID, senderID, dedupKey, body string) (Message, bool, error) {
	<-s.release
	return s.MemoryStore.InsertUnique(ctx, roomID, senderID, dedupKey, body)
}

func TestWriterSubmit(t *testing.T) {
	w := NewWriter(NewMemoryStore(), DefaultWriterConfig())
	defer w.Close()

	msg, created, err := w.Submit(context.Background(), "room-7", "alice", "abc", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if msg.ID == 0 {
		t.Fatal("expected a non-zero id")
	}
}

func TestWriterSerializesConcurrentSubmits(t *testing.T) {
	ms := NewMemoryStore()
	w := NewWriter(ms, DefaultWriterConfig())
	defer w.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := w.Submit(context.Background(), "room-7", "alice", fmt.Sprintf("k%d", i), "m"); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := ms.ListAfter(context.Background(), "room-7", 0, n+1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("expected %d rows, got %d", n, len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %d then %d", i, msgs[i-1].ID, msgs[i].ID)
		}
	}
}

func TestWriterRetriesTransientErrors(t *testing.T) {
	fs := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	config := DefaultWriterConfig()
	config.RetryBackoff = time.Millisecond
	w := NewWriter(fs, config)
	defer w.Close()

	_, created, err := w.Submit(context.Background(), "room-7", "alice", "abc", "hi")
	if err != nil {
		t.Fatalf("expected the writer to absorb transient errors, got %v", err)
	}
	if !created {
		t.Fatal("expected created=true after retries")
	}
}

func TestWriterSurfacesExhaustedRetries(t *testing.T) {
	fs := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	config := DefaultWriterConfig()
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond
	w := NewWriter(fs, config)
	defer w.Close()

	_, _, err := w.Submit(context.Background(), "room-7", "alice", "abc", "hi")
	if err == nil {
		t.Fatal("expected a hard failure after exhausting retries")
	}
	if !IsTransient(err) {
		t.Fatalf("exhausted-retry error should remain transient for caller policy, got %v", err)
	}
}

func TestWriterQueueFullRejects(t *testing.T) {
	ss := &slowStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	config := DefaultWriterConfig()
	config.QueueSize = 1
	w := NewWriter(ss, config)
	defer func() {
		close(ss.release)
		w.Close()
	}()

	// First submit occupies the worker; second fills the queue slot.
	go w.Submit(context.Background(), "room-7", "alice", "k1", "m")
	go w.Submit(context.Background(), "room-7", "alice", "k2", "m")
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := w.Submit(ctx, "room-7", "alice", "k3", "m")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("queue-full must be a transient signal so callers retry with the same dedup key")
	}
}

func TestWriterCloseDrainsQueuedWrites(t *testing.T) {
	ms := NewMemoryStore()
	w := NewWriter(ms, DefaultWriterConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			w.Submit(context.Background(), "room-7", "alice", fmt.Sprintf("k%d", i), "m")
		}
	}()
	<-done

	w.Close()

	msgs, err := ms.ListAfter(context.Background(), "room-7", 0, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected all 10 accepted writes to complete, got %d", len(msgs))
	}

	if _, _, err := w.Submit(context.Background(), "room-7", "alice", "late", "m"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestWriterSubmitNeverHangsAcrossClose(t *testing.T) {
	ss := &slowStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	close(ss.release) // inserts run immediately

	w := NewWriter(ss, DefaultWriterConfig())

	// Submits with a background context race Close; every call must
	// return, with either a result or ErrClosed.
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := w.Submit(context.Background(), "room-7", "alice", fmt.Sprintf("k%d", i), "m")
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}

	w.Close()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("a submit is still blocked after Close")
	}
}

func TestWriterRetentionPrune(t *testing.T) {
	ms := NewMemoryStore()
	config := DefaultWriterConfig()
	config.RetentionWindow = time.Nanosecond
	config.PruneInterval = 10 * time.Millisecond
	w := NewWriter(ms, config)
	defer w.Close()

	if _, _, err := w.Submit(context.Background(), "room-7", "alice", "k", "old"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := ms.OldestID(context.Background(), "room-7"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("retention sweep did not prune the expired message")
}
