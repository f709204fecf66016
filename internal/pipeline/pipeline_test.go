package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/relaychat/chat-core/internal/store"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []store.Message
}

func (p *recordingPublisher) PublishMessage(msg store.Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	rooms []string
}

func (i *recordingInvalidator) InvalidateRecent(ctx context.Context, roomID string) error {
	i.mu.Lock()
	i.rooms = append(i.rooms, roomID)
	i.mu.Unlock()
	return nil
}

func (i *recordingInvalidator) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.rooms)
}

func newTestPipeline(t *testing.T) (*Pipeline, *recordingPublisher, *recordingInvalidator, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	w := store.NewWriter(ms, store.DefaultWriterConfig())
	t.Cleanup(w.Close)

	pub := &recordingPublisher{}
	inv := &recordingInvalidator{}
	return New(w, pub, inv), pub, inv, ms
}

func TestSubmitCommitsAndPublishes(t *testing.T) {
	p, pub, inv, _ := newTestPipeline(t)
	ctx := context.Background()

	id, err := p.Submit(ctx, "room-7", "alice", "key-1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero message id")
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 fan-out publish, got %d", pub.count())
	}
	if inv.count() != 1 {
		t.Fatalf("expected 1 cache invalidation, got %d", inv.count())
	}
}

func TestSubmitDeduplicatesRetry(t *testing.T) {
	p, pub, inv, ms := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Submit(ctx, "room-7", "alice", "abc", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Submit(ctx, "room-7", "alice", "abc", "hi")
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}

	if first != second {
		t.Fatalf("retry returned a different id: %d vs %d", first, second)
	}
	if pub.count() != 1 {
		t.Fatalf("dedup hit must not fan out again: got %d publishes", pub.count())
	}
	if inv.count() != 1 {
		t.Fatalf("dedup hit must not invalidate again: got %d invalidations", inv.count())
	}

	msgs, err := ms.ListAfter(ctx, "room-7", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 persisted row, got %d", len(msgs))
	}
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	p, pub, _, ms := newTestPipeline(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]int64, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = p.Submit(ctx, "room-7", "alice", "abc", "hi")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got id %d, caller 0 got %d", i, ids[i], ids[0])
		}
	}
	if pub.count() != 1 {
		t.Fatalf("expected exactly 1 fan-out event, got %d", pub.count())
	}

	msgs, err := ms.ListAfter(ctx, "room-7", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 persisted row, got %d", len(msgs))
	}
}

func TestSubmitIDsStrictlyIncreasing(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 20; i++ {
		id, err := p.Submit(ctx, "room-7", "alice", "key-"+string(rune('a'+i)), "msg")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestSubmitValidation(t *testing.T) {
	p, pub, _, _ := newTestPipeline(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		roomID   string
		dedupKey string
		body     string
	}{
		{"empty body", "room-7", "k", ""},
		{"whitespace body", "room-7", "k", "   \n\t "},
		{"missing dedup key", "room-7", "", "hi"},
		{"missing room", "", "k", "hi"},
		{"oversized body", "room-7", "k", strings.Repeat("x", MaxBodyBytes+1)},
		{"oversized dedup key", "room-7", strings.Repeat("k", MaxDedupKeyBytes+1), "hi"},
		{"invalid utf8", "room-7", "k", "hi\xff\xfe"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Submit(ctx, tc.roomID, "alice", tc.dedupKey, tc.body)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !IsValidation(err) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
		})
	}

	if pub.count() != 0 {
		t.Fatalf("rejected submissions must not fan out: got %d publishes", pub.count())
	}
}

func TestSubmitTrimsBody(t *testing.T) {
	p, pub, _, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, err := p.Submit(ctx, "room-7", "alice", "k", "  hello  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.msgs[0].Body != "hello" {
		t.Fatalf("expected trimmed body %q, got %q", "hello", pub.msgs[0].Body)
	}
}
