package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory MessageStore. It backs unit tests and the
// single-binary development mode; nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byRoom map[string][]Message        // ascending by id
	byKey  map[string]map[string]int64 // room -> dedup_key -> id
	byID   map[int64]Message
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		byRoom: make(map[string][]Message),
		byKey:  make(map[string]map[string]int64),
		byID:   make(map[int64]Message),
	}
}

func (s *MemoryStore) InsertUnique(ctx context.Context, roomID, senderID, dedupKey, body string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Message{}, false, ErrClosed
	}

	keys, ok := s.byKey[roomID]
	if !ok {
		keys = make(map[string]int64)
		s.byKey[roomID] = keys
	}
	if id, exists := keys[dedupKey]; exists {
		return s.byID[id], false, nil
	}

	msg := Message{
		ID:        s.nextID,
		RoomID:    roomID,
		SenderID:  senderID,
		DedupKey:  dedupKey,
		Body:      body,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.nextID++
	keys[dedupKey] = msg.ID
	s.byRoom[roomID] = append(s.byRoom[roomID], msg)
	s.byID[msg.ID] = msg
	return msg, true, nil
}

func (s *MemoryStore) ListAfter(ctx context.Context, roomID string, afterID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	msgs := s.byRoom[roomID]
	// First index with id > afterID.
	start := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID > afterID })

	out := make([]Message, 0, limit)
	for i := start; i < len(msgs) && len(out) < limit; i++ {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	msgs := s.byRoom[roomID]
	start := len(msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}

func (s *MemoryStore) OldestID(ctx context.Context, roomID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, false, ErrClosed
	}

	msgs := s.byRoom[roomID]
	if len(msgs) == 0 {
		return 0, false, nil
	}
	return msgs[0].ID, true, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	cutoffMs := cutoff.UnixMilli()
	var pruned int64
	for roomID, msgs := range s.byRoom {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.CreatedAt < cutoffMs {
				delete(s.byID, m.ID)
				delete(s.byKey[roomID], m.DedupKey)
				pruned++
				continue
			}
			kept = append(kept, m)
		}
		s.byRoom[roomID] = kept
	}
	return pruned, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
