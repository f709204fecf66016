// Package history serves recent-message pages for room loads, read
// through the cache layer. The pipeline invalidates a room's page on
// every fresh commit, so a cached page is never staler than the last
// committed message.
package history

import (
	"context"
	"fmt"

	"github.com/relaychat/chat-core/internal/cache"
	"github.com/relaychat/chat-core/internal/store"
)

// Reader is the slice of the store read path history depends on.
type Reader interface {
	ListRecent(ctx context.Context, roomID string, limit int) ([]store.Message, error)
}

// Service answers recent-page reads.
type Service struct {
	reader   Reader
	cache    *cache.Cache // nil disables read-through
	pageSize int
}

// New creates a Service. pageSize bounds how many messages a room load
// returns.
func New(reader Reader, c *cache.Cache, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Service{reader: reader, cache: c, pageSize: pageSize}
}

// Recent returns the newest messages in roomID, oldest first.
func (s *Service) Recent(ctx context.Context, roomID string) ([]store.Message, error) {
	if s.cache == nil {
		return s.reader.ListRecent(ctx, roomID, s.pageSize)
	}

	var page []store.Message
	err := s.cache.GetOrLoad(ctx, cache.RecentKey(roomID), cache.RecentTTL, &page, func(ctx context.Context) (interface{}, error) {
		return s.reader.ListRecent(ctx, roomID, s.pageSize)
	})
	if err != nil {
		return nil, fmt.Errorf("history: recent page %s: %w", roomID, err)
	}
	return page, nil
}
