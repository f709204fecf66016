// Package cache provides Redis-backed read-through acceleration for
// session lookups, membership checks, recent message pages, and search
// results. Entries are never authoritative: absence always falls through
// to the loader, and any write that changes an entry's underlying truth
// invalidates it explicitly before the write is acknowledged. TTLs exist
// for performance-sensitive entries only, never as the correctness
// mechanism.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaychat/chat-core/internal/metrics"
)

// Default TTLs per entry type. Correctness-sensitive entries (session,
// membership) rely on explicit invalidation; their TTL is only a backstop.
const (
	SessionTTL    = 5 * time.Minute
	MembershipTTL = 5 * time.Minute
	RecentTTL     = 30 * time.Second
	SearchTTL     = time.Minute
)

// Cache is a read-through cache over Redis.
type Cache struct {
	rdb *redis.Client
}

// New creates a Cache backed by the given Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// GetOrLoad returns the cached value for key into dest, or runs loader,
// stores the result with the given TTL, and returns it. dest must be a
// pointer; values are marshalled as JSON.
//
// A failed cache read or populate is absorbed: the loader's result is
// always served, so one cache hiccup never fails the request.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest interface{}, loader func(ctx context.Context) (interface{}, error)) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(data, dest); err == nil {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return nil
		}
		// Unreadable entry: drop it and fall through.
		c.rdb.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("cache: get %s failed, bypassing: %v", key, err)
	}

	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	value, err := loader(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, encoded, ttl).Err(); err != nil {
		log.Printf("cache: populate %s failed: %v", key, err)
	}

	return json.Unmarshal(encoded, dest)
}

// Invalidate deletes the given keys. It is fired synchronously as part of
// committed writes; the error propagates so callers can see a failed
// invalidation instead of silently serving stale data.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %v: %w", keys, err)
	}
	return nil
}

// InvalidateRecent drops the recent-messages page for a room. It is the
// pipeline's write hook: a new message in the room must kill the stale
// page before the commit is acknowledged.
func (c *Cache) InvalidateRecent(ctx context.Context, roomID string) error {
	return c.Invalidate(ctx, RecentKey(roomID))
}

// InvalidateSession drops a cached session validation (e.g. on
// revocation).
func (c *Cache) InvalidateSession(ctx context.Context, token string) error {
	return c.Invalidate(ctx, SessionKey(token))
}

// InvalidateMembership drops a cached membership check (e.g. after a
// membership change).
func (c *Cache) InvalidateMembership(ctx context.Context, userID, roomID string) error {
	return c.Invalidate(ctx, MembershipKey(userID, roomID))
}

// ---------------------------------------------------------------------------
// Key helpers
// ---------------------------------------------------------------------------

// SessionKey is the cache key for a token validation result. The raw token
// never appears in Redis; only its hash does.
func SessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "cache:session:" + hex.EncodeToString(sum[:16])
}

// MembershipKey is the cache key for one (user, room) membership check.
func MembershipKey(userID, roomID string) string {
	return "cache:member:" + roomID + ":" + userID
}

// RecentKey is the cache key for a room's recent-messages page.
func RecentKey(roomID string) string {
	return "cache:recent:" + roomID
}

// SearchKey is the cache key for a search result page. Search staleness is
// bounded by TTL only; that is acceptable for this entry type.
func SearchKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "cache:search:" + hex.EncodeToString(sum[:16])
}
