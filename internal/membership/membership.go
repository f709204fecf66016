// Package membership answers "is this user a member of this room". Room
// and ACL administration belong to an external service; this package only
// consults its records. The Redis implementation reads the member sets
// that service maintains.
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaychat/chat-core/internal/cache"
)

// Checker is the external membership collaborator, consulted before
// subscribe and before replay.
type Checker interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// membersPrefix is the Redis key prefix under which the room service
// keeps its member sets.
const membersPrefix = "room:members:"

// RedisChecker checks membership against the room service's Redis sets.
type RedisChecker struct {
	rdb *redis.Client
}

// NewRedisChecker creates a checker over the given Redis client.
func NewRedisChecker(rdb *redis.Client) *RedisChecker {
	return &RedisChecker{rdb: rdb}
}

func (c *RedisChecker) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, membersPrefix+roomID, userID).Result()
	if err != nil {
		return false, fmt.Errorf("membership: lookup %s/%s: %w", roomID, userID, err)
	}
	return ok, nil
}

// CachedChecker wraps a Checker with the read-through cache layer.
// Membership changes must invalidate via the cache's InvalidateMembership
// hook before they are acknowledged; the TTL is only a backstop.
type CachedChecker struct {
	inner Checker
	cache *cache.Cache
	ttl   time.Duration
}

// NewCachedChecker wraps inner with caching.
func NewCachedChecker(inner Checker, c *cache.Cache) *CachedChecker {
	return &CachedChecker{inner: inner, cache: c, ttl: cache.MembershipTTL}
}

func (c *CachedChecker) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	var ok bool
	err := c.cache.GetOrLoad(ctx, cache.MembershipKey(userID, roomID), c.ttl, &ok, func(ctx context.Context) (interface{}, error) {
		return c.inner.IsMember(ctx, userID, roomID)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}
