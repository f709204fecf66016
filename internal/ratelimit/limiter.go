// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE sliding window algorithm. It throttles per-user actions on the
// WebSocket server: message submission, connection attempts, and replay
// requests.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum
// number of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rules.
var (
	// RuleSubmit allows 30 message submissions per 10 seconds per user.
	RuleSubmit = Rule{Key: "rl:msg:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket connections per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}

	// RuleReplay allows 20 replay requests per minute per user.
	RuleReplay = Rule{Key: "rl:replay:", Limit: 20, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit
// defined by rule. It increments the counter in Redis and sets the expiry
// on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does
// not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL. Best effort: delete it so it
			// doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how many seconds remain in the identifier's current
// window, for inclusion in rate_limited responses. Returns the full
// window on Redis errors.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return int(rule.Window.Seconds())
	}
	return int(ttl.Seconds())
}
