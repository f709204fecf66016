// Package auth validates opaque session credentials. Session issuance is
// owned by an external service; this package only resolves a presented
// token to an already-verified user id, or rejects it. The Redis
// implementation reads the session hashes that service maintains.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaychat/chat-core/internal/cache"
)

// ErrInvalidToken is returned for unknown, expired, or revoked tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Validator resolves a session token to a user id.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// sessionPrefix is the Redis key prefix under which the session service
// stores its hashes. Tokens are stored hashed, never raw.
const sessionPrefix = "session:"

// RedisValidator validates tokens against the session service's Redis
// records.
type RedisValidator struct {
	rdb *redis.Client
}

// NewRedisValidator creates a validator over the given Redis client.
func NewRedisValidator(rdb *redis.Client) *RedisValidator {
	return &RedisValidator{rdb: rdb}
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return sessionPrefix + hex.EncodeToString(sum[:])
}

// Validate looks the token up and returns the bound user id.
func (v *RedisValidator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	userID, err := v.rdb.HGet(ctx, sessionKey(token), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: session lookup: %w", err)
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// CachedValidator wraps a Validator with the read-through cache layer.
// Session revocation must call the cache's InvalidateSession hook; the
// cache TTL is only a backstop, not the revocation mechanism.
type CachedValidator struct {
	inner Validator
	cache *cache.Cache
	ttl   time.Duration
}

// NewCachedValidator wraps inner with caching.
func NewCachedValidator(inner Validator, c *cache.Cache) *CachedValidator {
	return &CachedValidator{inner: inner, cache: c, ttl: cache.SessionTTL}
}

func (v *CachedValidator) Validate(ctx context.Context, token string) (string, error) {
	var userID string
	err := v.cache.GetOrLoad(ctx, cache.SessionKey(token), v.ttl, &userID, func(ctx context.Context) (interface{}, error) {
		return v.inner.Validate(ctx, token)
	})
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
