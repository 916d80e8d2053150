package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound means no mapping exists for a token: it was revoked,
// it expired, or it was never issued.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists the token -> user id mapping that makes a signed
// token usable. Absence of a mapping invalidates the token.
type SessionStore interface {
	Put(ctx context.Context, token string, userID int64, ttl time.Duration) error
	Get(ctx context.Context, token string) (int64, error)
	Delete(ctx context.Context, token string) error
}

// redisSessionStore keeps mappings in Redis under prefix + sha256(token).
type redisSessionStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSessionStore creates a session store on the given Redis client.
func NewRedisSessionStore(rdb *redis.Client, prefix string) SessionStore {
	return &redisSessionStore{rdb: rdb, prefix: prefix}
}

// key derives the Redis key for a token. The raw token never reaches Redis.
func (s *redisSessionStore) key(token string) string {
	return s.prefix + hashToken(token)
}

// Put writes the mapping with the given TTL.
func (s *redisSessionStore) Put(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(token), strconv.FormatInt(userID, 10), ttl).Err(); err != nil {
		return fmt.Errorf("storing session in redis: %w", err)
	}
	return nil
}

// Get returns the mapped user id or ErrSessionNotFound.
func (s *redisSessionStore) Get(ctx context.Context, token string) (int64, error) {
	val, err := s.rdb.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading session from redis: %w", err)
	}

	userID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt session value %q: %w", val, err)
	}
	return userID, nil
}

// Delete removes the mapping. Deleting an absent key is not an error.
func (s *redisSessionStore) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("deleting session from redis: %w", err)
	}
	return nil
}

// hashToken returns the hex SHA-256 of a token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
