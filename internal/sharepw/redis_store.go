// Package sharepw stores share-link password hashes in Redis, keyed by the
// share token's ID. The token itself never carries the password or the hash.
package sharepw

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements password-hash storage for share links.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "sharepw:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "sharepw:",
	}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + tokenID
}

// StorePasswordHash saves the hash for a token. The TTL matches the token
// lifetime so the record and the token expire together.
func (s *RedisStore) StorePasswordHash(ctx context.Context, tokenID, hash string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.key(tokenID), hash, ttl).Err(); err != nil {
		return fmt.Errorf("store password hash: %w", err)
	}
	return nil
}

// PasswordHash returns the stored hash for a token, and whether one exists.
// A missing key means the link is not password-protected (or has expired).
func (s *RedisStore) PasswordHash(ctx context.Context, tokenID string) (string, bool, error) {
	hash, err := s.client.Get(ctx, s.key(tokenID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup password hash: %w", err)
	}
	return hash, true, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
