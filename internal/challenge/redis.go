// ABOUTME: Redis-backed challenge-session store for multi-instance deployments
// ABOUTME: Uses per-key TTLs and GETDEL for single-use semantics

package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "warden:challenge:"

// RedisStore implements Store backed by Redis, for deployments running more
// than one gate instance behind a load balancer.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(options)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Put stores a record with a TTL matching its expiry.
func (s *RedisStore) Put(ctx context.Context, token string, rec *Record) error {
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = time.Now().Add(DefaultTTL)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("record already expired")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding challenge record: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+token, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing challenge record: %w", err)
	}
	return nil
}

// Take retrieves and atomically removes a record.
func (s *RedisStore) Take(ctx context.Context, token string) (*Record, bool) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if err != nil {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, false
	}
	return &rec, true
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
