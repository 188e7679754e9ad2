package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisNoncePrefix = "blockspeak:nonce:"

// nonceClient is the subset of *redis.Client the store uses.
type nonceClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisNonceStore shares login challenges between API replicas. Expiry is
// left to Redis key TTLs.
type RedisNonceStore struct {
	client nonceClient
	ttl    time.Duration
}

// NewRedisNonceStore connects to the Redis instance at url (redis://...).
func NewRedisNonceStore(ctx context.Context, url string, ttl time.Duration) (*RedisNonceStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisNonceStore(client, ttl), nil
}

func newRedisNonceStore(client nonceClient, ttl time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, ttl: ttl}
}

func (s *RedisNonceStore) Issue(ctx context.Context) (AuthNonce, error) {
	nonce := newAuthNonce()
	if err := s.client.Set(ctx, redisNoncePrefix+string(nonce), 1, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	return nonce, nil
}

// Consume deletes the key with GETDEL, so two concurrent consumers cannot
// both observe it.
func (s *RedisNonceStore) Consume(ctx context.Context, nonce AuthNonce) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	err := s.client.GetDel(ctx, redisNoncePrefix+string(nonce)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return true, nil
}

func (s *RedisNonceStore) Sweep(time.Time) int {
	return 0
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}
