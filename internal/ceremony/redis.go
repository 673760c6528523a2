// ABOUTME: Redis ceremony store for deployments with several instances
// ABOUTME: Records are JSON values with a TTL and are consumed with GETDEL

package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps records in Redis.
type RedisStore struct {
	c      *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions, ttl time.Duration) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{c: c, prefix: opts.Prefix, ttl: ttl}, nil
}

// Put stores rec under a fresh token.
func (r *RedisStore) Put(ctx context.Context, rec *Record) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding ceremony: %w", err)
	}
	if err := r.c.Set(ctx, r.prefix+token, data, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing ceremony: %w", err)
	}
	return token, nil
}

// Take returns the record for token and removes it.
func (r *RedisStore) Take(ctx context.Context, token string) (*Record, error) {
	data, err := r.c.GetDel(ctx, r.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking ceremony: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding ceremony: %w", err)
	}
	return &rec, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.c.Close()
}
