// Package livestate tracks which sessions are currently live in Redis.
// The realtime channel handshake checks this registry before accepting
// a connection, and Redis key expiry reaps abandoned sessions.
package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"showroom/api/internal/protocol"
)

var ErrNotLive = errors.New("session is not live")

// LiveSession is the value stored under each live session key.
type LiveSession struct {
	SessionID  string    `json:"sessionId"`
	HostUserID int64     `json:"hostUserId"`
	ProductID  string    `json:"productId"`
	StartedAt  time.Time `json:"startedAt"`
}

// RedisRegistry implements the live session registry on Redis.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisURL string, ttl time.Duration) (*RedisRegistry, error) {
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

	return &RedisRegistry{client: client, ttl: ttl}, nil
}

// NewRedisRegistryWithClient creates a registry from an existing client.
func NewRedisRegistryWithClient(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

// Register marks a session as live. Channel handshakes succeed only
// while the key exists.
func (r *RedisRegistry) Register(ctx context.Context, live LiveSession) error {
	jsonData, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live session: %w", err)
	}

	key := protocol.SessionKey(live.SessionID)
	if err := r.client.Set(ctx, key, jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("register live session: %w", err)
	}
	return nil
}

// IsLive reports whether the session key still exists.
func (r *RedisRegistry) IsLive(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.client.Exists(ctx, protocol.SessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check live session: %w", err)
	}
	return n > 0, nil
}

// Get returns the stored live session record.
func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (LiveSession, error) {
	jsonData, err := r.client.Get(ctx, protocol.SessionKey(sessionID)).Result()
	if err == redis.Nil {
		return LiveSession{}, ErrNotLive
	}
	if err != nil {
		return LiveSession{}, fmt.Errorf("get live session: %w", err)
	}

	var live LiveSession
	if err := json.Unmarshal([]byte(jsonData), &live); err != nil {
		return LiveSession{}, fmt.Errorf("unmarshal live session: %w", err)
	}
	return live, nil
}

// SetProduct updates the product under discussion without touching the TTL.
func (r *RedisRegistry) SetProduct(ctx context.Context, sessionID, productID string) error {
	live, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	live.ProductID = productID

	jsonData, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live session: %w", err)
	}
	if err := r.client.Set(ctx, protocol.SessionKey(sessionID), jsonData, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update live product: %w", err)
	}
	return nil
}

// Touch extends the session TTL. Called on host activity so a session
// in active use never expires out from under its participants.
func (r *RedisRegistry) Touch(ctx context.Context, sessionID string) error {
	ok, err := r.client.Expire(ctx, protocol.SessionKey(sessionID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch live session: %w", err)
	}
	if !ok {
		return ErrNotLive
	}
	return nil
}

// End removes the session from the registry, which makes every later
// channel handshake for it fail.
func (r *RedisRegistry) End(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, protocol.SessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("end live session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
