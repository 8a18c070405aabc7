package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HugeFrog24/sheetbot/internal/clock"
)

// RedisStore keeps conversations as JSON values with a key TTL, so dialog
// state survives restarts and is shared between replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	clock  clock.Clock
}

// NewRedisClient creates a client with the pool settings used in production.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
	})
}

func NewRedisStore(client *redis.Client, ttl time.Duration, c clock.Clock) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, clock: c}
}

// Ping verifies the connection at startup.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, botID string, chatID, userID int64) (Conversation, error) {
	data, err := r.client.Get(ctx, key(botID, chatID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Conversation{}, nil
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get state: %w", err)
	}

	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return Conversation{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return c, nil
}

func (r *RedisStore) Set(ctx context.Context, botID string, chatID, userID int64, c Conversation) error {
	c.UpdatedAt = r.clock.Now()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := r.client.Set(ctx, key(botID, chatID, userID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, botID string, chatID, userID int64) error {
	if err := r.client.Del(ctx, key(botID, chatID, userID)).Err(); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
