package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/go-redis/redis/v8"
)

// RedisStore shares routing decisions between engine replicas through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, fingerprint string) (*api.RoutingDecision, error) {
	data, err := r.client.Get(ctx, decisionKey(fingerprint)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var d api.RoutingDecision
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &d, nil
}

func (r *RedisStore) Set(ctx context.Context, fingerprint string, d *api.RoutingDecision, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	// Plain SET: decisions for one fingerprint converge, last writer wins.
	if err := r.client.Set(ctx, decisionKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decisionKey(fingerprint string) string {
	return fmt.Sprintf("route:%s", fingerprint)
}
