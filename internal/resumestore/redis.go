package resumestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// Redis is a durable KV resume store with storage-native TTL (spec §9
// Design Notes: "choose a durable store with TTL equal to
// resumeTokenTtlMs/1000 so expiry is storage-native").
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Redis-backed store. Keys are "<prefix><token>" per
// spec §6; ttl should equal resumeTokenTtlMs/1000.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(token string) string {
	return r.prefix + token
}

func (r *Redis) Load(ctx context.Context, token string) (*domain.ResumeState, error) {
	raw, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resumestore: redis get: %w", err)
	}

	var state domain.ResumeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("resumestore: unmarshal state: %w", err)
	}
	return &state, nil
}

func (r *Redis) Persist(ctx context.Context, state *domain.ResumeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("resumestore: marshal state: %w", err)
	}
	if err := r.client.Set(ctx, r.key(state.ResumeToken), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("resumestore: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Drop(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("resumestore: redis del: %w", err)
	}
	return nil
}

var _ Store = (*Redis)(nil)
