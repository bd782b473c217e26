package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"idgate/core"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// RedisSessionStore keeps sessions as JSON values that expire with the session.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisClient(ctx context.Context, config *RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", config.Addr, err)
	}
	return client, nil
}

func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "session:",
	}
}

func (r *RedisSessionStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisSessionStore) Create(ctx context.Context, s *core.Session) error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing session id", core.ErrValidation)
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", core.ErrValidation)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(s.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrAlreadyExists
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s core.Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
