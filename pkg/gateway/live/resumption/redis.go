package resumption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "care:live:resumption"

type RedisConfig struct {
	Client *redis.Client
	// Key defaults to "care:live:resumption".
	Key string
	// TTL bounds how long redis keeps the record; zero keeps it until
	// overwritten. Freshness is still decided by IssuedAt.
	TTL time.Duration
}

// RedisStore shares the record between gateway replicas.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultRedisKey
	}
	return &RedisStore{client: cfg.Client, key: cfg.Key, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Load(ctx context.Context) (Record, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("resumption: redis get %s: %w", s.key, err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("resumption: redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("resumption: redis del %s: %w", s.key, err)
	}
	return nil
}
