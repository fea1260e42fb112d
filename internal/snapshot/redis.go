package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oasis:snapshot:"

// RedisStore keeps snapshots as plain Redis strings under
// oasis:snapshot:<component>.
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("snapshot: connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Save stores the blob without expiration; snapshots outlive restarts.
func (s *RedisStore) Save(ctx context.Context, component string, blob []byte) error {
	if err := s.client.Set(ctx, redisKeyPrefix+component, blob, 0).Err(); err != nil {
		return fmt.Errorf("snapshot: save %s: %w", component, err)
	}
	return nil
}

// Load retrieves the blob for component.
func (s *RedisStore) Load(ctx context.Context, component string) ([]byte, error) {
	blob, err := s.client.Get(ctx, redisKeyPrefix+component).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, component)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", component, err)
	}
	return blob, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
