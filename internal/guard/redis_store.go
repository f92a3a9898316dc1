package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares idempotency records across API nodes. Records carry the
// duplicate window as their TTL and age out on their own.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
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
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "idem:"}
}

func (s *RedisStore) key(scopeID, kind string) string {
	return s.prefix + scopeID + "|" + kind
}

func (s *RedisStore) LastAccepted(ctx context.Context, scopeID, kind string) (Record, bool, error) {
	data, err := s.client.Get(ctx, s.key(scopeID, kind)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Record(ctx context.Context, scopeID, kind string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	if err := s.client.Set(ctx, s.key(scopeID, kind), data, ttl).Err(); err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
