package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every key under a namespace prefix so the offline core
// never touches keys owned by other parts of the app.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	// No TTL: queued actions must survive until they are replayed.
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

// MultiGet retrieves several keys in one round trip.
func (r *RedisStore) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string)
	if len(keys) == 0 {
		return values, nil
	}

	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = r.key(key)
	}

	results, err := r.client.MGet(ctx, namespaced...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}

	for i, result := range results {
		if result == nil {
			continue
		}
		data, ok := result.(string)
		if !ok {
			continue
		}
		values[keys[i]] = data
	}
	return values, nil
}

func (r *RedisStore) MultiSet(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(pairs)*2)
	for key, value := range pairs {
		args = append(args, r.key(key), value)
	}

	if err := r.client.MSet(ctx, args...).Err(); err != nil {
		return fmt.Errorf("failed to set keys: %w", err)
	}
	return nil
}

func (r *RedisStore) key(key string) string {
	return r.namespace + key
}
