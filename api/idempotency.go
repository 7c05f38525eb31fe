package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers command idempotency keys per user so every API
// instance drops a replayed command batch.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return userID + ":dedupe:" + key
}

// AddMany claims every key in one pipeline. added[i] is true when keys[i] was
// not seen before. On error, added still marks the keys that were claimed so
// they can be released.
func (r *RedisDeduper) AddMany(ctx context.Context, userID string, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	claims := make([]*redis.BoolCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			claims[i] = pipe.SetNX(ctx, r.key(userID, key), 1, r.ttl)
		}
		return nil
	})
	added := make([]bool, len(keys))
	for i, claim := range claims {
		if claim == nil {
			continue
		}
		ok, claimErr := claim.Result()
		if claimErr != nil {
			if err == nil {
				err = claimErr
			}
			continue
		}
		added[i] = ok
	}
	return added, err
}

// Remove releases a claimed key after its command failed to enqueue.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
