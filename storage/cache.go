package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
)

type backend interface {
	List(ctx context.Context, kind domain.Kind) ([]domain.Record, error)
	Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error)
	EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error
}

// Cache wraps a Storage instance with Redis-backed caching for list reads.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A zero TTL disables writes to the cache.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) List(ctx context.Context, kind domain.Kind) ([]domain.Record, error) {
	if recs, ok := c.load(ctx, kind); ok {
		return recs, nil
	}
	recs, err := c.base.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	c.store(ctx, kind, recs)
	return recs, nil
}

// Get serves the record from a cached list when one is present.
func (c *Cache) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	if recs, ok := c.load(ctx, kind); ok {
		for _, r := range recs {
			if r.RecordID() == id {
				return r, nil
			}
		}
	}
	return c.base.Get(ctx, kind, id)
}

// EnqueueCommands forwards to the backing store and evicts the kinds the
// commands will touch.
func (c *Cache) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	if err := c.base.EnqueueCommands(ctx, userID, cmds); err != nil {
		return err
	}
	kinds := []domain.Kind{}
	for _, cmd := range cmds {
		kinds = append(kinds, domain.AffectedKinds(cmd)...)
	}
	c.Evict(ctx, kinds...)
	return nil
}

// Evict drops the cached lists of the given kinds.
func (c *Cache) Evict(ctx context.Context, kinds ...domain.Kind) {
	if c.redis == nil || len(kinds) == 0 {
		return
	}
	keys := make([]string, 0, len(kinds))
	seen := map[domain.Kind]bool{}
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, cacheKey(k))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.WithError(err).WithField("keys", keys).Warn("cache eviction failed")
	}
}

func (c *Cache) load(ctx context.Context, kind domain.Kind) ([]domain.Record, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := cacheKey(kind)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var raw []json.RawMessage
	if err := sonic.Unmarshal(data, &raw); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	recs := make([]domain.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := domain.DecodeRecord(kind, r)
		if err != nil {
			_ = c.redis.Del(ctx, key).Err()
			return nil, false
		}
		recs = append(recs, rec)
	}
	return recs, true
}

func (c *Cache) store(ctx context.Context, kind domain.Kind, recs []domain.Record) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(recs)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, cacheKey(kind), data, c.ttl).Err()
}

// Ping checks Redis and, when supported, the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if p, ok := c.base.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func cacheKey(kind domain.Kind) string {
	return "records:" + string(kind)
}
