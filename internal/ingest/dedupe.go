package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Deduper is a test-and-set over dedupe keys.
type Deduper interface {
	// Seen marks key and reports whether it was already marked.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget unmarks key so a redelivery is processed.
	Forget(ctx context.Context, key string) error
}

// LRUDeduper remembers the most recent keys in memory.
type LRUDeduper struct {
	cache *lru.Cache[string, struct{}]
}

func NewLRUDeduper(size int) *LRUDeduper {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(fmt.Sprintf("ingest: lru cache: %v", err))
	}
	return &LRUDeduper{cache: cache}
}

func (d *LRUDeduper) Seen(_ context.Context, key string) (bool, error) {
	seen, _ := d.cache.ContainsOrAdd(key, struct{}{})
	return seen, nil
}

func (d *LRUDeduper) Forget(_ context.Context, key string) error {
	d.cache.Remove(key)
	return nil
}

// RedisDeduper shares dedupe keys across processes with SET NX EX.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if client == nil {
		panic("ingest: redis client required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: "payreminder:webhook:", ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ingest: redis setnx: %w", err)
	}
	return !ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("ingest: redis del: %w", err)
	}
	return nil
}

// TieredDeduper consults each tier in order and stops at the first that has
// seen the key. When a tier fails, tiers already marked are rolled back.
type TieredDeduper struct {
	tiers []Deduper
}

func NewTieredDeduper(tiers ...Deduper) *TieredDeduper {
	filtered := make([]Deduper, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		filtered = append(filtered, NewLRUDeduper(0))
	}
	return &TieredDeduper{tiers: filtered}
}

func (d *TieredDeduper) Seen(ctx context.Context, key string) (bool, error) {
	for i, tier := range d.tiers {
		seen, err := tier.Seen(ctx, key)
		if err != nil {
			for _, marked := range d.tiers[:i] {
				_ = marked.Forget(ctx, key)
			}
			return false, err
		}
		if seen {
			return true, nil
		}
	}
	return false, nil
}

func (d *TieredDeduper) Forget(ctx context.Context, key string) error {
	var errs []error
	for _, tier := range d.tiers {
		if err := tier.Forget(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
