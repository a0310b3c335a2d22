// Package memcache implements the Memory Cache from spec.md §4.11: a
// read-through cache with a single-flight lock so N concurrent readers
// on a cache miss invoke the loader exactly once.
package memcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/kv"
)

const (
	cacheTTL  = 600 * time.Second
	lockTTL   = 5 * time.Second
	pollEvery = 50 * time.Millisecond
	pollTimes = 10
)

// Loader fetches the payload for jobID on a cache miss. A nil, nil
// return means "nothing to cache" — the result is handed back but not
// written through.
type Loader func(ctx context.Context, jobID string) (map[string]any, error)

// Cache is the Redis-backed single-flight read-through cache.
type Cache struct {
	kv *kv.Client
}

// New returns a Cache backed by client.
func New(client *kv.Client) *Cache { return &Cache{kv: client} }

// GetOrLoad implements spec.md §4.11's four-step protocol: cache hit
// returns immediately; on a miss, the lock winner calls load and
// writes the cache; lock losers sleep-poll the cache for up to
// 10×50ms and, failing that, fall through to a direct uncached load
// call so no reader waits past a bounded worst case.
func (c *Cache) GetOrLoad(ctx context.Context, jobID string, load Loader) (map[string]any, error) {
	if payload, ok, err := c.get(ctx, jobID); err != nil {
		return nil, err
	} else if ok {
		return payload, nil
	}

	won, err := c.kv.SetNX(ctx, lockKey(jobID), "1", lockTTL)
	if err != nil {
		return nil, fmt.Errorf("memcache: acquire lock: %w", err)
	}
	if won {
		defer func() { _ = c.kv.Delete(ctx, lockKey(jobID)) }()
		payload, err := load(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("memcache: load %s: %w", jobID, err)
		}
		if payload != nil {
			if err := c.set(ctx, jobID, payload); err != nil {
				return nil, fmt.Errorf("memcache: write cache: %w", err)
			}
		}
		return payload, nil
	}

	for i := 0; i < pollTimes; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollEvery):
		}
		if payload, ok, err := c.get(ctx, jobID); err != nil {
			return nil, err
		} else if ok {
			return payload, nil
		}
	}

	payload, err := load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("memcache: fallback load %s: %w", jobID, err)
	}
	return payload, nil
}

// Invalidate deletes jobID's cached entry, e.g. after an update the
// cache should not continue serving.
func (c *Cache) Invalidate(ctx context.Context, jobID string) error {
	if err := c.kv.Delete(ctx, cacheKey(jobID)); err != nil {
		return fmt.Errorf("memcache: invalidate %s: %w", jobID, err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, jobID string) (map[string]any, bool, error) {
	raw, ok, err := c.kv.Get(ctx, cacheKey(jobID))
	if err != nil {
		return nil, false, fmt.Errorf("memcache: get %s: %w", jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, nil
	}
	return payload, true, nil
}

func (c *Cache) set(ctx context.Context, jobID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.kv.SetEx(ctx, cacheKey(jobID), string(data), cacheTTL)
}

func cacheKey(jobID string) string { return "memory:job:" + jobID }
func lockKey(jobID string) string  { return "memory:job:lock:" + jobID }
