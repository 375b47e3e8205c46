// Package redisdedupe provides a fast-path submission dedup cache in front
// of Store.Submit, adapted from internal/orchestrator/dedupe.go's
// RedisDedupeStore. It is an accelerator only: jobstore.Store.Submit
// remains the linearizable source of truth (spec §4.1); this cache just
// avoids a round trip to Postgres for the common repeat-submission case.
package redisdedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"manifold/internal/kg/jobstore"
)

// Cache short-circuits duplicate detection for recently-seen dedup keys.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to addr and pings it, matching the teacher's
// NewRedisDedupeStore construction pattern.
func New(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisdedupe: ping %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

func (c *Cache) Close() error { return c.rdb.Close() }

func key(k jobstore.DedupKey) string {
	return "kg:dedup:" + string(k.JobType) + ":" + k.Ontology + ":" + k.ContentHash
}

// Lookup returns the job id previously recorded for key, if any and still
// within TTL.
func (c *Cache) Lookup(ctx context.Context, k jobstore.DedupKey) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key(k)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Remember records jobID against key for ttl, called after a successful
// Store.Submit so subsequent duplicate submissions hit this cache first.
func (c *Cache) Remember(ctx context.Context, k jobstore.DedupKey, jobID string) error {
	return c.rdb.Set(ctx, key(k), jobID, c.ttl).Err()
}

// Forget drops a cached dedup key, used once a job reaches a terminal state
// that should no longer collapse new submissions (e.g. FAILED/CANCELLED).
func (c *Cache) Forget(ctx context.Context, k jobstore.DedupKey) error {
	return c.rdb.Del(ctx, key(k)).Err()
}
