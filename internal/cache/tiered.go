package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chainprice/oracle/internal/models"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisTimeout bounds every L2 round trip so a slow/unreachable Redis never
// holds up the Resolver's hot path (§5, §7 CacheUnavailable).
const redisTimeout = 500 * time.Millisecond

// TieredCache is the L1 (ristretto, in-process) + L2 (redis, shared) Cache
// Layer described in §4.3. L1 absorbs repeat reads within a single instance;
// L2 lets independent instances share warm entries. L1 is always present; L2
// may be nil, in which case it's skipped rather than treated as an error.
type TieredCache struct {
	l1  *ristretto.Cache[string, []byte]
	l2  *redis.Client
	log zerolog.Logger
}

// NewTieredCache builds a cache with both tiers. redisClient may be nil to
// run L1-only (e.g. in tests or single-process deployments).
func NewTieredCache(redisClient *redis.Client, log zerolog.Logger) (*TieredCache, error) {
	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     1 << 28, // 256MiB budget for hot price entries
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &TieredCache{
		l1:  l1,
		l2:  redisClient,
		log: log.With().Str("component", "cache").Logger(),
	}, nil
}

func (c *TieredCache) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, bool) {
	if raw, found := c.l1.Get(fingerprint); found {
		var entry models.CacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			return &entry, true
		}
	}

	if c.l2 == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	raw, err := c.l2.Get(cacheCtx, fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Str("key", fingerprint).Msg("L2 get failed, treating as miss")
		}
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn().Err(err).Str("key", fingerprint).Msg("failed to unmarshal cached entry")
		return nil, false
	}

	// Backfill L1 so the next read on this instance is in-process.
	c.l1.Set(fingerprint, raw, int64(len(raw)))

	return &entry, true
}

func (c *TieredCache) Set(ctx context.Context, fingerprint string, entry models.CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn().Err(err).Str("key", fingerprint).Msg("failed to marshal cache entry")
		return
	}

	c.l1.SetWithTTL(fingerprint, raw, int64(len(raw)), ttl)
	c.l1.Wait() // make the entry visible to an immediately following Get

	if c.l2 == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := c.l2.Set(cacheCtx, fingerprint, raw, ttl).Err(); err != nil {
		c.log.Debug().Err(err).Str("key", fingerprint).Msg("L2 set failed, entry only cached in L1")
	}
}

func (c *TieredCache) Close() error {
	c.l1.Close()
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}
