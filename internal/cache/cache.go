// Package cache implements the Cache Layer (spec.md §4.3): a two-tier
// in-process + shared cache in front of the durable store and upstream
// provider. Grounded on the teacher's Cache interface in
// internal/tools/cache.go, generalized from a single data.Connector to an
// explicit L1 (ristretto) + L2 (redis) pair per the spec's tiering.
package cache

import (
	"context"
	"time"

	"github.com/chainprice/oracle/internal/models"
)

// Cache is the public contract for the Price Cache (§4.3). Get never returns
// an error — a miss and an unreachable backend both surface as (nil, false),
// matching the "never error to caller" degraded-mode contract (§7).
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*models.CacheEntry, bool)
	Set(ctx context.Context, fingerprint string, entry models.CacheEntry, ttl time.Duration)
	Close() error
}

// DefaultTTL is used when the caller doesn't override it (§6 config).
const DefaultTTL = time.Hour
