// Package store implements the Durable Price Store (spec.md §4.2): a
// Postgres-backed table of PricePoints with point lookup, straddling-pair
// queries, range scans, and conflict-tolerant inserts. Grounded on the
// teacher's "interface + concrete connector" shape in internal/tools/cache.go.
package store

import (
	"context"
	"time"

	"github.com/chainprice/oracle/internal/models"
)

// InsertOutcome reports whether an Insert actually wrote a new row (§3 invariant:
// duplicate inserts on the (token,network,unix_ts) key are a no-op, not an error).
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Skipped
)

// Store is the durable price store's public contract (§4.2).
//
// Read operations never return an error for an unreachable backend — they
// return the zero value (nil / empty slice) so the Resolver can treat an
// unavailable store exactly like an empty one (§4.2 Availability, §7
// StoreUnavailable). Available() lets callers distinguish "no data" from
// "degraded" when they want to log it, without forcing error-handling on
// every read.
type Store interface {
	GetByExact(ctx context.Context, token, network string, unixTS int64) (*models.PricePoint, error)
	GetStraddling(ctx context.Context, token, network string, unixTS int64) (before, after *models.PricePoint, err error)
	GetRange(ctx context.Context, token, network string, fromTS, toTS int64) ([]models.PricePoint, error)
	Insert(ctx context.Context, point models.PricePoint) (InsertOutcome, error)
	InsertMany(ctx context.Context, points []models.PricePoint) (inserted int, err error)
	Available() bool
	Close() error
}

// OperationTimeout is the recommended per-call timeout (§5).
const OperationTimeout = 5 * time.Second
