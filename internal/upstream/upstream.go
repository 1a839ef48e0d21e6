// Package upstream implements the Upstream Adapter (spec.md §4.1) and the
// blockchain transfer-timestamp capability it leans on for backfill creation-
// date detection. Grounded on the teacher's internal/tools/coingecko_client.go
// (HTTP adapter shape, cache-then-fetch, makeRequest error classification) and
// internal/rpc/client.go (JSON-RPC envelope, eth_getLogs/eth_getBlockByNumber).
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/chainprice/oracle/internal/models"
)

// ErrTransient signals a retryable upstream failure (5xx, connection error,
// timeout) as distinct from "no data" (§4.1, §7 TransientUpstream).
var ErrTransient = errors.New("upstream: transient failure")

// SpotPriceProvider is the Upstream Adapter's contract. A nil PricePoint with
// a nil error means "no data" (4xx, malformed payload, unmapped token) — only
// ErrTransient should trigger caller-side retry/backoff semantics.
type SpotPriceProvider interface {
	FetchSpotPrice(ctx context.Context, token, network string, at time.Time) (*models.PricePoint, error)
}

// TransferTimestampProvider answers "when did this token first move on this
// network" for backfill creation-date detection (§4.8 step 1). The spec treats
// this as an opaque capability; RPCTransferProvider is a concrete grounding.
type TransferTimestampProvider interface {
	FirstTransferTimestamp(ctx context.Context, token, network string) (*time.Time, error)
}

// RequestTimeout is the Upstream Adapter's fixed network timeout (§4.1).
const RequestTimeout = 10 * time.Second

// CurrentPriceThresholdDefault is used when config doesn't override it (§9 open question).
const CurrentPriceThresholdDefault = 24 * time.Hour
