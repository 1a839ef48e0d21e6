// Package resolver implements the Price Resolver pipeline (spec.md §4.5):
// cache probe → exact store lookup → upstream fetch → interpolation fallback,
// short-circuiting at first success and writing through on the way out.
// Grounded on the teacher's internal/tools/price_service.go facade, which
// composes a cache in front of a client the same way this composes four
// collaborators into one deterministic answer.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/chainprice/oracle/internal/cache"
	"github.com/chainprice/oracle/internal/interpolate"
	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/oraclerr"
	"github.com/chainprice/oracle/internal/otelx"
	"github.com/chainprice/oracle/internal/store"
	"github.com/chainprice/oracle/internal/upstream"
	"github.com/rs/zerolog"
)

// Result is the Resolver's successful answer (§4.5, §6 Resolve response).
type Result struct {
	Price     float64
	Source    models.Source
	Timestamp string
	Token     string
	Network   string
}

// Resolver composes the Cache, Store, Upstream Adapter and Interpolation
// Engine into the tiered resolution pipeline.
type Resolver struct {
	cache       cache.Cache
	store       store.Store
	upstream    upstream.SpotPriceProvider
	interpolate *interpolate.Engine
	cacheTTL    time.Duration
	log         zerolog.Logger
}

func New(s store.Store, c cache.Cache, u upstream.SpotPriceProvider, i *interpolate.Engine, cacheTTL time.Duration, log zerolog.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}
	return &Resolver{
		cache:       c,
		store:       s,
		upstream:    u,
		interpolate: i,
		cacheTTL:    cacheTTL,
		log:         log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve implements §4.5. timestamp is an ISO-8601 instant; an empty string
// means "now". Validation failures return *oraclerr.Error with KindInvalidInput
// before any collaborator is called.
func (r *Resolver) Resolve(ctx context.Context, token, network, timestamp string) (*Result, error) {
	ctx, span := otelx.Tracer().Start(ctx, "resolver.Resolve")
	defer span.End()

	if !models.IsValidToken(token) {
		return nil, oraclerr.New(oraclerr.KindInvalidInput, "token must be a 0x address or a 2-10 character alphanumeric symbol")
	}
	if !models.IsValidNetwork(network) {
		return nil, oraclerr.New(oraclerr.KindInvalidInput, "network must be one of ethereum, polygon, arbitrum, optimism, base")
	}

	at, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, oraclerr.Wrap(oraclerr.KindInvalidInput, "timestamp must be a parseable ISO-8601 instant not in the future", err)
	}

	tok := models.NormalizeToken(token)
	net := models.NormalizeNetwork(network)
	isoAt := at.Format(time.RFC3339)

	if result := r.probeCache(ctx, tok, net, isoAt); result != nil {
		return result, nil
	}

	if result := r.exactStoreLookup(ctx, tok, net, at); result != nil {
		return result, nil
	}

	if result := r.fetchFromUpstream(ctx, token, net, at, isoAt); result != nil {
		return result, nil
	}

	if result := r.interpolateGap(ctx, tok, net, at, isoAt); result != nil {
		return result, nil
	}

	return nil, oraclerr.NotFound
}

func parseTimestamp(timestamp string) (time.Time, error) {
	if timestamp == "" {
		return time.Now().UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return time.Time{}, err
	}
	at = at.UTC()
	if at.After(time.Now().UTC()) {
		return time.Time{}, errors.New("timestamp is in the future")
	}
	return at, nil
}

func (r *Resolver) probeCache(ctx context.Context, tok, net, isoAt string) *Result {
	fingerprint := models.Fingerprint(tok, net, isoAt)
	entry, ok := r.cache.Get(ctx, fingerprint)
	if !ok {
		return nil
	}
	// Cache hits are always reported as source=cache, regardless of the
	// embedded original source (§4.5 step 1).
	return &Result{Price: entry.Price, Source: models.SourceCache, Timestamp: isoAt, Token: tok, Network: net}
}

func (r *Resolver) exactStoreLookup(ctx context.Context, tok, net string, at time.Time) *Result {
	point, err := r.store.GetByExact(ctx, tok, net, at.Unix())
	if err != nil {
		r.log.Debug().Err(err).Msg("store lookup failed, continuing pipeline")
		return nil
	}
	if point == nil {
		return nil
	}
	// A record already in the store keeps its original source — it is not
	// re-decorated as a cache hit (§4.5 step 2).
	return &Result{Price: point.Price, Source: point.Source, Timestamp: point.ISODate, Token: tok, Network: net}
}

func (r *Resolver) fetchFromUpstream(ctx context.Context, token, net string, at time.Time, isoAt string) *Result {
	point, err := r.upstream.FetchSpotPrice(ctx, token, net, at)
	if err != nil {
		// Transient upstream failures degrade to "no data" for this step;
		// the pipeline proceeds to interpolation (§4.5 Error propagation).
		r.log.Warn().Err(err).Str("token", token).Str("network", net).Msg("upstream fetch failed, falling through to interpolation")
		return nil
	}
	if point == nil {
		return nil
	}

	tok := models.NormalizeToken(token)
	if _, err := r.store.Insert(ctx, *point); err != nil {
		r.log.Debug().Err(err).Msg("store write-through failed, continuing")
	}
	r.writeCache(ctx, tok, net, isoAt, point.Price, point.Source)

	return &Result{Price: point.Price, Source: models.SourceUpstream, Timestamp: isoAt, Token: tok, Network: net}
}

func (r *Resolver) interpolateGap(ctx context.Context, tok, net string, at time.Time, isoAt string) *Result {
	point, err := r.interpolate.Interpolate(ctx, tok, net, at.Unix())
	if err != nil {
		r.log.Debug().Err(err).Msg("interpolation failed, continuing")
		return nil
	}
	if point == nil {
		return nil
	}

	if _, err := r.store.Insert(ctx, *point); err != nil {
		r.log.Debug().Err(err).Msg("store write-through failed, continuing")
	}
	r.writeCache(ctx, tok, net, isoAt, point.Price, point.Source)

	return &Result{Price: point.Price, Source: models.SourceInterpolated, Timestamp: isoAt, Token: tok, Network: net}
}

func (r *Resolver) writeCache(ctx context.Context, tok, net, isoAt string, price float64, source models.Source) {
	fingerprint := models.Fingerprint(tok, net, isoAt)
	entry := models.CacheEntry{Price: price, Source: source, Timestamp: isoAt, CachedAt: time.Now().UTC()}
	r.cache.Set(ctx, fingerprint, entry, r.cacheTTL)
}
