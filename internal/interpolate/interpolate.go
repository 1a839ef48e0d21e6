// Package interpolate implements the Interpolation Engine (spec.md §4.4):
// given a straddling pair of known prices, produce a linearly interpolated
// price with a confidence score.
package interpolate

import (
	"context"

	"github.com/chainprice/oracle/internal/models"
	"github.com/shopspring/decimal"
)

const (
	maxGapSeconds = 7 * 24 * 60 * 60 // 7 days
	maxChange     = 0.50
)

// Straddle provides the before/after price points surrounding a target
// timestamp. The Resolver and Worker both satisfy this from their Store.
type Straddle interface {
	GetStraddling(ctx context.Context, token, network string, unixTS int64) (before, after *models.PricePoint, err error)
}

// Engine computes interpolated prices from a Straddle source.
type Engine struct {
	store Straddle
}

func New(store Straddle) *Engine {
	return &Engine{store: store}
}

// Interpolate returns an interpolated PricePoint for targetTS, or nil if no
// straddling pair is available or the pair is degenerate (§4.4, invariants 5-6).
func (e *Engine) Interpolate(ctx context.Context, token, network string, targetTS int64) (*models.PricePoint, error) {
	before, after, err := e.store.GetStraddling(ctx, token, network, targetTS)
	if err != nil {
		return nil, err
	}
	return Compute(token, network, targetTS, before, after), nil
}

// BatchInterpolate interpolates a slice of timestamps, returning an aligned
// slice of results (nil entries for timestamps that can't be interpolated).
// Per §4.4 this may coalesce store queries, but must not alter per-timestamp
// semantics, so it simply interpolates each timestamp independently.
func (e *Engine) BatchInterpolate(ctx context.Context, token, network string, timestamps []int64) ([]*models.PricePoint, error) {
	results := make([]*models.PricePoint, len(timestamps))
	for i, ts := range timestamps {
		point, err := e.Interpolate(ctx, token, network, ts)
		if err != nil {
			return nil, err
		}
		results[i] = point
	}
	return results, nil
}

// Compute is the pure formula from §4.4, exported so the Worker can run it
// against a pre-fetched set of points without another store round trip.
func Compute(token, network string, targetTS int64, before, after *models.PricePoint) *models.PricePoint {
	if before == nil || after == nil {
		return nil
	}
	if before.UnixTS == after.UnixTS {
		return nil
	}

	ratio := decimal.NewFromInt(targetTS - before.UnixTS).
		Div(decimal.NewFromInt(after.UnixTS - before.UnixTS))

	beforePrice := decimal.NewFromFloat(before.Price)
	afterPrice := decimal.NewFromFloat(after.Price)
	price := beforePrice.Add(afterPrice.Sub(beforePrice).Mul(ratio)).Round(2)

	confidence := confidenceScore(targetTS, before, after)

	point := models.NewPricePoint(token, network, targetTS, price.InexactFloat64(), models.SourceInterpolated, confidence)
	return &point
}

func confidenceScore(targetTS int64, before, after *models.PricePoint) float64 {
	gap := float64(after.UnixTS - before.UnixTS)
	timeConf := clamp01(1 - gap/float64(maxGapSeconds))

	var relChange float64
	if before.Price != 0 {
		relChange = abs(after.Price-before.Price) / before.Price
	}
	stabilityConf := clamp01(1 - relChange/maxChange)

	dBefore := float64(targetTS - before.UnixTS)
	dAfter := float64(after.UnixTS - targetTS)
	var positionConf float64
	if maxF(dBefore, dAfter) > 0 {
		positionConf = minF(dBefore, dAfter) / maxF(dBefore, dAfter)
	}

	confidence := 0.4*timeConf + 0.4*stabilityConf + 0.2*positionConf
	return clamp01(confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
