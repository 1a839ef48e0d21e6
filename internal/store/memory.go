package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chainprice/oracle/internal/models"
)

// MemoryStore is an in-memory Store used by tests and by callers that want a
// Store without a Postgres dependency (e.g. local development).
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string]models.PricePoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]models.PricePoint)}
}

func (m *MemoryStore) Available() bool { return true }
func (m *MemoryStore) Close() error    { return nil }

func (m *MemoryStore) GetByExact(_ context.Context, token, network string, unixTS int64) (*models.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := models.PricePoint{Token: models.NormalizeToken(token), Network: models.NormalizeNetwork(network), UnixTS: unixTS}.Key()
	if p, ok := m.points[key]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) sortedForPair(token, network string) []models.PricePoint {
	tok, net := models.NormalizeToken(token), models.NormalizeNetwork(network)
	var out []models.PricePoint
	for _, p := range m.points {
		if p.Token == tok && p.Network == net {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnixTS < out[j].UnixTS })
	return out
}

func (m *MemoryStore) GetStraddling(_ context.Context, token, network string, unixTS int64) (*models.PricePoint, *models.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.sortedForPair(token, network)
	var before, after *models.PricePoint
	for i := range points {
		if points[i].UnixTS <= unixTS {
			cp := points[i]
			before = &cp
		}
		if points[i].UnixTS >= unixTS && after == nil {
			cp := points[i]
			after = &cp
		}
	}
	return before, after, nil
}

func (m *MemoryStore) GetRange(_ context.Context, token, network string, fromTS, toTS int64) ([]models.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PricePoint
	for _, p := range m.sortedForPair(token, network) {
		if p.UnixTS >= fromTS && p.UnixTS <= toTS {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, point models.PricePoint) (InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	point.Token = models.NormalizeToken(point.Token)
	point.Network = models.NormalizeNetwork(point.Network)
	key := point.Key()
	if _, exists := m.points[key]; exists {
		return Skipped, nil
	}
	now := time.Now().UTC()
	point.CreatedAt = now
	point.UpdatedAt = now
	m.points[key] = point
	return Inserted, nil
}

func (m *MemoryStore) InsertMany(ctx context.Context, points []models.PricePoint) (int, error) {
	inserted := 0
	for _, p := range points {
		outcome, _ := m.Insert(ctx, p)
		if outcome == Inserted {
			inserted++
		}
	}
	return inserted, nil
}
