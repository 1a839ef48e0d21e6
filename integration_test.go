package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/chainprice/oracle/internal/api"
	"github.com/chainprice/oracle/internal/cache"
	"github.com/chainprice/oracle/internal/interpolate"
	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/registry"
	"github.com/chainprice/oracle/internal/resolver"
	"github.com/chainprice/oracle/internal/store"
	"github.com/chainprice/oracle/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestOracleHTTPPipeline_Integration wires the real Store, Cache, Resolver,
// Registry and API server together (in-memory store, L1-only cache, a
// scripted upstream) and drives the composition through its HTTP surface,
// exercising resolve and the schedule CRUD lifecycle end to end.
func TestOracleHTTPPipeline_Integration(t *testing.T) {
	priceStore := store.NewMemoryStore()
	defer priceStore.Close()

	priceCache, err := cache.NewTieredCache(nil, zerolog.Nop())
	require.NoError(t, err)
	defer priceCache.Close()

	up := &scriptedUpstream{price: 2500}
	engine := interpolate.New(priceStore)
	res := resolver.New(priceStore, priceCache, up, engine, time.Hour, zerolog.Nop())
	reg := registry.New(&noopEnqueuer{}, zerolog.Nop())

	addr := "127.0.0.1:18099"
	server := api.NewServer(addr, res, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Start(ctx)
	waitForHealth(t, addr)

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + addr

	resolveBody, _ := json.Marshal(map[string]string{"token": "eth", "network": "ethereum"})
	resp, err := client.Post(base+"/api/v1/resolve", "application/json", bytes.NewReader(resolveBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resolved map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resolved))
	require.Equal(t, 2500.0, resolved["price"])
	require.Equal(t, "ETH", resolved["token"])

	createBody, _ := json.Marshal(map[string]string{"token": "ETH", "network": "ethereum", "interval": "1h"})
	resp, err = client.Post(base+"/api/v1/schedules", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id, _ := created["jobId"].(string)
	require.NotEmpty(t, id)

	resp, err = client.Get(base + "/api/v1/schedules/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/v1/schedules/"+id, nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// TestCoinGeckoProvider_Integration hits the real CoinGecko API and is
// skipped unless ORACLE_INTEGRATION_TESTS=1, since it needs outbound network
// access and is subject to upstream rate limits.
func TestCoinGeckoProvider_Integration(t *testing.T) {
	if os.Getenv("ORACLE_INTEGRATION_TESTS") != "1" {
		t.Skip("set ORACLE_INTEGRATION_TESTS=1 to run CoinGecko-backed integration tests")
	}

	provider := upstream.NewCoinGeckoProvider(os.Getenv("UPSTREAM_API_KEY"), 5*time.Minute)
	point, err := provider.FetchSpotPrice(context.Background(), "ETH", "ethereum", time.Now().UTC().AddDate(0, 0, -7))
	require.NoError(t, err)
	require.NotNil(t, point)
	require.Greater(t, point.Price, 0.0)
}

func waitForHealth(t *testing.T, addr string) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server at %s never became healthy", addr)
}

type scriptedUpstream struct {
	price float64
}

func (u *scriptedUpstream) FetchSpotPrice(_ context.Context, token, network string, at time.Time) (*models.PricePoint, error) {
	point := models.NewPricePoint(token, network, at.Unix(), u.price, models.SourceUpstream, 1.0)
	return &point, nil
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(_ context.Context, _ models.BackfillJob) (string, error) {
	return "job_fake", nil
}
