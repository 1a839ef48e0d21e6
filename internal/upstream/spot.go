package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/chainprice/oracle/internal/models"
	"github.com/shopspring/decimal"
)

// symbolToCoinID maps canonical token symbols to the upstream provider's coin
// identifier. A real deployment would load this from config or an upstream
// discovery endpoint; a static map keeps this adapter self-contained (§4.1).
var symbolToCoinID = map[string]string{
	"ETH":  "ethereum",
	"BTC":  "bitcoin",
	"MATIC": "matic-network",
	"ARB":  "arbitrum",
	"OP":   "optimism",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
}

// addressToCoinID maps a small set of known contract addresses to coin IDs.
// Addresses outside this map have no resolvable price source (§4.1: "addresses
// not in the map return null").
var addressToCoinID = map[string]string{
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "usd-coin", // USDC on Ethereum
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "tether",   // USDT on Ethereum
}

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-f]{1,40}$`)

// CoinGeckoProvider is a SpotPriceProvider backed by the CoinGecko REST API.
type CoinGeckoProvider struct {
	apiKey             string
	httpClient         *http.Client
	currentThreshold   time.Duration
	simplePriceBaseURL string
	historyBaseURL     string
}

// NewCoinGeckoProvider builds a provider. currentThreshold governs the
// current-vs-historical branch in FetchSpotPrice (§4.1, §9 open question —
// configurable rather than hardcoded).
func NewCoinGeckoProvider(apiKey string, currentThreshold time.Duration) *CoinGeckoProvider {
	if currentThreshold <= 0 {
		currentThreshold = CurrentPriceThresholdDefault
	}
	return &CoinGeckoProvider{
		apiKey:             apiKey,
		httpClient:         &http.Client{Timeout: RequestTimeout},
		currentThreshold:   currentThreshold,
		simplePriceBaseURL: "https://api.coingecko.com/api/v3/simple/price",
		historyBaseURL:     "https://api.coingecko.com/api/v3/coins",
	}
}

func (p *CoinGeckoProvider) resolveCoinID(token string) (string, bool) {
	normalized := models.NormalizeToken(token)
	if hexAddressPattern.MatchString(normalized) {
		id, ok := addressToCoinID[normalized]
		return id, ok
	}
	id, ok := symbolToCoinID[normalized]
	return id, ok
}

// FetchSpotPrice implements the Upstream Adapter contract (§4.1).
func (p *CoinGeckoProvider) FetchSpotPrice(ctx context.Context, token, network string, at time.Time) (*models.PricePoint, error) {
	coinID, ok := p.resolveCoinID(token)
	if !ok {
		return nil, nil // unmapped token: no data, not an error
	}

	isCurrent := time.Since(at) <= p.currentThreshold
	var price float64
	var err error
	if isCurrent {
		price, err = p.fetchCurrentPrice(ctx, coinID)
	} else {
		price, err = p.fetchHistoricalPrice(ctx, coinID, at)
	}
	if err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, nil
	}

	rounded, _ := decimal.NewFromFloat(price).Round(2).Float64()
	point := models.NewPricePoint(token, network, at.Unix(), rounded, models.SourceUpstream, 1.0)
	return &point, nil
}

func (p *CoinGeckoProvider) fetchCurrentPrice(ctx context.Context, coinID string) (float64, error) {
	url := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", p.simplePriceBaseURL, coinID)
	body, err := p.makeRequest(ctx, url)
	if err != nil {
		return 0, err
	}

	var result map[string]map[string]float64
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, nil // malformed payload: no data (§4.1)
	}
	entry, ok := result[coinID]
	if !ok {
		return 0, nil
	}
	return entry["usd"], nil
}

func (p *CoinGeckoProvider) fetchHistoricalPrice(ctx context.Context, coinID string, at time.Time) (float64, error) {
	dateParam := at.UTC().Format("02-01-2006") // CoinGecko's dd-mm-yyyy format
	url := fmt.Sprintf("%s/%s/history?date=%s", p.historyBaseURL, coinID, dateParam)
	body, err := p.makeRequest(ctx, url)
	if err != nil {
		return 0, err
	}

	var result struct {
		MarketData struct {
			CurrentPrice map[string]float64 `json:"current_price"`
		} `json:"market_data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, nil
	}
	return result.MarketData.CurrentPrice["usd"], nil
}

func (p *CoinGeckoProvider) makeRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "context deadline exceeded") {
			return nil, ErrTransient
		}
		return nil, ErrTransient // connection errors are transient (§4.1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrTransient
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, ErrTransient
	case resp.StatusCode >= 400:
		return nil, nil // 4xx: no data, not an error the caller should retry
	}
	return body, nil
}
