package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeTransferTopic_MatchesKnownKeccak256(t *testing.T) {
	// Well-known topic0 for "Transfer(address,address,uint256)".
	require.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", transferTopic)
}

func TestFirstTransferTimestamp_NonAddressToken_ReturnsNilNoError(t *testing.T) {
	p := NewRPCTransferProvider()
	ts, err := p.FirstTransferTimestamp(context.Background(), "ETH", "ethereum")
	require.NoError(t, err)
	require.Nil(t, ts)
}

func TestFirstTransferTimestamp_ResolvesBlockTimestamp(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		callCount++

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_getLogs":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[{"blockNumber":"0x64"}]}`))
		case "eth_getBlockByNumber":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"timestamp":"0x5f5e100"}}`))
		}
	}))
	defer srv.Close()

	networkRPCURLs["ethereum"] = srv.URL
	defer func() { networkRPCURLs["ethereum"] = "https://eth.llamarpc.com" }()

	p := NewRPCTransferProvider()
	ts, err := p.FirstTransferTimestamp(context.Background(), "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "ethereum")
	require.NoError(t, err)
	require.NotNil(t, ts)
	require.Equal(t, int64(0x5f5e100), ts.Unix())
	require.Equal(t, 2, callCount)
}

func TestFirstTransferTimestamp_NoLogsFound_ReturnsNilNoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[]}`))
	}))
	defer srv.Close()

	networkRPCURLs["ethereum"] = srv.URL
	defer func() { networkRPCURLs["ethereum"] = "https://eth.llamarpc.com" }()

	p := NewRPCTransferProvider()
	ts, err := p.FirstTransferTimestamp(context.Background(), "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "ethereum")
	require.NoError(t, err)
	require.Nil(t, ts)
}
