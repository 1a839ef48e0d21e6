package upstream

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// transferEventSignature is "Transfer(address,address,uint256)"; its keccak256
// hash is the topic0 filter for ERC-20 Transfer logs.
const transferEventSignature = "Transfer(address,address,uint256)"

var transferTopic = computeTransferTopic()

func computeTransferTopic() string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(transferEventSignature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// networkRPCURLs maps a network to a public JSON-RPC endpoint. A production
// deployment would source these from config; kept static here to mirror the
// teacher's per-network RPC URL table.
var networkRPCURLs = map[string]string{
	"ethereum": "https://eth.llamarpc.com",
	"polygon":  "https://polygon.llamarpc.com",
	"arbitrum": "https://arbitrum.llamarpc.com",
	"optimism": "https://optimism.llamarpc.com",
	"base":     "https://base.llamarpc.com",
}

type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RPCTransferProvider implements TransferTimestampProvider by querying a
// network's JSON-RPC endpoint for the token's earliest Transfer log, then
// resolving that log's block to a timestamp. Grounded on the teacher's
// internal/rpc/client.go JSON-RPC envelope.
type RPCTransferProvider struct {
	httpClient *http.Client
}

func NewRPCTransferProvider() *RPCTransferProvider {
	return &RPCTransferProvider{httpClient: &http.Client{Timeout: RequestTimeout}}
}

func (p *RPCTransferProvider) call(ctx context.Context, rpcURL, method string, params interface{}) (json.RawMessage, error) {
	req := jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, ErrTransient
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrTransient
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, ErrTransient
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// FirstTransferTimestamp finds the earliest ERC-20 Transfer log emitted by
// token's contract address on network and returns the timestamp of the block
// containing it. token must be a contract address; symbols have no on-chain
// address to query and yield (nil, nil).
func (p *RPCTransferProvider) FirstTransferTimestamp(ctx context.Context, token, network string) (*time.Time, error) {
	addr := strings.ToLower(token)
	if !hexAddressPattern.MatchString(addr) {
		return nil, nil
	}
	rpcURL, ok := networkRPCURLs[strings.ToLower(network)]
	if !ok {
		return nil, nil
	}

	filter := map[string]interface{}{
		"address":   addr,
		"topics":    []string{transferTopic},
		"fromBlock": "0x0",
		"toBlock":   "latest",
	}
	result, err := p.call(ctx, rpcURL, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}

	var logs []struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(result, &logs); err != nil || len(logs) == 0 {
		return nil, nil
	}

	blockNumHex := logs[0].BlockNumber
	blockResult, err := p.call(ctx, rpcURL, "eth_getBlockByNumber", []interface{}{blockNumHex, false})
	if err != nil {
		return nil, err
	}

	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(blockResult, &block); err != nil || block.Timestamp == "" {
		return nil, nil
	}

	unixTS, err := strconv.ParseUint(block.Timestamp[2:], 16, 64)
	if err != nil {
		return nil, nil
	}
	ts := time.Unix(int64(unixTS), 0).UTC()
	return &ts, nil
}
