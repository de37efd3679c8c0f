// Package clients wraps the per-family RPC endpoints: an ethclient for EVM
// networks, the solana-go RPC client for Solana networks, and JSON-RPC/REST
// shims for Soroban, algod and NEAR nodes.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// defaultRPCTimeout caps every single outbound RPC call.
const defaultRPCTimeout = 15 * time.Second

// Retry runs fn up to attempts times with exponential backoff, stopping
// early on context cancellation or a non-retryable error.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func() error) error {
	var lastErr error
	delay := initial
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if fe, ok := lastErr.(*types.FacilitatorError); ok && !fe.Retryable {
			return lastErr
		}
	}
	return lastErr
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// jsonRPC posts one JSON-RPC call and decodes the result into out.
// Transport failures surface as RPC_TRANSIENT; node-reported errors as
// RPC_PERMANENT.
func jsonRPC(ctx context.Context, client *http.Client, url, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return types.WrapError(types.ErrRpcPermanent, err, "encode %s request", method)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.WrapError(types.ErrRpcPermanent, err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "%s call failed", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "read %s response", method)
	}
	if resp.StatusCode >= 500 {
		return types.NewRetryable(types.ErrRpcTransient, nil, "%s returned HTTP %d", method, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return types.NewError(types.ErrRpcPermanent, "%s returned HTTP %d: %s", method, resp.StatusCode, raw)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return types.WrapError(types.ErrRpcPermanent, err, "decode %s response", method)
	}
	if rpcResp.Error != nil {
		return types.NewError(types.ErrRpcPermanent, "%s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return types.WrapError(types.ErrRpcPermanent, err, "decode %s result", method)
		}
	}
	return nil
}

// restGet performs a plain REST GET used by the algod API.
func restGet(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, types.WrapError(types.ErrRpcPermanent, err, "build request %s", url)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, types.NewRetryable(types.ErrRpcTransient, err, "GET %s failed", url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, types.NewRetryable(types.ErrRpcTransient, err, "read response %s", url)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, types.NewRetryable(types.ErrRpcTransient, nil, "GET %s returned HTTP %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("GET %s returned HTTP %d: %s", url, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, types.WrapError(types.ErrRpcPermanent, err, "decode response %s", url)
		}
	}
	return resp.StatusCode, nil
}

// restPost performs a REST POST with a raw body, used to broadcast
// transactions to algod.
func restPost(ctx context.Context, client *http.Client, url, contentType string, body []byte, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.WrapError(types.ErrRpcPermanent, err, "build request %s", url)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "POST %s failed", url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "read response %s", url)
	}
	if resp.StatusCode >= 500 {
		return types.NewRetryable(types.ErrRpcTransient, nil, "POST %s returned HTTP %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return types.NewError(types.ErrOnChainRejected, "POST %s returned HTTP %d: %s", url, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return types.WrapError(types.ErrRpcPermanent, err, "decode response %s", url)
		}
	}
	return nil
}
