package clients

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// NearClient talks JSON-RPC to a NEAR node. Settlement relays pre-signed
// transactions, so the surface is block height plus broadcast.
type NearClient struct {
	network types.Network
	url     string
	http    *http.Client
}

func NewNearClient(network types.Network, rpcURL string) *NearClient {
	return &NearClient{
		network: network,
		url:     rpcURL,
		http:    &http.Client{Timeout: defaultRPCTimeout},
	}
}

func (c *NearClient) Network() types.Network { return c.network }

type nearBlockResult struct {
	Header struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	} `json:"header"`
}

// LatestBlockHeight returns the height of the latest final block, used to
// enforce delegate action validity windows.
func (c *NearClient) LatestBlockHeight(ctx context.Context) (uint64, error) {
	params := map[string]string{"finality": "final"}
	var result nearBlockResult
	if err := jsonRPC(ctx, c.http, c.url, "block", params, &result); err != nil {
		return 0, err
	}
	return result.Header.Height, nil
}

// LatestBlockHash returns the base58 hash of the latest final block, used
// as the anchor of relayed transactions.
func (c *NearClient) LatestBlockHash(ctx context.Context) (string, error) {
	params := map[string]string{"finality": "final"}
	var result nearBlockResult
	if err := jsonRPC(ctx, c.http, c.url, "block", params, &result); err != nil {
		return "", err
	}
	return result.Header.Hash, nil
}

type nearTxOutcome struct {
	Status struct {
		SuccessValue     *string         `json:"SuccessValue,omitempty"`
		SuccessReceiptID *string         `json:"SuccessReceiptId,omitempty"`
		Failure          json.RawMessage `json:"Failure,omitempty"`
	} `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

// BroadcastCommit submits a base64 signed transaction and waits for the
// node to report the execution outcome.
func (c *NearClient) BroadcastCommit(ctx context.Context, signedTxBase64 string) (string, error) {
	params := []string{signedTxBase64}
	var outcome nearTxOutcome
	if err := jsonRPC(ctx, c.http, c.url, "broadcast_tx_commit", params, &outcome); err != nil {
		return "", err
	}
	if len(outcome.Status.Failure) > 0 {
		return "", types.NewError(types.ErrOnChainRejected, "execution failed: %s", string(outcome.Status.Failure))
	}
	return outcome.Transaction.Hash, nil
}

type nearAccessKeyResult struct {
	Nonce uint64 `json:"nonce"`
}

// AccessKeyNonce fetches the on-chain nonce for an account's access key.
// The delegate action nonce must exceed it.
func (c *NearClient) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	params := map[string]string{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	var result nearAccessKeyResult
	if err := jsonRPC(ctx, c.http, c.url, "query", params, &result); err != nil {
		return 0, err
	}
	return result.Nonce, nil
}
