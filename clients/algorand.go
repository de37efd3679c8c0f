package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// AlgorandClient talks to an algod node over its REST API.
type AlgorandClient struct {
	network types.Network
	baseURL string
	token   string
	http    *http.Client
}

// NewAlgorandClient builds a client for the given algod endpoint. token may
// be empty for public nodes.
func NewAlgorandClient(network types.Network, baseURL, token string) *AlgorandClient {
	return &AlgorandClient{
		network: network,
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultRPCTimeout},
	}
}

func (c *AlgorandClient) Network() types.Network { return c.network }

func (c *AlgorandClient) headers() map[string]string {
	if c.token == "" {
		return nil
	}
	return map[string]string{"X-Algo-API-Token": c.token}
}

type nodeStatus struct {
	LastRound uint64 `json:"last-round"`
}

// CurrentRound returns the last round the node has seen.
func (c *AlgorandClient) CurrentRound(ctx context.Context) (uint64, error) {
	var status nodeStatus
	if _, err := restGet(ctx, c.http, c.baseURL+"/v2/status", c.headers(), &status); err != nil {
		return 0, err
	}
	return status.LastRound, nil
}

// SuggestedParams carries the subset of transaction params needed to build
// fee transactions.
type SuggestedParams struct {
	Fee             uint64 `json:"fee"`
	MinFee          uint64 `json:"min-fee"`
	FirstValid      uint64 `json:"last-round"`
	GenesisID       string `json:"genesis-id"`
	GenesisHashB64  string `json:"genesis-hash"`
	ConsensusGroups string `json:"consensus-version"`
}

func (c *AlgorandClient) TransactionParams(ctx context.Context) (SuggestedParams, error) {
	var params SuggestedParams
	if _, err := restGet(ctx, c.http, c.baseURL+"/v2/transactions/params", c.headers(), &params); err != nil {
		return SuggestedParams{}, err
	}
	return params, nil
}

type pendingTxnResponse struct {
	ConfirmedRound uint64 `json:"confirmed-round"`
	PoolError      string `json:"pool-error"`
}

type pendingInfo struct {
	found     bool
	confirmed uint64
	poolError string
}

func (c *AlgorandClient) pendingTxn(ctx context.Context, txID string) (pendingInfo, error) {
	var resp pendingTxnResponse
	endpoint := c.baseURL + "/v2/transactions/pending/" + url.PathEscape(txID)
	code, err := restGet(ctx, c.http, endpoint, c.headers(), &resp)
	if code == http.StatusNotFound {
		return pendingInfo{}, nil
	}
	if err != nil {
		return pendingInfo{}, err
	}
	return pendingInfo{found: true, confirmed: resp.ConfirmedRound, poolError: resp.PoolError}, nil
}

// IsConfirmed reports whether the transaction id has a confirmed round.
func (c *AlgorandClient) IsConfirmed(ctx context.Context, txID string) (bool, error) {
	info, err := c.pendingTxn(ctx, txID)
	if err != nil {
		return false, err
	}
	return info.found && info.confirmed > 0, nil
}

// PendingStatus looks the id up in the pending pool.
func (c *AlgorandClient) PendingStatus(ctx context.Context, txID string) (bool, string, error) {
	info, err := c.pendingTxn(ctx, txID)
	if err != nil {
		return false, "", err
	}
	if !info.found || info.confirmed > 0 {
		return false, "", nil
	}
	return true, info.poolError, nil
}

type submitResponse struct {
	TxID string `json:"txId"`
}

// SubmitGroup broadcasts a concatenated msgpack-encoded transaction group.
func (c *AlgorandClient) SubmitGroup(ctx context.Context, rawGroup []byte) (string, error) {
	var resp submitResponse
	err := restPost(ctx, c.http, c.baseURL+"/v2/transactions", "application/x-binary", rawGroup, c.headers(), &resp)
	if err != nil {
		return "", err
	}
	return resp.TxID, nil
}

// WaitForConfirmation polls the pending pool until the transaction confirms
// or the round budget is exhausted.
func (c *AlgorandClient) WaitForConfirmation(ctx context.Context, txID string, waitRounds uint64) (uint64, error) {
	start, err := c.CurrentRound(ctx)
	if err != nil {
		return 0, err
	}
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
		}

		info, err := c.pendingTxn(ctx, txID)
		if err != nil {
			continue
		}
		if info.found && info.poolError != "" {
			return 0, types.NewError(types.ErrOnChainRejected, "transaction %s rejected: %s", txID, info.poolError)
		}
		if info.found && info.confirmed > 0 {
			return info.confirmed, nil
		}

		round, err := c.CurrentRound(ctx)
		if err != nil {
			continue
		}
		if round > start+waitRounds {
			return 0, types.NewRetryable(types.ErrSettlementTimeout, nil,
				"transaction %s unconfirmed after %d rounds", txID, waitRounds)
		}
	}
}
