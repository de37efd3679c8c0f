package clients

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// ledgerCacheTTL bounds how stale a cached latest-ledger reading may be
// when evaluating authorization expiry windows.
const ledgerCacheTTL = 5 * time.Second

// StellarClient talks JSON-RPC to a Soroban RPC node.
type StellarClient struct {
	network types.Network
	url     string
	http    *http.Client

	mu           sync.Mutex
	cachedLedger uint32
	cachedAt     time.Time
}

// NewStellarClient builds a client for the given Soroban RPC endpoint.
func NewStellarClient(network types.Network, rpcURL string) *StellarClient {
	return &StellarClient{
		network: network,
		url:     rpcURL,
		http:    &http.Client{Timeout: defaultRPCTimeout},
	}
}

func (c *StellarClient) Network() types.Network { return c.network }

type latestLedgerResult struct {
	Sequence uint32 `json:"sequence"`
}

// LatestLedger returns the current ledger sequence, cached briefly so a
// burst of verifications does not hammer the node.
func (c *StellarClient) LatestLedger(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	if time.Since(c.cachedAt) < ledgerCacheTTL && c.cachedLedger > 0 {
		ledger := c.cachedLedger
		c.mu.Unlock()
		return ledger, nil
	}
	c.mu.Unlock()

	var result latestLedgerResult
	if err := jsonRPC(ctx, c.http, c.url, "getLatestLedger", nil, &result); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cachedLedger = result.Sequence
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return result.Sequence, nil
}

type sendTransactionParams struct {
	Transaction string `json:"transaction"`
}

type sendTransactionResult struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
	Error  string `json:"errorResultXdr,omitempty"`
}

// SubmitTransaction broadcasts a base64 XDR transaction envelope.
func (c *StellarClient) SubmitTransaction(ctx context.Context, envelopeXDR string) (string, error) {
	var result sendTransactionResult
	err := jsonRPC(ctx, c.http, c.url, "sendTransaction", sendTransactionParams{Transaction: envelopeXDR}, &result)
	if err != nil {
		return "", err
	}
	if result.Status == "ERROR" {
		return "", types.NewError(types.ErrOnChainRejected, "transaction rejected: %s", result.Error)
	}
	return result.Hash, nil
}

type getTransactionParams struct {
	Hash string `json:"hash"`
}

type getTransactionResult struct {
	Status string `json:"status"` // NOT_FOUND | SUCCESS | FAILED
	Ledger uint32 `json:"ledger,omitempty"`
}

// WaitForTransaction polls until the transaction succeeds, fails, or the
// attempt budget runs out.
func (c *StellarClient) WaitForTransaction(ctx context.Context, hash string, maxAttempts int) (uint32, error) {
	delay := 2 * time.Second
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 16*time.Second {
			delay *= 2
		}

		var result getTransactionResult
		if err := jsonRPC(ctx, c.http, c.url, "getTransaction", getTransactionParams{Hash: hash}, &result); err != nil {
			continue
		}
		switch result.Status {
		case "SUCCESS":
			return result.Ledger, nil
		case "FAILED":
			return 0, types.NewError(types.ErrOnChainRejected, "transaction %s failed", hash)
		}
	}
	return 0, types.NewRetryable(types.ErrSettlementTimeout, nil, "transaction %s not found after %d attempts", hash, maxAttempts)
}

type accountResult struct {
	Sequence string `json:"sequence"`
}

// AccountSequence fetches the facilitator account's current sequence via
// the getAccount extension exposed by Soroban RPC providers.
func (c *StellarClient) AccountSequence(ctx context.Context, account string) (string, error) {
	var result accountResult
	params := map[string]string{"address": account}
	if err := jsonRPC(ctx, c.http, c.url, "getAccount", params, &result); err != nil {
		return "", err
	}
	return result.Sequence, nil
}
