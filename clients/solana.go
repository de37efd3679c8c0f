package clients

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// SolanaClient wraps the solana-go RPC client for one Solana network.
type SolanaClient struct {
	network types.Network
	client  *rpc.Client
}

// NewSolanaClient builds a client against the given RPC endpoint.
func NewSolanaClient(network types.Network, rpcURL string) *SolanaClient {
	return &SolanaClient{network: network, client: rpc.New(rpcURL)}
}

func (c *SolanaClient) Network() types.Network { return c.network }

// SendTransaction broadcasts the client-signed transaction envelope.
func (c *SolanaClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	sig, err := c.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, types.NewRetryable(types.ErrRpcTransient, err, "broadcast transaction")
	}
	return sig, nil
}

// WaitForFinalized polls signature status until the transaction is
// finalized or attempts run out.
func (c *SolanaClient) WaitForFinalized(ctx context.Context, sig solana.Signature, maxAttempts int) (uint64, error) {
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

		callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
		statuses, err := c.client.GetSignatureStatuses(callCtx, false, sig)
		cancel()
		if err != nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
			continue
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return 0, types.NewError(types.ErrOnChainRejected, "transaction %s failed on-chain: %v", sig, status.Err)
		}
		if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
			return status.Slot, nil
		}
	}
	return 0, types.NewRetryable(types.ErrSettlementTimeout, nil, "transaction %s not finalized after %d attempts", sig, maxAttempts)
}
