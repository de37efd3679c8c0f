package clients

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// EVMClient wraps an ethclient connection to one EVM network.
type EVMClient struct {
	network types.Network
	client  *ethclient.Client
}

// NewEVMClient dials the network's RPC endpoint.
func NewEVMClient(network types.Network, rpcURL string) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, types.NewRetryable(types.ErrRpcTransient, err, "dial EVM RPC for %s", network)
	}
	return &EVMClient{network: network, client: client}, nil
}

func (c *EVMClient) Network() types.Network { return c.network }

// ChainID fetches the remote chain id, letting callers cross-check the
// catalog entry against the node they are actually talking to.
func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, types.NewRetryable(types.ErrRpcTransient, err, "chain id query")
	}
	return id, nil
}

// PendingNonce returns the account's next nonce including pending txs.
func (c *EVMClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	nonce, err := c.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, types.NewRetryable(types.ErrRpcTransient, err, "pending nonce query")
	}
	return nonce, nil
}

// SuggestGasPrice returns the node's gas price estimate.
func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, types.NewRetryable(types.ErrRpcTransient, err, "gas price query")
	}
	return price, nil
}

// EstimateGas asks the node how much gas the call needs. A node-side
// revert at estimation time is a permanent rejection.
func (c *EVMClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, types.WrapError(types.ErrOnChainRejected, err, "gas estimation reverted")
	}
	return gas, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *EVMClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "broadcast transaction")
	}
	return nil
}

// WaitForReceipt polls for the transaction receipt with exponential
// backoff, up to maxAttempts. A missing receipt after the final attempt is
// a SETTLEMENT_TIMEOUT; a reverted receipt is ON_CHAIN_REJECTED.
func (c *EVMClient) WaitForReceipt(ctx context.Context, txHash common.Hash, maxAttempts int) (*ethtypes.Receipt, error) {
	delay := 2 * time.Second
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
		receipt, err := c.client.TransactionReceipt(callCtx, txHash)
		cancel()
		if err != nil {
			continue // not mined yet, or transient node error
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			return receipt, types.NewError(types.ErrOnChainRejected, "transaction %s reverted", txHash)
		}
		return receipt, nil
	}
	return nil, types.NewRetryable(types.ErrSettlementTimeout, nil, "no receipt for %s after %d attempts", txHash, maxAttempts)
}

// Close releases the underlying connection.
func (c *EVMClient) Close() { c.client.Close() }
