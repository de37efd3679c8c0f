package replay

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// TxStatusSource answers transaction-id lookups against the chain: the
// confirmed-transaction index and the pending-submission pool.
type TxStatusSource interface {
	// IsConfirmed reports whether the transaction id appears in a
	// confirmed block/round.
	IsConfirmed(ctx context.Context, txID string) (bool, error)

	// PendingStatus looks the id up in the pending pool. found means the
	// pool knows the id; poolError is the pool's rejection reason, empty
	// when the transaction is simply waiting.
	PendingStatus(ctx context.Context, txID string) (found bool, poolError string, err error)
}

// TxIDGuard enforces transaction-id uniqueness for the group-transaction
// family against three independent sources: a local cache of ids this
// facilitator accepted, the confirmed index, and the pending pool.
type TxIDGuard struct {
	local  *lru.Cache[string, struct{}]
	source TxStatusSource
}

// NewTxIDGuard builds a guard with a bounded local cache.
func NewTxIDGuard(size int, source TxStatusSource) (*TxIDGuard, error) {
	local, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &TxIDGuard{local: local, source: source}, nil
}

// CheckAndRecord rejects a transaction id that any of the three sources
// already knows. A transaction found pending with no pool error counts as
// already submitted and is rejected, never silently re-accepted. On
// success the id is recorded locally.
func (g *TxIDGuard) CheckAndRecord(ctx context.Context, txID string) error {
	if _, seen := g.local.Get(txID); seen {
		return types.NewError(types.ErrNonceAlreadyUsed, "transaction %s already accepted", txID)
	}

	confirmed, err := g.source.IsConfirmed(ctx, txID)
	if err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "confirmed-transaction lookup failed")
	}
	if confirmed {
		return types.NewError(types.ErrNonceAlreadyUsed, "transaction %s already confirmed", txID)
	}

	found, poolError, err := g.source.PendingStatus(ctx, txID)
	if err != nil {
		return types.NewRetryable(types.ErrRpcTransient, err, "pending-pool lookup failed")
	}
	if found && poolError == "" {
		return types.NewError(types.ErrNonceAlreadyUsed, "transaction %s pending submission", txID)
	}

	g.local.Add(txID, struct{}{})
	return nil
}
