package settlement

import (
	"context"
	"encoding/base64"
	"time"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/types"
)

const finalizePollAttempts = 10

// settleSolana relays the fully client-signed transaction and waits for
// finalization. Replay protection is the chain's own blockhash window.
func (s *Service) settleSolana(ctx context.Context, payload *types.SolanaPayload, dep registry.Deployment, res *types.VerificationResult) (*types.SettlementReceipt, error) {
	client, ok := s.solana[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no client for network %s", dep.Network)
	}

	txBytes, err := base64.StdEncoding.DecodeString(payload.Transaction)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "transaction is not valid base64")
	}
	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(txBytes))
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "transaction decode failed")
	}

	var sig solana.Signature
	if err := withRetry(ctx, func() error {
		var innerErr error
		sig, innerErr = client.SendTransaction(ctx, tx)
		return innerErr
	}); err != nil {
		return nil, err
	}
	if _, err := client.WaitForFinalized(ctx, sig, finalizePollAttempts); err != nil {
		return nil, err
	}

	return &types.SettlementReceipt{
		Network:     dep.Network,
		Transaction: sig.String(),
		Confirmed:   true,
		Amount:      res.Amount,
		Payer:       res.Payer,
		Payee:       res.Payee,
		SettledAt:   time.Now().UTC(),
	}, nil
}
