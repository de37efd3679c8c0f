package settlement

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/types"
)

const transferWithAuthorizationABI = `[{
	"name": "transferWithAuthorization",
	"type": "function",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	]
}]`

var eip3009ABI = mustParseABI(transferWithAuthorizationABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

const receiptPollAttempts = 20

// settleEVM submits transferWithAuthorization from the facilitator's
// account. The payer's signature is passed through as calldata; only the
// network fee comes out of the facilitator's balance.
func (s *Service) settleEVM(ctx context.Context, payload *types.EVMPayload, dep registry.Deployment, key SigningKey, res *types.VerificationResult) (*types.SettlementReceipt, error) {
	client, ok := s.evm[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no client for network %s", dep.Network)
	}

	calldata, err := packTransferWithAuthorization(payload)
	if err != nil {
		return nil, err
	}

	sender := common.HexToAddress(key.Address)
	asset := common.HexToAddress(dep.AssetAddress)

	var nonce uint64
	if err := withRetry(ctx, func() error {
		var innerErr error
		nonce, innerErr = client.PendingNonce(ctx, sender)
		return innerErr
	}); err != nil {
		return nil, err
	}
	var gasPrice *big.Int
	if err := withRetry(ctx, func() error {
		var innerErr error
		gasPrice, innerErr = client.SuggestGasPrice(ctx)
		return innerErr
	}); err != nil {
		return nil, err
	}
	var gasLimit uint64
	if err := withRetry(ctx, func() error {
		var innerErr error
		gasLimit, innerErr = client.EstimateGas(ctx, ethereum.CallMsg{
			From: sender,
			To:   &asset,
			Data: calldata,
		})
		return innerErr
	}); err != nil {
		return nil, err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &asset,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(dep.ChainID)), key.ECDSA)
	if err != nil {
		return nil, types.WrapError(types.ErrRpcPermanent, err, "transaction signing failed")
	}

	// Resending the same signed transaction is idempotent: the nonce is
	// fixed, so at most one instance can ever be mined.
	if err := withRetry(ctx, func() error {
		return client.SendTransaction(ctx, signed)
	}); err != nil {
		return nil, err
	}
	receipt, err := client.WaitForReceipt(ctx, signed.Hash(), receiptPollAttempts)
	if err != nil {
		return nil, err
	}

	return &types.SettlementReceipt{
		Network:     dep.Network,
		Transaction: receipt.TxHash.Hex(),
		Confirmed:   true,
		Amount:      res.Amount,
		Payer:       res.Payer,
		Payee:       res.Payee,
		SettledAt:   time.Now().UTC(),
	}, nil
}

// packTransferWithAuthorization splits the 65-byte signature into v, r, s
// and ABI-encodes the call.
func packTransferWithAuthorization(payload *types.EVMPayload) ([]byte, error) {
	auth := payload.Authorization

	sig, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return nil, types.NewError(types.ErrMalformedPayload, "signature must be 65 bytes of hex")
	}
	var r, vs [32]byte
	copy(r[:], sig[:32])
	copy(vs[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, types.NewError(types.ErrMalformedPayload, "invalid value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, types.NewError(types.ErrMalformedPayload, "invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, types.NewError(types.ErrMalformedPayload, "invalid validBefore %q", auth.ValidBefore)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return nil, types.NewError(types.ErrMalformedPayload, "nonce must be 32 bytes of hex")
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	calldata, err := eip3009ABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		vs,
	)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "calldata encoding failed")
	}
	return calldata, nil
}
