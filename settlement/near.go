package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/mr-tron/base58"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// Borsh enum tags used when building the relayed transaction.
const (
	nearKeyTypeEd25519 = 0
	nearActionDelegate = 8
	nearSigTypeEd25519 = 0
)

// settleNear wraps the payer's signed delegate action in a transaction
// signed by the facilitator's relayer account. The relayer pays the gas;
// the delegated transfer executes under the payer's authority.
func (s *Service) settleNear(ctx context.Context, payload *types.NearPayload, dep registry.Deployment, key SigningKey, res *types.VerificationResult) (*types.SettlementReceipt, error) {
	client, ok := s.near[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no client for network %s", dep.Network)
	}
	if len(key.Ed25519) != ed25519.PrivateKeySize {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "relayer key for %s is not ed25519", dep.Network)
	}
	relayerPub := key.Ed25519.Public().(ed25519.PublicKey)

	actionBytes, err := base64.StdEncoding.DecodeString(payload.DelegateAction)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "delegate action is not valid base64")
	}
	payerSig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "signature is not valid base64")
	}

	var nonce uint64
	if err := withRetry(ctx, func() error {
		var innerErr error
		nonce, innerErr = client.AccessKeyNonce(ctx, key.Address, "ed25519:"+base58.Encode(relayerPub))
		return innerErr
	}); err != nil {
		return nil, err
	}
	var blockHashB58 string
	if err := withRetry(ctx, func() error {
		var innerErr error
		blockHashB58, innerErr = client.LatestBlockHash(ctx)
		return innerErr
	}); err != nil {
		return nil, err
	}
	blockHash, err := base58.Decode(blockHashB58)
	if err != nil || len(blockHash) != 32 {
		return nil, types.NewError(types.ErrRpcPermanent, "node returned malformed block hash")
	}

	tx := encodeNearTransaction(key.Address, relayerPub, nonce+1, payload.SenderID, blockHash, actionBytes, payerSig)

	digest := sha256.Sum256(tx)
	relayerSig := ed25519.Sign(key.Ed25519, digest[:])

	signedTx := make([]byte, 0, len(tx)+1+len(relayerSig))
	signedTx = append(signedTx, tx...)
	signedTx = append(signedTx, nearSigTypeEd25519)
	signedTx = append(signedTx, relayerSig...)

	var hash string
	if err := withRetry(ctx, func() error {
		var innerErr error
		hash, innerErr = client.BroadcastCommit(ctx, base64.StdEncoding.EncodeToString(signedTx))
		return innerErr
	}); err != nil {
		return nil, err
	}

	return &types.SettlementReceipt{
		Network:     dep.Network,
		Transaction: hash,
		Confirmed:   true,
		Amount:      res.Amount,
		Payer:       res.Payer,
		Payee:       res.Payee,
		SettledAt:   time.Now().UTC(),
	}, nil
}

// encodeNearTransaction serializes the relayed transaction in Borsh. The
// delegate action bytes arrive already serialized by the payer and are
// embedded verbatim so the signed bytes cannot drift.
func encodeNearTransaction(signerID string, signerPub ed25519.PublicKey, nonce uint64, receiverID string, blockHash, delegateAction, delegateSig []byte) []byte {
	var out []byte
	out = borshString(out, signerID)
	out = append(out, nearKeyTypeEd25519)
	out = append(out, signerPub...)
	out = borshU64(out, nonce)
	out = borshString(out, receiverID)
	out = append(out, blockHash...)

	// actions: Vec with exactly one Delegate action
	out = borshU32(out, 1)
	out = append(out, nearActionDelegate)
	out = append(out, delegateAction...)
	out = append(out, nearSigTypeEd25519)
	out = append(out, delegateSig...)
	return out
}

func borshU32(out []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(out, buf[:]...)
}

func borshU64(out []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}

func borshString(out []byte, s string) []byte {
	out = borshU32(out, uint32(len(s)))
	return append(out, s...)
}
