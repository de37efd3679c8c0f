package settlement

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// XDR envelope type tag for a plain transaction.
const stellarEnvelopeTypeTx = uint32(2)

const stellarPollAttempts = 15

// settleStellar reserves the payload nonce, signs the fee-source envelope
// with the facilitator key and submits it. The nonce reservation is the
// authoritative replay gate for this family; it is released only when the
// failure provably happened before broadcast.
func (s *Service) settleStellar(ctx context.Context, payload *types.StellarPayload, dep registry.Deployment, key SigningKey, res *types.VerificationResult) (*types.SettlementReceipt, error) {
	client, ok := s.stellar[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no client for network %s", dep.Network)
	}
	if len(key.Ed25519) != ed25519.PrivateKeySize {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "signing key for %s is not ed25519", dep.Network)
	}

	if err := s.nonces.Reserve(payload.From, payload.Nonce, payload.SignatureExpirationLedger); err != nil {
		return nil, err
	}

	signedEnvelope, err := signStellarEnvelope(payload, dep, key)
	if err != nil {
		s.nonces.Release(payload.From, payload.Nonce)
		return nil, err
	}

	var hash string
	if err := withRetry(ctx, func() error {
		var innerErr error
		hash, innerErr = client.SubmitTransaction(ctx, signedEnvelope)
		return innerErr
	}); err != nil {
		if types.ErrorCode(err) != types.ErrRpcTransient {
			s.nonces.Release(payload.From, payload.Nonce)
		}
		return nil, err
	}
	if _, err := client.WaitForTransaction(ctx, hash, stellarPollAttempts); err != nil {
		// A transaction confirmed as failed did not record the nonce
		// on-chain; the payer may sign and submit again. A transient poll
		// failure keeps the reservation since the transfer may still land.
		if types.ErrorCode(err) == types.ErrOnChainRejected {
			s.nonces.Release(payload.From, payload.Nonce)
		}
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

// signStellarEnvelope appends the facilitator's decorated signature to an
// unsigned TransactionV1Envelope. The envelope layout is
// type(4) || tx || signatures vec; an unsigned envelope ends in a zero
// vector length, which is replaced with the one-element signature vector.
func signStellarEnvelope(payload *types.StellarPayload, dep registry.Deployment, key SigningKey) (string, error) {
	envelope, err := base64.StdEncoding.DecodeString(payload.TransactionEnvelopeXDR)
	if err != nil {
		return "", types.WrapError(types.ErrMalformedPayload, err, "transaction envelope is not valid base64")
	}
	if len(envelope) < 8 || binary.BigEndian.Uint32(envelope[:4]) != stellarEnvelopeTypeTx {
		return "", types.NewError(types.ErrMalformedPayload, "envelope is not a v1 transaction")
	}
	if binary.BigEndian.Uint32(envelope[len(envelope)-4:]) != 0 {
		return "", types.NewError(types.ErrMalformedPayload, "envelope is already signed")
	}

	// The payer-authorized entry must appear verbatim inside the envelope;
	// an envelope carrying a different invocation is not what was verified.
	entry, err := base64.StdEncoding.DecodeString(payload.AuthorizationEntryXDR)
	if err != nil {
		return "", types.WrapError(types.ErrMalformedPayload, err, "authorization entry is not valid base64")
	}
	if !bytes.Contains(envelope, entry) {
		return "", types.NewError(types.ErrMalformedPayload, "envelope does not embed the verified authorization entry")
	}

	txBytes := envelope[4 : len(envelope)-4]

	networkID := sha256.Sum256([]byte(dep.NetworkPassphrase))
	var envType [4]byte
	binary.BigEndian.PutUint32(envType[:], stellarEnvelopeTypeTx)

	preimage := make([]byte, 0, len(networkID)+len(envType)+len(txBytes))
	preimage = append(preimage, networkID[:]...)
	preimage = append(preimage, envType[:]...)
	preimage = append(preimage, txBytes...)
	digest := sha256.Sum256(preimage)

	sig := ed25519.Sign(key.Ed25519, digest[:])
	pub := key.Ed25519.Public().(ed25519.PublicKey)

	// DecoratedSignature: key hint (last 4 key bytes) plus the signature
	// as a length-prefixed opaque.
	signed := make([]byte, 0, len(envelope)+4+4+4+len(sig))
	signed = append(signed, envelope[:len(envelope)-4]...)
	signed = appendXDRUint32(signed, 1)
	signed = append(signed, pub[len(pub)-4:]...)
	signed = appendXDRUint32(signed, uint32(len(sig)))
	signed = append(signed, sig...)

	return base64.StdEncoding.EncodeToString(signed), nil
}

func appendXDRUint32(out []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(out, buf[:]...)
}
