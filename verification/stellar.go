package verification

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// Strkey version byte for ed25519 account addresses ("G..." form).
const strkeyAccountVersion = 6 << 3

// Envelope type tag mixed into Soroban authorization preimages.
const sorobanAuthEnvelopeType = uint32(10)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// decodeStellarAccount extracts the ed25519 public key from a G-address:
// base32(version byte || key || CRC16-XModem checksum).
func decodeStellarAccount(addr string) (ed25519.PublicKey, error) {
	raw, err := strkeyEncoding.DecodeString(strings.TrimSpace(addr))
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "address is not valid base32")
	}
	if len(raw) != 1+ed25519.PublicKeySize+2 {
		return nil, types.NewError(types.ErrMalformedPayload, "address has wrong length")
	}
	if raw[0] != strkeyAccountVersion {
		return nil, types.NewError(types.ErrMalformedPayload, "address is not an ed25519 account key")
	}
	payload := raw[:len(raw)-2]
	checksum := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	if crc16XModem(payload) != checksum {
		return nil, types.NewError(types.ErrMalformedPayload, "address checksum mismatch")
	}
	return ed25519.PublicKey(raw[1 : 1+ed25519.PublicKeySize]), nil
}

func crc16XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// authEntryDigest computes the message the payer signed:
// SHA-256(networkID || envelopeType || authorization entry XDR), where
// networkID is the SHA-256 of the network passphrase and the envelope type
// is a 4-byte big-endian tag.
func authEntryDigest(networkPassphrase string, entryXDR []byte) [32]byte {
	networkID := sha256.Sum256([]byte(networkPassphrase))

	var envType [4]byte
	binary.BigEndian.PutUint32(envType[:], sorobanAuthEnvelopeType)

	preimage := make([]byte, 0, len(networkID)+len(envType)+len(entryXDR))
	preimage = append(preimage, networkID[:]...)
	preimage = append(preimage, envType[:]...)
	preimage = append(preimage, entryXDR...)
	return sha256.Sum256(preimage)
}

// verifyStellar checks a Soroban authorization entry: payer signature over
// the entry digest, ledger validity window and nonce freshness, recipient
// and amount against the requirements. currentLedger of zero skips the
// window check.
func verifyStellar(payload *types.StellarPayload, req *types.PaymentRequirements, dep registry.Deployment, nonces *replay.NonceStore, currentLedger uint32) *types.VerificationResult {
	pub, err := decodeStellarAccount(payload.From)
	if err != nil {
		return types.Invalid(types.ErrorCode(err), "from: %v", err)
	}

	entryXDR, err := base64.StdEncoding.DecodeString(payload.AuthorizationEntryXDR)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "authorization entry is not valid base64: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "signature is not valid base64: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return types.Invalid(types.ErrMalformedPayload, "signature must be %d bytes", ed25519.SignatureSize)
	}

	digest := authEntryDigest(dep.NetworkPassphrase, entryXDR)
	if !ed25519.Verify(pub, digest[:], sig) {
		return types.Invalid(types.ErrInvalidSignature, "authorization entry signature does not verify for %s", payload.From)
	}

	if currentLedger > 0 && payload.SignatureExpirationLedger <= currentLedger {
		return types.Invalid(types.ErrExpiredAuthorization,
			"authorization expired at ledger %d, chain is at %d", payload.SignatureExpirationLedger, currentLedger)
	}

	if err := nonces.Check(payload.From, payload.Nonce); err != nil {
		return types.Invalid(types.ErrNonceAlreadyUsed, "nonce %d already used", payload.Nonce)
	}

	if payload.TokenContract != dep.AssetAddress {
		return types.Invalid(types.ErrMalformedPayload, "token contract does not match settlement asset")
	}
	if payload.To != req.PayTo {
		return types.Invalid(types.ErrMalformedPayload, "recipient does not match payTo")
	}

	required, err := types.ParseAmount(req.MaxAmountRequired)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "maxAmountRequired: %v", err)
	}
	offered, err := types.ParseAmount(payload.Amount)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "amount: %v", err)
	}
	if offered.LessThan(required) {
		return types.Invalid(types.ErrMalformedPayload, "authorized amount below required amount")
	}

	return &types.VerificationResult{
		IsValid: true,
		Payer:   payload.From,
		Payee:   payload.To,
		Amount:  payload.Amount,
	}
}
