package verification

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"strings"

	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

var algorandEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// algorandSigPrefix is the domain separator prepended to transaction bytes
// before signing.
var algorandSigPrefix = []byte("TX")

// decodeAlgorandAddress extracts the ed25519 public key from an Algorand
// address: base32(key || last 4 bytes of SHA-512/256(key)).
func decodeAlgorandAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := algorandEncoding.DecodeString(strings.TrimSpace(addr))
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "address is not valid base32")
	}
	if len(raw) != ed25519.PublicKeySize+4 {
		return nil, types.NewError(types.ErrMalformedPayload, "address has wrong length")
	}
	key := raw[:ed25519.PublicKeySize]
	digest := sha512.Sum512_256(key)
	if !bytes.Equal(digest[len(digest)-4:], raw[ed25519.PublicKeySize:]) {
		return nil, types.NewError(types.ErrMalformedPayload, "address checksum mismatch")
	}
	return ed25519.PublicKey(key), nil
}

// verifyAlgorand checks the stage-2 message against the stage-1 session:
// the signed transaction must carry exactly the bytes the facilitator
// issued, and the detached signature must verify against the payer's key.
// The session is inspected without being consumed; consumption happens at
// settlement.
func verifyAlgorand(payload *types.AlgorandPayload, req *types.PaymentRequirements, sessions *replay.SessionStore) *types.VerificationResult {
	session, err := sessions.Peek(payload.PrepareID)
	if err != nil {
		return types.Invalid(types.ErrorCode(err), "%v", err)
	}

	if payload.Sender != session.Payer {
		return types.Invalid(types.ErrMalformedPayload, "sender does not match prepared session payer")
	}
	pub, err := decodeAlgorandAddress(payload.Sender)
	if err != nil {
		return types.Invalid(types.ErrorCode(err), "sender: %v", err)
	}

	signedTxn, err := base64.StdEncoding.DecodeString(payload.SignedTransaction)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "signed transaction is not valid base64: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "signature is not valid base64: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return types.Invalid(types.ErrMalformedPayload, "signature must be %d bytes", ed25519.SignatureSize)
	}

	// The client may not alter fees, amounts or the group id: the signed
	// blob must embed the issued transaction byte-for-byte.
	if !bytes.Contains(signedTxn, session.PaymentTxn) {
		return types.Invalid(types.ErrInvalidSignature, "signed transaction does not match the issued transaction")
	}

	msg := append(append([]byte{}, algorandSigPrefix...), session.PaymentTxn...)
	if !ed25519.Verify(pub, msg, sig) {
		return types.Invalid(types.ErrInvalidSignature, "signature does not verify against sender key")
	}

	if session.PayTo != req.PayTo {
		return types.Invalid(types.ErrMalformedPayload, "prepared recipient does not match payTo")
	}
	required, err := types.ParseAmount(req.MaxAmountRequired)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "maxAmountRequired: %v", err)
	}
	prepared, err := types.ParseAmount(session.Amount)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "prepared amount: %v", err)
	}
	if prepared.LessThan(required) {
		return types.Invalid(types.ErrMalformedPayload, "prepared amount below required amount")
	}

	return &types.VerificationResult{
		IsValid: true,
		Payer:   session.Payer,
		Payee:   session.PayTo,
		Amount:  session.Amount,
	}
}
