package verification

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/ultravioletadao/x402-facilitator/types"
)

const nearKeyPrefix = "ed25519:"

// parseNearPublicKey decodes a NEAR "ed25519:<base58>" public key.
func parseNearPublicKey(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, nearKeyPrefix) {
		return nil, types.NewError(types.ErrMalformedPayload, "public key must use the ed25519: prefix")
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, nearKeyPrefix))
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "public key is not valid base58")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, types.NewError(types.ErrMalformedPayload, "public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// verifyNear checks the payer's signature over the serialized delegate
// action and the action's validity window against the chain head.
// latestHeight of zero means the head could not be fetched; the window
// check is then deferred to settlement.
func verifyNear(payload *types.NearPayload, req *types.PaymentRequirements, latestHeight uint64) *types.VerificationResult {
	pub, err := parseNearPublicKey(payload.PublicKey)
	if err != nil {
		return types.Invalid(types.ErrorCode(err), "%v", err)
	}

	action, err := base64.StdEncoding.DecodeString(payload.DelegateAction)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "delegate action is not valid base64: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "signature is not valid base64: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return types.Invalid(types.ErrMalformedPayload, "signature must be %d bytes", ed25519.SignatureSize)
	}

	if !ed25519.Verify(pub, action, sig) {
		return types.Invalid(types.ErrInvalidSignature, "delegate action signature does not verify against %s", payload.PublicKey)
	}

	if latestHeight > 0 && payload.MaxBlockHeight <= latestHeight {
		return types.Invalid(types.ErrExpiredAuthorization,
			"delegate action valid only until block %d, chain is at %d", payload.MaxBlockHeight, latestHeight)
	}

	if payload.ReceiverID != req.PayTo {
		return types.Invalid(types.ErrMalformedPayload, "receiver does not match payTo")
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
		return types.Invalid(types.ErrMalformedPayload, "delegated amount below required amount")
	}

	return &types.VerificationResult{
		IsValid: true,
		Payer:   payload.SenderID,
		Payee:   payload.ReceiverID,
		Amount:  payload.Amount,
	}
}
