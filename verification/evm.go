package verification

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// settleGraceSeconds is the minimum validity the authorization must have
// left at verification time. An authorization that expires before the
// settlement transaction could plausibly confirm is rejected up front.
const settleGraceSeconds = 6

// verifyEVM checks an EIP-3009 transferWithAuthorization against the
// payment requirements: signature recovery over the EIP-712 digest,
// validity window, recipient and amount.
func verifyEVM(payload *types.EVMPayload, req *types.PaymentRequirements, dep registry.Deployment, now time.Time) *types.VerificationResult {
	auth := payload.Authorization

	value, err := parseUint256(auth.Value)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "authorization value: %v", err)
	}
	validAfter, err := parseUint256(auth.ValidAfter)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "validAfter: %v", err)
	}
	validBefore, err := parseUint256(auth.ValidBefore)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "validBefore: %v", err)
	}
	nonce, err := parseBytes32(auth.Nonce)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "nonce: %v", err)
	}

	sigHex := strings.TrimPrefix(payload.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return types.Invalid(types.ErrMalformedPayload, "signature must be 65 bytes of hex")
	}

	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return types.Invalid(types.ErrMalformedPayload, "from and to must be hex addresses")
	}
	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)

	nowSec := now.Unix()
	if validAfter.IsInt64() && nowSec < validAfter.Int64() {
		return types.Invalid(types.ErrExpiredAuthorization, "authorization not yet valid")
	}
	if !validAfter.IsInt64() {
		return types.Invalid(types.ErrExpiredAuthorization, "authorization not yet valid")
	}
	if !validBefore.IsInt64() || nowSec+settleGraceSeconds >= validBefore.Int64() {
		return types.Invalid(types.ErrExpiredAuthorization, "authorization expired or expires too soon")
	}

	domain := EIP712Domain{
		Name:              dep.EIP712Name,
		Version:           dep.EIP712Version,
		ChainID:           dep.ChainID,
		VerifyingContract: dep.AssetAddress,
	}
	domainSep, err := domainSeparator(domain)
	if err != nil {
		return types.Invalid(types.ErrUnsupportedNetwork, "no EIP-712 domain for %s", dep.Network)
	}
	digest := typedDataDigest(domainSep, hashTransferAuthorization(from, to, value, validAfter, validBefore, nonce))

	signer, err := recoverSigner(digest, sig)
	if err != nil {
		return types.Invalid(types.ErrInvalidSignature, "recovery failed: %v", err)
	}
	if signer == (common.Address{}) || signer != from {
		return types.Invalid(types.ErrInvalidSignature, "signer does not match authorization from address")
	}

	required, err := types.ParseAmount(req.MaxAmountRequired)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "maxAmountRequired: %v", err)
	}
	offered, err := types.ParseAmount(value.String())
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "value: %v", err)
	}
	if offered.LessThan(required) {
		return types.Invalid(types.ErrMalformedPayload, "authorized value below required amount")
	}

	if !common.IsHexAddress(req.PayTo) || to != common.HexToAddress(req.PayTo) {
		return types.Invalid(types.ErrMalformedPayload, "authorization recipient does not match payTo")
	}

	return &types.VerificationResult{
		IsValid: true,
		Payer:   from.Hex(),
		Payee:   to.Hex(),
		Amount:  value.String(),
	}
}
