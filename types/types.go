// Package types defines the wire and domain types of the x402 facilitator:
// payment payloads per network family, payment requirements, verification
// results and settlement receipts.
package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// X402Version is the protocol version carried in requests.
type X402Version int

const (
	X402Version1 X402Version = 1
	X402Version2 X402Version = 2
)

// SchemeExact is the only payment scheme the facilitator settles: an exact
// amount authorized by the payer.
const SchemeExact = "exact"

// PaymentRequirements describes what the payee expects to be paid. The
// facilitator checks the payload against these before settling.
type PaymentRequirements struct {
	Scheme string `json:"scheme" validate:"required"`

	// Network the payment must be settled on.
	Network string `json:"network" validate:"required"`

	// MaxAmountRequired is the amount in atomic units of the asset,
	// represented as a decimal string because Go has no uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required"`

	// PayTo is the address the payment must be sent to.
	PayTo string `json:"payTo" validate:"required"`

	// Asset is the settlement-asset contract, mint or program identifier.
	Asset string `json:"asset" validate:"required"`

	// MaxTimeoutSeconds bounds how long the payee will wait for settlement.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Extra carries scheme-specific detail, e.g. the EIP-712 domain name
	// and version for EVM assets.
	Extra map[string]string `json:"extra,omitempty"`
}

// PaymentPayload is the family-tagged authorization submitted by a client.
// Exactly one of the family payloads is set, selected by the network's
// family. Immutable once received; never persisted beyond the request
// lifecycle except through audit logs.
type PaymentPayload struct {
	X402Version X402Version `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     Network     `json:"network"`

	EVM      *EVMPayload      `json:"evm,omitempty"`
	Solana   *SolanaPayload   `json:"solana,omitempty"`
	Near     *NearPayload     `json:"near,omitempty"`
	Stellar  *StellarPayload  `json:"stellar,omitempty"`
	Algorand *AlgorandPayload `json:"algorand,omitempty"`
}

// EVMPayload carries an EIP-3009 transferWithAuthorization signed off-chain.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization mirrors the EIP-3009 TransferWithAuthorization struct.
// Numeric fields are decimal strings, nonce is 0x-prefixed bytes32 hex.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SolanaPayload carries a base64-encoded, client-signed transaction
// envelope. Validity is whatever the network's own transaction-expiry rules
// enforce on submission; there is no off-chain timestamp window.
type SolanaPayload struct {
	Transaction string `json:"transaction"`
}

// NearPayload carries a delegated action signed by the payer. The
// facilitator becomes the relaying signer of the outer transaction at
// settlement time.
type NearPayload struct {
	// DelegateAction is the base64-encoded serialized action bytes the
	// payer signed.
	DelegateAction string `json:"delegateAction"`
	// Signature is the base64-encoded ed25519 signature over the action.
	Signature string `json:"signature"`
	// PublicKey is the delegator's declared key, "ed25519:<base58>".
	PublicKey string `json:"publicKey"`
	// SenderID and ReceiverID are NEAR account ids.
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	// Amount in atomic units of the NEP-141 asset.
	Amount string `json:"amount"`
	// MaxBlockHeight bounds how long the delegate action stays valid.
	MaxBlockHeight uint64 `json:"maxBlockHeight"`
}

// StellarPayload carries a Soroban authorization entry signed off-chain.
// The entry itself is binary XDR, base64-encoded; the validity window is a
// ledger sequence, not wall-clock time.
type StellarPayload struct {
	From                      string `json:"from"`
	To                        string `json:"to"`
	Amount                    string `json:"amount"`
	TokenContract             string `json:"tokenContract"`
	Nonce                     uint64 `json:"nonce"`
	SignatureExpirationLedger uint32 `json:"signatureExpirationLedger"`
	// AuthorizationEntryXDR is the base64-encoded signed entry.
	AuthorizationEntryXDR string `json:"authorizationEntryXdr"`
	// Signature is the base64-encoded ed25519 signature over the entry
	// preimage, carried alongside the entry for verification.
	Signature string `json:"signature"`
	// TransactionEnvelopeXDR is the base64-encoded unsigned fee-source
	// transaction embedding the authorization entry. The facilitator signs
	// it as fee source at settlement time.
	TransactionEnvelopeXDR string `json:"transactionEnvelopeXdr"`
}

// AlgorandPayload is the stage-2 message of the group-transaction protocol:
// the client returns the signed copy of the payment transaction the
// facilitator issued in stage 1.
type AlgorandPayload struct {
	// PrepareID identifies the stage-1 session that issued the unsigned
	// payment transaction.
	PrepareID string `json:"prepareId"`
	// SignedTransaction is the base64-encoded client-signed payment
	// transaction. Its bytes must match exactly what stage 1 issued.
	SignedTransaction string `json:"signedTransaction"`
	// Signature is the base64-encoded ed25519 signature over the issued
	// transaction bytes.
	Signature string `json:"signature"`
	// Sender is the payer's Algorand address.
	Sender string `json:"sender"`
}

// Family returns the payload family implied by which member is set, or an
// error when zero or multiple members are set.
func (p *PaymentPayload) Family() (Family, error) {
	var fam Family
	n := 0
	if p.EVM != nil {
		fam, n = FamilyEVM, n+1
	}
	if p.Solana != nil {
		fam, n = FamilySolana, n+1
	}
	if p.Near != nil {
		fam, n = FamilyNear, n+1
	}
	if p.Stellar != nil {
		fam, n = FamilyStellar, n+1
	}
	if p.Algorand != nil {
		fam, n = FamilyAlgorand, n+1
	}
	if n != 1 {
		return "", NewError(ErrMalformedPayload, "payload must carry exactly one family payload, got %d", n)
	}
	return fam, nil
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         X402Version         `json:"x402Version" validate:"gt=0"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Validate checks structural completeness of the request. Deeper validation
// happens in the per-family verifiers.
func (v *VerifyRequest) Validate() error {
	if v.X402Version <= 0 {
		return NewError(ErrMalformedPayload, "x402Version must be greater than 0")
	}
	if err := validate.Struct(&v.PaymentRequirements); err != nil {
		return WrapError(ErrMalformedPayload, err, "payment requirements incomplete")
	}
	if v.PaymentPayload.Network == "" {
		return NewError(ErrMalformedPayload, "paymentPayload.network is required")
	}
	if _, err := v.PaymentPayload.Family(); err != nil {
		return err
	}
	if v.PaymentPayload.Network != Network(v.PaymentRequirements.Network) {
		return NewError(ErrMalformedPayload, "payload network %q does not match requirements network %q",
			v.PaymentPayload.Network, v.PaymentRequirements.Network)
	}
	return nil
}

// VerificationResult is the outcome of authorization verification. It
// carries no side effects.
type VerificationResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Payee         string `json:"payee,omitempty"`
	Amount        string `json:"amount,omitempty"`
}

// Invalid builds a failed result with a typed reason code.
func Invalid(code, format string, args ...any) *VerificationResult {
	return &VerificationResult{
		IsValid:       false,
		InvalidReason: fmt.Sprintf("%s: %s", code, fmt.Sprintf(format, args...)),
	}
}

// SettlementReceipt records an observed on-chain settlement. It is created
// only after on-chain inclusion was observed, never speculatively.
type SettlementReceipt struct {
	Network     Network   `json:"network"`
	Transaction string    `json:"transaction"`
	Confirmed   bool      `json:"confirmed"`
	Amount      string    `json:"amount"`
	Payer       string    `json:"payer"`
	Payee       string    `json:"payee"`
	SettledAt   time.Time `json:"settledAt"`
}

// SupportedKind is one (scheme, network) pair the facilitator accepts.
type SupportedKind struct {
	X402Version X402Version       `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     string            `json:"network"`
	Asset       string            `json:"asset,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// PrepareRequest is stage 1 of the group-transaction protocol: the client
// asks the facilitator to build the atomic group so the group id exists
// before the client signs.
type PrepareRequest struct {
	Network Network `json:"network"`
	Payer   string  `json:"payer"`
	PayTo   string  `json:"payTo"`
	Amount  string  `json:"amount"`
	Asset   string  `json:"asset"`
}

// PrepareResponse returns the unsigned payer transaction with the group id
// embedded, plus the session id the client must echo back at settle time.
type PrepareResponse struct {
	PrepareID           string    `json:"prepareId"`
	UnsignedTransaction string    `json:"unsignedTransaction"`
	GroupID             string    `json:"groupId"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// ParseAmount parses an atomic-unit amount string into a decimal, rejecting
// empty and negative values.
func ParseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, NewError(ErrMalformedPayload, "amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, WrapError(ErrMalformedPayload, err, "invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, NewError(ErrMalformedPayload, "amount %q is negative", s)
	}
	return d, nil
}
