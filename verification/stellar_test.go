package verification

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

const stellarTestPassphrase = "Test SDF Network ; September 2015"

var stellarTestDeployment = registry.Deployment{
	Network:           types.Network("stellar-testnet"),
	Family:            types.FamilyStellar,
	AssetAddress:      "CBIELTK6YBZJU5UP2WWQEUCYKLPU6AUNZ2BQ4WWFEIE3USCIHMXQDAMA",
	Decimals:          7,
	NetworkPassphrase: stellarTestPassphrase,
}

// encodeStellarAccount builds the G-address for a public key, inverting
// decodeStellarAccount.
func encodeStellarAccount(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	payload := append([]byte{strkeyAccountVersion}, pub...)
	var checksum [2]byte
	binary.LittleEndian.PutUint16(checksum[:], crc16XModem(payload))
	return strkeyEncoding.EncodeToString(append(payload, checksum[:]...))
}

func signedStellarPayload(t *testing.T, payTo string) (*types.StellarPayload, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	entryXDR := []byte("auth entry bytes for test")
	digest := authEntryDigest(stellarTestPassphrase, entryXDR)
	sig := ed25519.Sign(priv, digest[:])

	return &types.StellarPayload{
		From:                      encodeStellarAccount(t, pub),
		To:                        payTo,
		Amount:                    "1000000",
		TokenContract:             stellarTestDeployment.AssetAddress,
		Nonce:                     77,
		SignatureExpirationLedger: 500,
		AuthorizationEntryXDR:     base64.StdEncoding.EncodeToString(entryXDR),
		Signature:                 base64.StdEncoding.EncodeToString(sig),
	}, pub
}

func TestDecodeStellarAccountRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	addr := encodeStellarAccount(t, pub)
	assert.Equal(t, byte('G'), addr[0])

	decoded, err := decodeStellarAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)
}

func TestDecodeStellarAccountRejectsCorruption(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	addr := encodeStellarAccount(t, pub)

	// Swap one base32 character in the key body.
	corrupted := []byte(addr)
	if corrupted[10] == 'A' {
		corrupted[10] = 'B'
	} else {
		corrupted[10] = 'A'
	}
	_, err = decodeStellarAccount(string(corrupted))
	require.Error(t, err)

	_, err = decodeStellarAccount("not base32!!")
	require.Error(t, err)
}

func TestVerifyStellarValid(t *testing.T) {
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	payload, _ := signedStellarPayload(t, payTo)
	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}

	result := verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), 100)
	require.True(t, result.IsValid, result.InvalidReason)
	assert.Equal(t, payload.From, result.Payer)
	assert.Equal(t, payTo, result.Payee)
	assert.Equal(t, "1000000", result.Amount)
}

func TestVerifyStellarBadSignature(t *testing.T) {
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	payload, _ := signedStellarPayload(t, payTo)

	// Signature from a different key.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	entryXDR, err := base64.StdEncoding.DecodeString(payload.AuthorizationEntryXDR)
	require.NoError(t, err)
	digest := authEntryDigest(stellarTestPassphrase, entryXDR)
	payload.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(otherPriv, digest[:]))

	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}
	result := verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), 100)
	require.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrInvalidSignature)
}

func TestVerifyStellarWrongPassphrase(t *testing.T) {
	// A signature over the pubnet preimage must not verify against the
	// testnet deployment.
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	entryXDR := []byte("auth entry bytes for test")
	digest := authEntryDigest("Public Global Stellar Network ; September 2015", entryXDR)
	payload := &types.StellarPayload{
		From:                      encodeStellarAccount(t, pub),
		To:                        payTo,
		Amount:                    "1000000",
		TokenContract:             stellarTestDeployment.AssetAddress,
		Nonce:                     1,
		SignatureExpirationLedger: 500,
		AuthorizationEntryXDR:     base64.StdEncoding.EncodeToString(entryXDR),
		Signature:                 base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest[:])),
	}

	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}
	result := verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), 100)
	require.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrInvalidSignature)
}

func TestVerifyStellarExpiredLedger(t *testing.T) {
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	payload, _ := signedStellarPayload(t, payTo)
	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}

	result := verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), payload.SignatureExpirationLedger)
	require.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrExpiredAuthorization)
}

func TestVerifyStellarLedgerUnknownSkipsWindow(t *testing.T) {
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	payload, _ := signedStellarPayload(t, payTo)
	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}

	// Ledger height zero means the head could not be fetched; the window
	// check is deferred to settlement rather than rejecting.
	result := verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), 0)
	require.True(t, result.IsValid, result.InvalidReason)
}

func TestVerifyStellarUsedNonce(t *testing.T) {
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	payload, _ := signedStellarPayload(t, payTo)
	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}

	nonces := replay.NewNonceStore()
	require.NoError(t, nonces.Reserve(payload.From, payload.Nonce, 1000))

	result := verifyStellar(payload, req, stellarTestDeployment, nonces, 100)
	require.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrNonceAlreadyUsed)
}

func TestVerifyStellarWrongAssetOrRecipient(t *testing.T) {
	payTo := "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	req := &types.PaymentRequirements{MaxAmountRequired: "1000000", PayTo: payTo}

	payload, _ := signedStellarPayload(t, payTo)
	payload.TokenContract = "CCOTHERCONTRACT"
	result := verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), 100)
	require.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrMalformedPayload)

	payload, _ = signedStellarPayload(t, "GOTHERRECIPIENT")
	result = verifyStellar(payload, req, stellarTestDeployment, replay.NewNonceStore(), 100)
	require.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrMalformedPayload)
}
