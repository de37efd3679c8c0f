package settlement

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultravioletadao/x402-facilitator/clients"
	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

func TestMsgpackCanonicalForms(t *testing.T) {
	// fixint, uint8, uint16, uint32, uint64 thresholds
	assert.Equal(t, []byte{0x7f}, appendMsgpackUint(nil, 0x7f))
	assert.Equal(t, []byte{0xcc, 0x80}, appendMsgpackUint(nil, 0x80))
	assert.Equal(t, []byte{0xcd, 0x01, 0x00}, appendMsgpackUint(nil, 0x100))
	assert.Equal(t, []byte{0xce, 0x00, 0x01, 0x00, 0x00}, appendMsgpackUint(nil, 0x10000))
	assert.Equal(t,
		[]byte{0xcf, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
		appendMsgpackUint(nil, 0x100000000))

	assert.Equal(t, []byte{0xa3, 'p', 'a', 'y'}, appendMsgpackStr(nil, "pay"))
	assert.Equal(t, []byte{0xc4, 0x02, 0xde, 0xad}, appendMsgpackBin(nil, []byte{0xde, 0xad}))
}

func TestMsgpackMapSortsKeys(t *testing.T) {
	encoded := msgpackMap(
		mpStr("type", "pay"),
		mpUint("fee", 1000),
		mpUint("amt", 5),
	)

	// fixmap of 3 with keys in lexicographic order: amt, fee, type.
	expected := []byte{0x83}
	expected = appendMsgpackStr(expected, "amt")
	expected = appendMsgpackUint(expected, 5)
	expected = appendMsgpackStr(expected, "fee")
	expected = appendMsgpackUint(expected, 1000)
	expected = appendMsgpackStr(expected, "type")
	expected = appendMsgpackStr(expected, "pay")
	assert.Equal(t, expected, encoded)
}

func TestMsgpackSignedTxnLayout(t *testing.T) {
	txn := msgpackMap(mpStr("type", "pay"))
	sig := bytes.Repeat([]byte{0xab}, ed25519.SignatureSize)

	signed := msgpackSignedTxn(sig, txn)

	expected := []byte{0x82}
	expected = appendMsgpackStr(expected, "sig")
	expected = appendMsgpackBin(expected, sig)
	expected = appendMsgpackStr(expected, "txn")
	expected = append(expected, txn...)
	assert.Equal(t, expected, signed)
}

func TestAlgorandTxIDDeterministic(t *testing.T) {
	txn := msgpackMap(mpStr("type", "pay"), mpUint("fv", 100))

	id := algorandTxID(txn)
	assert.Equal(t, id, algorandTxID(txn))
	assert.Len(t, id, 52, "base32 of a 32-byte digest without padding")

	other := msgpackMap(mpStr("type", "pay"), mpUint("fv", 101))
	assert.NotEqual(t, id, algorandTxID(other))
}

func TestComputeGroupIDOrderSensitive(t *testing.T) {
	a := msgpackMap(mpStr("type", "axfer"))
	b := msgpackMap(mpStr("type", "pay"))

	group := computeGroupID(a, b)
	assert.Len(t, group, 32)
	assert.Equal(t, group, computeGroupID(a, b))
	assert.NotEqual(t, group, computeGroupID(b, a), "group id binds member order")
}

// testAlgorandAddress derives the base32 address for a fresh key.
func testAlgorandAddress(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	digest := sha512.Sum512_256(pub)
	addr := algorandB32.EncodeToString(append(append([]byte{}, pub...), digest[len(digest)-4:]...))
	return addr, priv
}

type fakeAlgorandBackend struct {
	mu      sync.Mutex
	params  clients.SuggestedParams
	groups  [][]byte
	confirm map[string]bool
}

func (f *fakeAlgorandBackend) IsConfirmed(_ context.Context, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirm[txID], nil
}

func (f *fakeAlgorandBackend) PendingStatus(context.Context, string) (bool, string, error) {
	return false, "", nil
}

func (f *fakeAlgorandBackend) TransactionParams(context.Context) (clients.SuggestedParams, error) {
	return f.params, nil
}

func (f *fakeAlgorandBackend) SubmitGroup(_ context.Context, rawGroup []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, append([]byte{}, rawGroup...))
	return "", nil
}

func (f *fakeAlgorandBackend) WaitForConfirmation(_ context.Context, _ string, _ uint64) (uint64, error) {
	return 1000, nil
}

func algorandTestService(t *testing.T, backend *fakeAlgorandBackend) (*Service, registry.Deployment, string) {
	t.Helper()
	dep := registry.Deployment{
		Network:      types.NetworkAlgorandTestnet,
		Family:       types.FamilyAlgorand,
		AssetAddress: "10458941",
		Decimals:     6,
		RPCURL:       "http://localhost:4001",
	}
	reg := registry.New(nil, []registry.Deployment{dep})

	facilitatorAddr, facilitatorKey := testAlgorandAddress(t)
	keys := NewKeyring()
	keys.Add(NewEd25519Key(dep.Network, facilitatorAddr, facilitatorKey))

	svc := NewService(reg, keys, replay.NewNonceStore(), replay.NewSessionStore(time.Minute),
		nil, logger.NoopLogger{}, metrics.NoopRecorder{})
	require.NoError(t, svc.RegisterAlgorand(dep.Network, backend))
	return svc, dep, facilitatorAddr
}

func TestPrepareAndSettleAlgorand(t *testing.T) {
	backend := &fakeAlgorandBackend{
		params: clients.SuggestedParams{
			MinFee:         1000,
			FirstValid:     5000,
			GenesisID:      "testnet-v1.0",
			GenesisHashB64: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32)),
		},
		confirm: make(map[string]bool),
	}
	svc, dep, _ := algorandTestService(t, backend)

	payerAddr, payerKey := testAlgorandAddress(t)
	payToAddr, _ := testAlgorandAddress(t)

	resp, err := svc.PrepareAlgorand(context.Background(), &types.PrepareRequest{
		Network: dep.Network,
		Payer:   payerAddr,
		PayTo:   payToAddr,
		Amount:  "1000000",
		Asset:   dep.AssetAddress,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.PrepareID)
	require.NotEmpty(t, resp.UnsignedTransaction)
	require.NotEmpty(t, resp.GroupID)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	issued, err := base64.StdEncoding.DecodeString(resp.UnsignedTransaction)
	require.NoError(t, err)
	groupID, err := base64.StdEncoding.DecodeString(resp.GroupID)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(issued, groupID), "issued transaction carries the group id")

	// Stage 2: sign the issued bytes the way an Algorand wallet does and
	// settle.
	payerSig := ed25519.Sign(payerKey, append([]byte("TX"), issued...))
	signedPayment := msgpackSignedTxn(payerSig, issued)

	payload := &types.AlgorandPayload{
		PrepareID:         resp.PrepareID,
		SignedTransaction: base64.StdEncoding.EncodeToString(signedPayment),
		Signature:         base64.StdEncoding.EncodeToString(payerSig),
		Sender:            payerAddr,
	}
	receipt, err := svc.settleAlgorand(context.Background(), payload, dep,
		mustKey(t, svc, dep.Network),
		&types.VerificationResult{IsValid: true, Payer: payerAddr, Payee: payToAddr, Amount: "1000000"})
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, algorandTxID(issued), receipt.Transaction)

	require.Len(t, backend.groups, 1)
	group := backend.groups[0]
	assert.True(t, bytes.HasPrefix(group, signedPayment), "payer transaction leads the group")
	assert.Greater(t, len(group), len(signedPayment), "facilitator fee transaction is appended")

	// The session was consumed; a second settle of the same prepare id
	// must fail instead of double-submitting.
	_, err = svc.settleAlgorand(context.Background(), payload, dep,
		mustKey(t, svc, dep.Network),
		&types.VerificationResult{IsValid: true, Payer: payerAddr, Payee: payToAddr, Amount: "1000000"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNonceAlreadyUsed, types.ErrorCode(err))
	assert.Len(t, backend.groups, 1)
}

func TestPrepareAlgorandRejectsFractionalAmount(t *testing.T) {
	backend := &fakeAlgorandBackend{
		params: clients.SuggestedParams{
			MinFee:         1000,
			FirstValid:     5000,
			GenesisID:      "testnet-v1.0",
			GenesisHashB64: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32)),
		},
	}
	svc, dep, _ := algorandTestService(t, backend)
	payerAddr, _ := testAlgorandAddress(t)
	payToAddr, _ := testAlgorandAddress(t)

	_, err := svc.PrepareAlgorand(context.Background(), &types.PrepareRequest{
		Network: dep.Network,
		Payer:   payerAddr,
		PayTo:   payToAddr,
		Amount:  "0.5",
		Asset:   dep.AssetAddress,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrMalformedPayload, types.ErrorCode(err))
}

func TestPrepareAlgorandWrongFamily(t *testing.T) {
	backend := &fakeAlgorandBackend{}
	svc, _, _ := algorandTestService(t, backend)

	_, err := svc.PrepareAlgorand(context.Background(), &types.PrepareRequest{
		Network: types.NetworkBase,
		Payer:   "whatever",
		PayTo:   "whatever",
		Amount:  "1",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.ErrorCode(err))
}

func mustKey(t *testing.T, svc *Service, network types.Network) SigningKey {
	t.Helper()
	key, err := svc.keys.ForNetwork(network)
	require.NoError(t, err)
	return key
}
