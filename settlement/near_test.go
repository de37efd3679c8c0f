package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

func TestBorshPrimitives(t *testing.T) {
	assert.Equal(t, []byte{0x2a, 0, 0, 0}, borshU32(nil, 42))
	assert.Equal(t, []byte{0x2a, 0, 0, 0, 0, 0, 0, 0}, borshU64(nil, 42))
	assert.Equal(t, []byte{3, 0, 0, 0, 'a', 'b', 'c'}, borshString(nil, "abc"))
}

func TestEncodeNearTransactionLayout(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	blockHash := make([]byte, 32)
	for i := range blockHash {
		blockHash[i] = byte(i)
	}
	action := []byte("delegate action bytes")
	sig := make([]byte, ed25519.SignatureSize)

	tx := encodeNearTransaction("relayer.near", pub, 42, "alice.near", blockHash, action, sig)

	offset := 0
	require.Equal(t, uint32(len("relayer.near")), binary.LittleEndian.Uint32(tx[offset:offset+4]))
	offset += 4
	assert.Equal(t, "relayer.near", string(tx[offset:offset+len("relayer.near")]))
	offset += len("relayer.near")

	assert.Equal(t, byte(nearKeyTypeEd25519), tx[offset])
	offset++
	assert.Equal(t, []byte(pub), tx[offset:offset+ed25519.PublicKeySize])
	offset += ed25519.PublicKeySize

	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(tx[offset:offset+8]))
	offset += 8

	require.Equal(t, uint32(len("alice.near")), binary.LittleEndian.Uint32(tx[offset:offset+4]))
	offset += 4
	assert.Equal(t, "alice.near", string(tx[offset:offset+len("alice.near")]))
	offset += len("alice.near")

	assert.Equal(t, blockHash, tx[offset:offset+32])
	offset += 32

	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(tx[offset:offset+4]), "one action")
	offset += 4
	assert.Equal(t, byte(nearActionDelegate), tx[offset])
	offset++
	assert.Equal(t, action, tx[offset:offset+len(action)])
	offset += len(action)

	assert.Equal(t, byte(nearSigTypeEd25519), tx[offset])
	offset++
	assert.Equal(t, sig, tx[offset:])
}

type fakeNearBackend struct {
	nonce     uint64
	blockHash string
	broadcast []string
}

func (f *fakeNearBackend) AccessKeyNonce(context.Context, string, string) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeNearBackend) LatestBlockHash(context.Context) (string, error) {
	return f.blockHash, nil
}

func (f *fakeNearBackend) BroadcastCommit(_ context.Context, signedTxBase64 string) (string, error) {
	f.broadcast = append(f.broadcast, signedTxBase64)
	return "8zT3mkPQvc", nil
}

func TestSettleNearRelaysSignedTransaction(t *testing.T) {
	relayerPub, relayerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dep := registry.Deployment{
		Network:      types.NetworkNearTestnet,
		Family:       types.FamilyNear,
		AssetAddress: "usdc.fakes.testnet",
		RPCURL:       "https://rpc.testnet.near.org",
	}
	reg := registry.New(nil, []registry.Deployment{dep})
	keys := NewKeyring()
	keys.Add(NewEd25519Key(dep.Network, "relayer.testnet", relayerPriv))

	blockHash := make([]byte, 32)
	for i := range blockHash {
		blockHash[i] = 0x5a
	}
	backend := &fakeNearBackend{nonce: 17, blockHash: base58.Encode(blockHash)}

	svc := NewService(reg, keys, replay.NewNonceStore(), replay.NewSessionStore(time.Minute),
		nil, logger.NoopLogger{}, metrics.NoopRecorder{})
	svc.RegisterNear(dep.Network, backend)

	action := []byte("delegate action bytes")
	payerSig := make([]byte, ed25519.SignatureSize)
	payload := &types.NearPayload{
		DelegateAction: base64.StdEncoding.EncodeToString(action),
		Signature:      base64.StdEncoding.EncodeToString(payerSig),
		SenderID:       "alice.testnet",
		ReceiverID:     "merchant.testnet",
		Amount:         "1000000",
	}
	res := &types.VerificationResult{IsValid: true, Payer: "alice.testnet", Payee: "merchant.testnet", Amount: "1000000"}

	receipt, err := svc.settleNear(context.Background(), payload, dep, mustKey(t, svc, dep.Network), res)
	require.NoError(t, err)
	assert.Equal(t, "8zT3mkPQvc", receipt.Transaction)
	assert.True(t, receipt.Confirmed)

	require.Len(t, backend.broadcast, 1)
	signedTx, err := base64.StdEncoding.DecodeString(backend.broadcast[0])
	require.NoError(t, err)

	// The relayer transaction is the borsh body followed by the relayer's
	// signature; it embeds the payer's action and signature verbatim and
	// uses the access-key nonce plus one.
	body := encodeNearTransaction("relayer.testnet", relayerPub, 18, "alice.testnet", blockHash, action, payerSig)
	require.Greater(t, len(signedTx), len(body))
	assert.Equal(t, body, signedTx[:len(body)])

	assert.Equal(t, byte(nearSigTypeEd25519), signedTx[len(body)])
	relayerSig := signedTx[len(body)+1:]
	digest := sha256.Sum256(body)
	assert.True(t, ed25519.Verify(relayerPub, digest[:], relayerSig))
}
