package settlement

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// fakeEVMBackend plays the role of a healthy node. Every broadcast is
// counted so tests can assert how many transactions actually went out.
type fakeEVMBackend struct {
	mu           sync.Mutex
	sendCalls    int
	sendFailures int
	sendErr      error
	waitErr      error

	sawDeadline bool
	ctxErr      error
}

func (f *fakeEVMBackend) PendingNonce(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeEVMBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEVMBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeEVMBackend) SendTransaction(ctx context.Context, _ *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.sawDeadline = ctx.Deadline()
	f.ctxErr = ctx.Err()
	if f.sendFailures > 0 {
		f.sendFailures--
		return types.NewRetryable(types.ErrRpcTransient, nil, "connection reset")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sendCalls++
	return nil
}

func (f *fakeEVMBackend) WaitForReceipt(_ context.Context, txHash common.Hash, _ int) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

func (f *fakeEVMBackend) broadcasts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

var settleTestDeployment = registry.Deployment{
	Network:      types.Network("evm-test"),
	Family:       types.FamilyEVM,
	ChainID:      31337,
	AssetAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	Decimals:     6,
	RPCURL:       "http://localhost:8545",
}

func testSettlement(t *testing.T, backend *fakeEVMBackend) *Service {
	t.Helper()
	reg := registry.New(nil, []registry.Deployment{settleTestDeployment})

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	signKey, err := ParseECDSAKey(settleTestDeployment.Network, hex.EncodeToString(crypto.FromECDSA(priv)))
	require.NoError(t, err)
	keys := NewKeyring()
	keys.Add(signKey)

	dedup, err := replay.NewDedupCache(64, time.Minute)
	require.NoError(t, err)

	svc := NewService(reg, keys, replay.NewNonceStore(), replay.NewSessionStore(time.Minute),
		dedup, logger.NoopLogger{}, metrics.NoopRecorder{})
	svc.RegisterEVM(settleTestDeployment.Network, backend)
	return svc
}

func evmSettleRequest(nonce string) *types.VerifyRequest {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = 0x11
	}
	return &types.VerifyRequest{
		X402Version: types.X402Version1,
		PaymentPayload: types.PaymentPayload{
			X402Version: types.X402Version1,
			Scheme:      types.SchemeExact,
			Network:     settleTestDeployment.Network,
			EVM: &types.EVMPayload{
				Signature: "0x" + hex.EncodeToString(sig),
				Authorization: types.EVMAuthorization{
					From:        "0x1111111111111111111111111111111111111111",
					To:          "0x2222222222222222222222222222222222222222",
					Value:       "1000000",
					ValidAfter:  "0",
					ValidBefore: "99999999999",
					Nonce:       nonce,
				},
			},
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           string(settleTestDeployment.Network),
			MaxAmountRequired: "1000000",
			PayTo:             "0x2222222222222222222222222222222222222222",
			Asset:             settleTestDeployment.AssetAddress,
			MaxTimeoutSeconds: 60,
		},
	}
}

func passingProof(t *testing.T) Proof {
	t.Helper()
	proof, err := NewProof(&types.VerificationResult{
		IsValid: true,
		Payer:   "0x1111111111111111111111111111111111111111",
		Payee:   "0x2222222222222222222222222222222222222222",
		Amount:  "1000000",
	})
	require.NoError(t, err)
	return proof
}

const testNonceA = "0x0000000000000000000000000000000000000000000000000000000000000a01"

func TestNewProofRejectsFailedResults(t *testing.T) {
	_, err := NewProof(nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrContractViolation, types.ErrorCode(err))

	_, err = NewProof(&types.VerificationResult{IsValid: false, InvalidReason: "nope"})
	require.Error(t, err)
	assert.Equal(t, types.ErrContractViolation, types.ErrorCode(err))
}

func TestSettleRequiresProof(t *testing.T) {
	svc := testSettlement(t, &fakeEVMBackend{})

	_, err := svc.Settle(context.Background(), evmSettleRequest(testNonceA), Proof{})
	require.Error(t, err)
	assert.Equal(t, types.ErrContractViolation, types.ErrorCode(err))
}

func TestSettleEVM(t *testing.T) {
	backend := &fakeEVMBackend{}
	svc := testSettlement(t, backend)

	receipt, err := svc.Settle(context.Background(), evmSettleRequest(testNonceA), passingProof(t))
	require.NoError(t, err)
	assert.Equal(t, settleTestDeployment.Network, receipt.Network)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, "1000000", receipt.Amount)
	assert.NotEmpty(t, receipt.Transaction)
	assert.Equal(t, 1, backend.broadcasts())
}

func TestSettleIdempotent(t *testing.T) {
	backend := &fakeEVMBackend{}
	svc := testSettlement(t, backend)
	req := evmSettleRequest(testNonceA)

	first, err := svc.Settle(context.Background(), req, passingProof(t))
	require.NoError(t, err)
	second, err := svc.Settle(context.Background(), req, passingProof(t))
	require.NoError(t, err)

	assert.Equal(t, first.Transaction, second.Transaction)
	assert.Equal(t, 1, backend.broadcasts(), "replayed payload must not broadcast again")
}

func TestSettleConcurrentSamePayload(t *testing.T) {
	backend := &fakeEVMBackend{}
	svc := testSettlement(t, backend)
	req := evmSettleRequest(testNonceA)
	proof := passingProof(t)

	const callers = 8
	receipts := make([]*types.SettlementReceipt, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = svc.Settle(context.Background(), req, proof)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, receipts[0].Transaction, receipts[i].Transaction)
	}
	assert.Equal(t, 1, backend.broadcasts(), "racing settles must share one broadcast")
}

func TestSettleDistinctNoncesBroadcastSeparately(t *testing.T) {
	backend := &fakeEVMBackend{}
	svc := testSettlement(t, backend)

	_, err := svc.Settle(context.Background(), evmSettleRequest(testNonceA), passingProof(t))
	require.NoError(t, err)
	_, err = svc.Settle(context.Background(),
		evmSettleRequest("0x0000000000000000000000000000000000000000000000000000000000000a02"),
		passingProof(t))
	require.NoError(t, err)

	assert.Equal(t, 2, backend.broadcasts())
}

func TestSettleKeepsDedupMarkAfterTimeout(t *testing.T) {
	backend := &fakeEVMBackend{
		waitErr: types.NewRetryable(types.ErrSettlementTimeout, nil, "no receipt in time"),
	}
	svc := testSettlement(t, backend)
	req := evmSettleRequest(testNonceA)

	_, err := svc.Settle(context.Background(), req, passingProof(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrSettlementTimeout, types.ErrorCode(err))

	// The transaction may still land; an immediate retry must not
	// broadcast a duplicate.
	_, err = svc.Settle(context.Background(), req, passingProof(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrNonceAlreadyUsed, types.ErrorCode(err))
	assert.Equal(t, 1, backend.broadcasts())
}

func TestSettleDetachKeepsDeadline(t *testing.T) {
	// Settlement survives the caller walking away, but the caller's
	// deadline still bounds the total wait.
	backend := &fakeEVMBackend{}
	svc := testSettlement(t, backend)
	req := evmSettleRequest(testNonceA)

	parent, cancel := context.WithTimeout(context.Background(), time.Minute)
	cancel()

	receipt, err := svc.Settle(parent, req, passingProof(t))
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.True(t, backend.sawDeadline, "broadcast context lost the caller's deadline")
	assert.NoError(t, backend.ctxErr, "broadcast context inherited the caller's cancellation")
}

func TestSettleRetriesTransientBroadcastInternally(t *testing.T) {
	// A single dropped connection is absorbed by the submission retry
	// loop; the caller sees a confirmed receipt, not a transient error.
	backend := &fakeEVMBackend{sendFailures: 1}
	svc := testSettlement(t, backend)
	req := evmSettleRequest(testNonceA)

	receipt, err := svc.Settle(context.Background(), req, passingProof(t))
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, 1, backend.broadcasts())
}

func TestSettleRetriesAfterPreBroadcastFailure(t *testing.T) {
	backend := &fakeEVMBackend{
		sendErr: types.NewRetryable(types.ErrRpcTransient, nil, "connection refused"),
	}
	svc := testSettlement(t, backend)
	req := evmSettleRequest(testNonceA)

	_, err := svc.Settle(context.Background(), req, passingProof(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrRpcTransient, types.ErrorCode(err))

	// Nothing went out, so the retry must be allowed through.
	backend.mu.Lock()
	backend.sendErr = nil
	backend.mu.Unlock()

	receipt, err := svc.Settle(context.Background(), req, passingProof(t))
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, 1, backend.broadcasts())
}

func TestSettleNoEndpoint(t *testing.T) {
	dark := settleTestDeployment
	dark.Network = types.Network("evm-dark")
	dark.RPCURL = ""
	reg := registry.New(nil, []registry.Deployment{dark})

	svc := NewService(reg, NewKeyring(), replay.NewNonceStore(), replay.NewSessionStore(time.Minute),
		nil, logger.NoopLogger{}, metrics.NoopRecorder{})

	req := evmSettleRequest(testNonceA)
	req.PaymentPayload.Network = dark.Network
	req.PaymentRequirements.Network = string(dark.Network)

	_, err := svc.Settle(context.Background(), req, passingProof(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrNoEndpointConfigured, types.ErrorCode(err))
}

func TestSettleNoSigningKey(t *testing.T) {
	reg := registry.New(nil, []registry.Deployment{settleTestDeployment})
	svc := NewService(reg, NewKeyring(), replay.NewNonceStore(), replay.NewSessionStore(time.Minute),
		nil, logger.NoopLogger{}, metrics.NoopRecorder{})

	_, err := svc.Settle(context.Background(), evmSettleRequest(testNonceA), passingProof(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrNoEndpointConfigured, types.ErrorCode(err))
}

func TestPayloadKeyPerFamily(t *testing.T) {
	evmReq := evmSettleRequest(testNonceA)
	key, err := payloadKey(evmReq)
	require.NoError(t, err)

	// Same authorization, same key; a different nonce changes it.
	again, err := payloadKey(evmSettleRequest(testNonceA))
	require.NoError(t, err)
	assert.Equal(t, key, again)

	other, err := payloadKey(evmSettleRequest("0x0000000000000000000000000000000000000000000000000000000000000a02"))
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	stellarReq := &types.VerifyRequest{
		PaymentPayload: types.PaymentPayload{
			Network: types.NetworkStellarTestnet,
			Stellar: &types.StellarPayload{From: "GPAYER", Nonce: 9},
		},
	}
	stellarKey, err := payloadKey(stellarReq)
	require.NoError(t, err)
	assert.NotEqual(t, key, stellarKey)

	_, err = payloadKey(&types.VerifyRequest{})
	require.Error(t, err, "no family payload set")
}
