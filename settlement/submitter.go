// Package settlement executes verified payment authorizations on-chain.
// Every submission path requires a verification proof minted from a
// passing result; there is no way to reach a broadcast from raw input.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"

	"github.com/ultravioletadao/x402-facilitator/clients"
	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// Per-family backends. The concrete clients satisfy these; anything that
// does is accepted, which keeps settlement testable without a node.
type EVMBackend interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	WaitForReceipt(ctx context.Context, txHash common.Hash, maxAttempts int) (*ethtypes.Receipt, error)
}

type SolanaBackend interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	WaitForFinalized(ctx context.Context, sig solana.Signature, maxAttempts int) (uint64, error)
}

type NearBackend interface {
	AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error)
	LatestBlockHash(ctx context.Context) (string, error)
	BroadcastCommit(ctx context.Context, signedTxBase64 string) (string, error)
}

type StellarBackend interface {
	SubmitTransaction(ctx context.Context, envelopeXDR string) (string, error)
	WaitForTransaction(ctx context.Context, hash string, maxAttempts int) (uint32, error)
}

type AlgorandBackend interface {
	replay.TxStatusSource
	TransactionParams(ctx context.Context) (clients.SuggestedParams, error)
	SubmitGroup(ctx context.Context, rawGroup []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txID string, waitRounds uint64) (uint64, error)
}

// Proof attests that a payload passed verification and screening in the
// current call chain. The zero value is not a valid proof; one can only be
// minted from a passing verification result.
type Proof struct {
	result *types.VerificationResult
}

// NewProof mints a settlement proof from a verification result. Results
// that did not pass cannot be turned into proofs.
func NewProof(result *types.VerificationResult) (Proof, error) {
	if result == nil || !result.IsValid {
		return Proof{}, types.NewError(types.ErrContractViolation, "settlement requires a passing verification result")
	}
	return Proof{result: result}, nil
}

func (p Proof) valid() bool { return p.result != nil && p.result.IsValid }

// Service submits settlement transactions. Submissions are serialized per
// (network, signing key) pair so sequence assignment on one signer never
// races; different networks settle fully concurrently.
type Service struct {
	registry *registry.Registry
	keys     *Keyring
	log      logger.Logger
	rec      metrics.Recorder

	nonces   *replay.NonceStore
	sessions *replay.SessionStore
	dedup    *replay.DedupCache

	evm      map[types.Network]EVMBackend
	solana   map[types.Network]SolanaBackend
	near     map[types.Network]NearBackend
	stellar  map[types.Network]StellarBackend
	algorand map[types.Network]AlgorandBackend
	guards   map[types.Network]*replay.TxIDGuard

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	receipts map[string]*types.SettlementReceipt
}

// NewService builds a settlement service sharing replay state with
// verification.
func NewService(reg *registry.Registry, keys *Keyring, nonces *replay.NonceStore, sessions *replay.SessionStore, dedup *replay.DedupCache, log logger.Logger, rec metrics.Recorder) *Service {
	return &Service{
		registry: reg,
		keys:     keys,
		log:      log.Named("settlement"),
		rec:      rec,
		nonces:   nonces,
		sessions: sessions,
		dedup:    dedup,
		evm:      make(map[types.Network]EVMBackend),
		solana:   make(map[types.Network]SolanaBackend),
		near:     make(map[types.Network]NearBackend),
		stellar:  make(map[types.Network]StellarBackend),
		algorand: make(map[types.Network]AlgorandBackend),
		guards:   make(map[types.Network]*replay.TxIDGuard),
		locks:    make(map[string]*sync.Mutex),
		receipts: make(map[string]*types.SettlementReceipt),
	}
}

func (s *Service) RegisterEVM(network types.Network, c EVMBackend) { s.evm[network] = c }

func (s *Service) RegisterSolana(network types.Network, c SolanaBackend) {
	s.solana[network] = c
}

func (s *Service) RegisterNear(network types.Network, c NearBackend) { s.near[network] = c }

func (s *Service) RegisterStellar(network types.Network, c StellarBackend) {
	s.stellar[network] = c
}

// RegisterAlgorand wires the algod client and builds the transaction-id
// guard over it.
func (s *Service) RegisterAlgorand(network types.Network, c AlgorandBackend) error {
	guard, err := replay.NewTxIDGuard(4096, c)
	if err != nil {
		return err
	}
	s.algorand[network] = c
	s.guards[network] = guard
	return nil
}

// payloadKey identifies one authorization for idempotency purposes.
func payloadKey(req *types.VerifyRequest) (string, error) {
	p := &req.PaymentPayload
	fam, err := p.Family()
	if err != nil {
		return "", err
	}
	switch fam {
	case types.FamilyEVM:
		return fmt.Sprintf("evm/%s/%s/%s", p.Network, p.EVM.Authorization.From, p.EVM.Authorization.Nonce), nil
	case types.FamilySolana:
		return fmt.Sprintf("solana/%s/%s", p.Network, p.Solana.Transaction), nil
	case types.FamilyNear:
		return fmt.Sprintf("near/%s/%s/%s", p.Network, p.Near.SenderID, p.Near.Signature), nil
	case types.FamilyStellar:
		return fmt.Sprintf("stellar/%s/%s/%d", p.Network, p.Stellar.From, p.Stellar.Nonce), nil
	case types.FamilyAlgorand:
		return fmt.Sprintf("algorand/%s/%s", p.Network, p.Algorand.PrepareID), nil
	}
	return "", types.NewError(types.ErrUnsupportedNetwork, "unknown family %q", fam)
}

func (s *Service) storedReceipt(key string) *types.SettlementReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[key]
}

func (s *Service) storeReceipt(key string, receipt *types.SettlementReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[key] = receipt
}

// Retry policy for transient RPC failures during submission. The signed
// bytes do not change between attempts, so a resend cannot produce a
// second transfer.
const (
	rpcRetryAttempts = 3
	rpcRetryDelay    = 100 * time.Millisecond
)

func withRetry(ctx context.Context, fn func() error) error {
	return clients.Retry(ctx, rpcRetryAttempts, rpcRetryDelay, fn)
}

// submitLock returns the mutex serializing submissions for one
// (network, signer) pair.
func (s *Service) submitLock(network types.Network, signer string) *sync.Mutex {
	key := string(network) + "/" + signer
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

// Settle executes the authorized transfer on-chain. A second call for an
// already-settled payload short-circuits to the stored receipt. The
// broadcast runs detached from the caller's cancellation: once a
// transaction may have left the process, the outcome must be recorded.
func (s *Service) Settle(ctx context.Context, req *types.VerifyRequest, proof Proof) (*types.SettlementReceipt, error) {
	if !proof.valid() {
		return nil, types.NewError(types.ErrContractViolation, "settle called without verification proof")
	}

	key, err := payloadKey(req)
	if err != nil {
		return nil, err
	}
	if receipt := s.storedReceipt(key); receipt != nil {
		return receipt, nil
	}

	dep, err := s.registry.Resolve(req.PaymentPayload.Network)
	if err != nil {
		return nil, err
	}
	if !dep.HasEndpoint() {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no RPC endpoint for network %s", dep.Network)
	}
	signKey, err := s.keys.ForNetwork(dep.Network)
	if err != nil {
		return nil, err
	}

	lock := s.submitLock(dep.Network, signKey.Address)
	lock.Lock()
	defer lock.Unlock()

	// A concurrent settle for the same payload may have finished while we
	// waited on the signer lock.
	if receipt := s.storedReceipt(key); receipt != nil {
		return receipt, nil
	}

	// Detach from the caller's cancellation without discarding the
	// deadline: a broadcast in flight must run to a recorded outcome, but
	// the total wait stays bounded.
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(context.WithoutCancel(ctx), deadline)
		defer cancel()
	} else {
		ctx = context.WithoutCancel(ctx)
	}
	start := time.Now()

	// Advisory dedup for natively replay-protected families: a key seen
	// recently is a certain-to-fail resubmission, rejected before gas is
	// spent on it.
	switch dep.Family {
	case types.FamilyEVM, types.FamilySolana, types.FamilyNear:
		if s.dedup != nil && s.dedup.Seen(key) {
			return nil, types.NewError(types.ErrNonceAlreadyUsed, "payload was already submitted")
		}
	}

	var receipt *types.SettlementReceipt
	switch dep.Family {
	case types.FamilyEVM:
		receipt, err = s.settleEVM(ctx, req.PaymentPayload.EVM, dep, signKey, proof.result)
	case types.FamilySolana:
		receipt, err = s.settleSolana(ctx, req.PaymentPayload.Solana, dep, proof.result)
	case types.FamilyNear:
		receipt, err = s.settleNear(ctx, req.PaymentPayload.Near, dep, signKey, proof.result)
	case types.FamilyStellar:
		receipt, err = s.settleStellar(ctx, req.PaymentPayload.Stellar, dep, signKey, proof.result)
	case types.FamilyAlgorand:
		receipt, err = s.settleAlgorand(ctx, req.PaymentPayload.Algorand, dep, signKey, proof.result)
	default:
		err = types.NewError(types.ErrUnsupportedNetwork, "unknown family %q", dep.Family)
	}

	outcome := "settled"
	if err != nil {
		outcome = types.ErrorCode(err)
	}
	labels := map[string]string{"network": string(dep.Network), "outcome": outcome}
	s.rec.IncCounter("settle", labels)
	s.rec.ObserveLatency("settle", time.Since(start), labels)

	if err != nil {
		// Failures before broadcast leave no transaction on the wire; the
		// dedup mark is lifted so the payer can retry. Timeouts and
		// rejections happened after broadcast and keep the mark.
		code := types.ErrorCode(err)
		if s.dedup != nil && code != types.ErrSettlementTimeout && code != types.ErrOnChainRejected {
			s.dedup.Forget(key)
		}
		s.log.Error("settlement failed", map[string]any{
			"network": dep.Network,
			"error":   err.Error(),
		})
		return nil, err
	}

	s.storeReceipt(key, receipt)
	s.log.Info("settlement confirmed", map[string]any{
		"network":     receipt.Network,
		"transaction": receipt.Transaction,
		"payer":       receipt.Payer,
		"payee":       receipt.Payee,
		"amount":      receipt.Amount,
	})
	return receipt, nil
}
