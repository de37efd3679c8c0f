// Package facilitator orchestrates x402 payment facilitation: verifying
// off-chain-signed transfer authorizations, screening both counterparties
// against sanctions and blacklist data, and settling verified payments
// on-chain across every supported network family.
//
// A payload moves through two externally visible phases. Verification is
// pure and may be repeated any number of times. Settlement is the single
// irreversible step and runs at most once per accepted authorization; a
// repeat settle request short-circuits to the stored receipt.
package facilitator

import (
	"context"
	"time"

	"github.com/ultravioletadao/x402-facilitator/compliance"
	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/settlement"
	"github.com/ultravioletadao/x402-facilitator/types"
	"github.com/ultravioletadao/x402-facilitator/verification"
)

const (
	defaultVerifyTimeout = 10 * time.Second
	defaultSettleTimeout = 90 * time.Second
)

// Facilitator is the top-level service facade.
type Facilitator struct {
	registry *registry.Registry
	screener *compliance.Screener
	verifier *verification.Service
	settler  *settlement.Service

	log           logger.Logger
	rec           metrics.Recorder
	verifyTimeout time.Duration
	settleTimeout time.Duration
}

// New wires the facilitator from its collaborators.
func New(reg *registry.Registry, screener *compliance.Screener, verifier *verification.Service, settler *settlement.Service, opts ...Option) *Facilitator {
	f := &Facilitator{
		registry:      reg,
		screener:      screener,
		verifier:      verifier,
		settler:       settler,
		log:           logger.NoopLogger{},
		rec:           metrics.NoopRecorder{},
		verifyTimeout: defaultVerifyTimeout,
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Verify checks the payment authorization and screens both counterparties.
// It has no side effects and is safe to call repeatedly for the same
// payload.
func (f *Facilitator) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.verifyTimeout)
	defer cancel()

	result, _, err := f.verifyAndScreen(ctx, req)
	return result, err
}

// Settle executes a verified payment on-chain. The payload is re-verified
// and re-screened inside the call so settlement can never act on stale or
// unverified input, then runs detached from the caller's cancellation.
func (f *Facilitator) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettlementReceipt, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.settleTimeout)
	defer cancel()

	result, decision, err := f.verifyAndScreen(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := decision.BlockedError(); err != nil {
		return nil, err
	}
	if !result.IsValid {
		return nil, types.NewError(types.ErrContractViolation, "settle refused: %s", result.InvalidReason)
	}

	proof, err := settlement.NewProof(result)
	if err != nil {
		return nil, err
	}
	return f.settler.Settle(ctx, req, proof)
}

// verifyAndScreen runs cryptographic verification, then compliance
// screening on the extracted counterparties. Screening failures under
// fail-closed surface as COMPLIANCE_UNAVAILABLE rather than a false
// sanctions block.
func (f *Facilitator) verifyAndScreen(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, compliance.Decision, error) {
	if !f.screener.Ready() {
		return nil, compliance.Decision{}, types.NewError(types.ErrComplianceUnavail, "compliance lists are not loaded")
	}

	result, err := f.verifier.Verify(ctx, req)
	if err != nil {
		return nil, compliance.Decision{}, err
	}
	if !result.IsValid {
		return result, compliance.Decision{}, nil
	}

	decision := f.screener.ScreenPayment(result.Payer, result.Payee, compliance.TransactionContext{
		Amount:  result.Amount,
		Asset:   req.PaymentRequirements.Asset,
		Network: string(req.PaymentPayload.Network),
	})
	if decision.Outcome == compliance.OutcomeBlock {
		if decision.Match == nil {
			// Block without a match means the screening machinery itself
			// failed under the fail-closed policy.
			return nil, decision, types.NewError(types.ErrComplianceUnavail, "compliance screening unavailable")
		}
		blocked := *result
		blocked.IsValid = false
		blocked.InvalidReason = decision.BlockedError().Error()
		return &blocked, decision, nil
	}

	return result, decision, nil
}

// Prepare is stage 1 of the group-transaction protocol for networks that
// need the facilitator to construct the atomic group before the payer
// signs.
func (f *Facilitator) Prepare(ctx context.Context, req *types.PrepareRequest) (*types.PrepareResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.verifyTimeout)
	defer cancel()
	return f.settler.PrepareAlgorand(ctx, req)
}

// Supported lists every (scheme, network) pair the facilitator accepts.
// Version 2 entries carry the chain-agnostic network identifier.
func (f *Facilitator) Supported() *types.SupportedResponse {
	resp := &types.SupportedResponse{Kinds: []types.SupportedKind{}}
	for _, dep := range f.registry.Enabled() {
		kind := types.SupportedKind{
			X402Version: types.X402Version1,
			Scheme:      types.SchemeExact,
			Network:     string(dep.Network),
			Asset:       dep.AssetAddress,
		}
		if dep.EIP712Name != "" {
			kind.Extra = map[string]string{
				"name":    dep.EIP712Name,
				"version": dep.EIP712Version,
			}
		}
		resp.Kinds = append(resp.Kinds, kind)

		if caip := dep.Network.CAIP2(); caip != "" {
			v2 := kind
			v2.X402Version = types.X402Version2
			v2.Network = caip
			resp.Kinds = append(resp.Kinds, v2)
		}
	}
	return resp
}

// Health reports liveness and compliance readiness.
type Health struct {
	Status     string                    `json:"status"`
	Compliance bool                      `json:"complianceReady"`
	Lists      []compliance.ListMetadata `json:"lists"`
	Networks   []types.Network           `json:"networks"`
}

func (f *Facilitator) Health() Health {
	ready := f.screener.Ready()
	status := "ok"
	if !ready {
		status = "degraded"
	}
	return Health{
		Status:     status,
		Compliance: ready,
		Lists:      f.screener.ListMetadata(),
		Networks:   f.registry.Networks(),
	}
}
