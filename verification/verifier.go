// Package verification implements authorization checking for every
// supported network family. Verification is pure: it reads chain state at
// most, never writes it, so a request may be verified any number of times.
package verification

import (
	"context"
	"strings"
	"time"

	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// LedgerSource reports the current Stellar ledger sequence.
type LedgerSource interface {
	LatestLedger(ctx context.Context) (uint32, error)
}

// HeadSource reports the current NEAR block height.
type HeadSource interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
}

// Service verifies payment authorizations. Family dispatch is exhaustive
// over the closed set of supported families.
type Service struct {
	registry *registry.Registry
	nonces   *replay.NonceStore
	sessions *replay.SessionStore
	log      logger.Logger
	rec      metrics.Recorder

	ledgers map[types.Network]LedgerSource
	heads   map[types.Network]HeadSource
}

// NewService builds a verification service. Nonce and session stores are
// shared with settlement so both sides see the same replay state.
func NewService(reg *registry.Registry, nonces *replay.NonceStore, sessions *replay.SessionStore, log logger.Logger, rec metrics.Recorder) *Service {
	return &Service{
		registry: reg,
		nonces:   nonces,
		sessions: sessions,
		log:      log.Named("verification"),
		rec:      rec,
		ledgers:  make(map[types.Network]LedgerSource),
		heads:    make(map[types.Network]HeadSource),
	}
}

// RegisterLedgerSource wires a live ledger reader for a Stellar network.
func (s *Service) RegisterLedgerSource(network types.Network, src LedgerSource) {
	s.ledgers[network] = src
}

// RegisterHeadSource wires a live block height reader for a NEAR network.
func (s *Service) RegisterHeadSource(network types.Network, src HeadSource) {
	s.heads[network] = src
}

// Verify checks the payment authorization against the requirements. A
// failed check comes back as an invalid result, not an error; errors are
// reserved for requests that could not be evaluated at all.
func (s *Service) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	start := time.Now()
	result, err := s.verify(ctx, req)
	outcome := "error"
	if err == nil {
		if result.IsValid {
			outcome = "valid"
		} else {
			outcome = "invalid"
		}
	}
	labels := map[string]string{
		"network": string(req.PaymentPayload.Network),
		"outcome": outcome,
	}
	s.rec.IncCounter("verify", labels)
	s.rec.ObserveLatency("verify", time.Since(start), labels)
	return result, err
}

func (s *Service) verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	if err := req.Validate(); err != nil {
		return types.Invalid(types.ErrorCode(err), "%v", err), nil
	}
	if req.PaymentRequirements.Scheme != types.SchemeExact {
		return types.Invalid(types.ErrMalformedPayload, "unsupported scheme %q", req.PaymentRequirements.Scheme), nil
	}

	dep, err := s.registry.Resolve(req.PaymentPayload.Network)
	if err != nil {
		return types.Invalid(types.ErrUnsupportedNetwork, "%v", err), nil
	}

	fam, err := req.PaymentPayload.Family()
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "%v", err), nil
	}
	if fam != dep.Family {
		return types.Invalid(types.ErrMalformedPayload,
			"payload family %s does not match network family %s", fam, dep.Family), nil
	}
	if !sameAsset(dep, req.PaymentRequirements.Asset) {
		return types.Invalid(types.ErrMalformedPayload,
			"asset %q is not the settlement asset for network %s", req.PaymentRequirements.Asset, dep.Network), nil
	}

	var result *types.VerificationResult
	switch fam {
	case types.FamilyEVM:
		result = verifyEVM(req.PaymentPayload.EVM, &req.PaymentRequirements, dep, time.Now())
	case types.FamilySolana:
		result = verifySolana(req.PaymentPayload.Solana, &req.PaymentRequirements, dep)
	case types.FamilyNear:
		result = verifyNear(req.PaymentPayload.Near, &req.PaymentRequirements, s.nearHead(ctx, req.PaymentPayload.Network))
	case types.FamilyStellar:
		result = verifyStellar(req.PaymentPayload.Stellar, &req.PaymentRequirements, dep, s.nonces, s.stellarLedger(ctx, req.PaymentPayload.Network))
	case types.FamilyAlgorand:
		result = verifyAlgorand(req.PaymentPayload.Algorand, &req.PaymentRequirements, s.sessions)
	default:
		return types.Invalid(types.ErrUnsupportedNetwork, "unknown family %q", fam), nil
	}

	if !result.IsValid {
		s.log.Info("verification rejected", map[string]any{
			"network": req.PaymentPayload.Network,
			"reason":  result.InvalidReason,
		})
	}
	return result, nil
}

// sameAsset compares the declared settlement asset against the network's
// deployment. EVM addresses compare case-insensitively; every other
// family's asset identifiers are case-sensitive.
func sameAsset(dep registry.Deployment, asset string) bool {
	if dep.Family == types.FamilyEVM {
		return strings.EqualFold(asset, dep.AssetAddress)
	}
	return asset == dep.AssetAddress
}

// stellarLedger fetches the current ledger, or zero when no reader is
// wired or the node is unreachable. Zero defers the window check to
// settlement rather than failing the whole verification.
func (s *Service) stellarLedger(ctx context.Context, network types.Network) uint32 {
	src, ok := s.ledgers[network]
	if !ok {
		return 0
	}
	ledger, err := src.LatestLedger(ctx)
	if err != nil {
		s.log.Warn("latest ledger unavailable", map[string]any{
			"network": network,
			"error":   err.Error(),
		})
		return 0
	}
	return ledger
}

func (s *Service) nearHead(ctx context.Context, network types.Network) uint64 {
	src, ok := s.heads[network]
	if !ok {
		return 0
	}
	height, err := src.LatestBlockHeight(ctx)
	if err != nil {
		s.log.Warn("latest block height unavailable", map[string]any{
			"network": network,
			"error":   err.Error(),
		})
		return 0
	}
	return height
}
