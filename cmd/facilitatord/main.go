// Command facilitatord runs the x402 payment facilitator service.
package main

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"

	facilitator "github.com/ultravioletadao/x402-facilitator"
	"github.com/ultravioletadao/x402-facilitator/api"
	"github.com/ultravioletadao/x402-facilitator/clients"
	"github.com/ultravioletadao/x402-facilitator/compliance"
	"github.com/ultravioletadao/x402-facilitator/config"
	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/settlement"
	"github.com/ultravioletadao/x402-facilitator/types"
	"github.com/ultravioletadao/x402-facilitator/verification"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		panic(err)
	}
	log := logger.NewZapLogger(cfg.LogLevel)

	promReg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(promReg)

	catalog := registry.New(nil, nil)
	endpoints := config.RPCEndpoints(catalog.Networks())
	reg := registry.New(endpoints, nil)

	failMode := compliance.FailClosed
	if cfg.ComplianceFailMode == string(compliance.FailOpen) {
		failMode = compliance.FailOpen
	}
	audit := compliance.NewAuditLogger(log, cfg.AuditLogClean)
	screener := compliance.NewScreener(audit, failMode)
	reloadLists(cfg, screener, log)

	nonces := replay.NewNonceStore()
	sessions := replay.NewSessionStore(cfg.PrepareSessionTTL)
	dedup, err := replay.NewDedupCache(cfg.DedupSize, cfg.DedupTTL)
	if err != nil {
		panic(err)
	}

	verifier := verification.NewService(reg, nonces, sessions, log, rec)
	keys := settlement.NewKeyring()
	settler := settlement.NewService(reg, keys, nonces, sessions, dedup, log, rec)

	var stellarClients []*clients.StellarClient
	for _, dep := range reg.Enabled() {
		switch dep.Family {
		case types.FamilyEVM:
			client, err := clients.NewEVMClient(dep.Network, dep.RPCURL)
			if err != nil {
				log.Error("evm client init failed", map[string]any{"network": dep.Network, "error": err.Error()})
				continue
			}
			settler.RegisterEVM(dep.Network, client)
		case types.FamilySolana:
			settler.RegisterSolana(dep.Network, clients.NewSolanaClient(dep.Network, dep.RPCURL))
		case types.FamilyNear:
			client := clients.NewNearClient(dep.Network, dep.RPCURL)
			settler.RegisterNear(dep.Network, client)
			verifier.RegisterHeadSource(dep.Network, client)
		case types.FamilyStellar:
			client := clients.NewStellarClient(dep.Network, dep.RPCURL)
			settler.RegisterStellar(dep.Network, client)
			verifier.RegisterLedgerSource(dep.Network, client)
			stellarClients = append(stellarClients, client)
		case types.FamilyAlgorand:
			client := clients.NewAlgorandClient(dep.Network, dep.RPCURL, os.Getenv("ALGOD_TOKEN"))
			if err := settler.RegisterAlgorand(dep.Network, client); err != nil {
				log.Error("algorand guard init failed", map[string]any{"network": dep.Network, "error": err.Error()})
			}
		}
	}

	loadSigningKeys(reg, keys, log)

	f := facilitator.New(reg, screener, verifier, settler,
		facilitator.WithLogger(log),
		facilitator.WithMetrics(rec),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go refreshLoop(ctx, cfg, screener, log)
	go replayMaintenance(ctx, nonces, sessions, stellarClients, log)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           api.NewRouter(f, log, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("facilitator listening", map[string]any{"port": cfg.ServerPort})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", map[string]any{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", map[string]any{"error": err.Error()})
	}
}

// reloadLists loads the compliance lists and swaps them into the screener.
// A load failure is recorded in the snapshot, where the fail mode decides
// its effect.
func reloadLists(cfg config.Config, screener *compliance.Screener, log logger.Logger) {
	var sanctions []compliance.SanctionsList
	var blacklist *compliance.Blacklist
	var loadErr error

	if cfg.OFACListPath != "" {
		ofac, err := compliance.LoadOFAC(cfg.OFACListPath)
		if err != nil {
			loadErr = err
			log.Error("ofac list load failed", map[string]any{"path": cfg.OFACListPath, "error": err.Error()})
		} else {
			sanctions = append(sanctions, ofac)
		}
	}
	if cfg.BlacklistPath != "" {
		bl, err := compliance.LoadBlacklist(cfg.BlacklistPath)
		if err != nil {
			loadErr = err
			log.Error("blacklist load failed", map[string]any{"path": cfg.BlacklistPath, "error": err.Error()})
		} else {
			blacklist = bl
		}
	}

	screener.Reload(blacklist, sanctions, loadErr)
	for _, meta := range screener.ListMetadata() {
		log.Info("compliance list active", map[string]any{
			"list":     meta.Name,
			"records":  meta.RecordCount,
			"checksum": meta.Checksum,
		})
	}
}

func refreshLoop(ctx context.Context, cfg config.Config, screener *compliance.Screener, log logger.Logger) {
	if cfg.ListRefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.ListRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reloadLists(cfg, screener, log)
		}
	}
}

// replayMaintenance periodically sweeps expired prepare sessions and
// purges nonce records whose ledger window has passed.
func replayMaintenance(ctx context.Context, nonces *replay.NonceStore, sessions *replay.SessionStore, stellar []*clients.StellarClient, log logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := sessions.Sweep(); swept > 0 {
				log.Debug("prepare sessions swept", map[string]any{"count": swept})
			}
			for _, client := range stellar {
				ledger, err := client.LatestLedger(ctx)
				if err != nil {
					continue
				}
				if purged := nonces.Cleanup(ledger); purged > 0 {
					log.Debug("expired nonces purged", map[string]any{
						"network": client.Network(),
						"count":   purged,
					})
				}
			}
		}
	}
}

// loadSigningKeys parses per-network key material into the keyring. EVM
// keys are hex secp256k1; Solana keys are base58; the ed25519 families use
// "<address>:<base58 seed>" so the on-chain identity travels with the key.
func loadSigningKeys(reg *registry.Registry, keys *settlement.Keyring, log logger.Logger) {
	material := config.SigningKeys(reg.Networks())
	for network, raw := range material {
		dep, err := reg.Resolve(network)
		if err != nil {
			continue
		}
		var key settlement.SigningKey
		switch dep.Family {
		case types.FamilyEVM:
			key, err = settlement.ParseECDSAKey(network, raw)
		case types.FamilySolana:
			key, err = settlement.ParseSolanaKey(network, raw)
		case types.FamilyNear, types.FamilyStellar, types.FamilyAlgorand:
			key, err = parseEd25519Key(network, raw)
		}
		if err != nil {
			log.Error("signing key rejected", map[string]any{"network": network, "error": err.Error()})
			continue
		}
		keys.Add(key)
		log.Info("signing key loaded", map[string]any{"network": network, "address": key.Address})
	}
}

func parseEd25519Key(network types.Network, raw string) (settlement.SigningKey, error) {
	addr, seedB58, found := strings.Cut(raw, ":")
	if !found {
		return settlement.SigningKey{}, types.NewError(types.ErrMalformedPayload,
			"key for %s must be <address>:<base58 seed>", network)
	}
	seed, err := base58.Decode(seedB58)
	if err != nil || len(seed) != ed25519.SeedSize {
		return settlement.SigningKey{}, types.NewError(types.ErrMalformedPayload,
			"key for %s must carry a %d-byte base58 seed", network, ed25519.SeedSize)
	}
	return settlement.NewEd25519Key(network, addr, ed25519.NewKeyFromSeed(seed)), nil
}
