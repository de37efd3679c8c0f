// Package registry is the static catalog of supported networks: family,
// chain id, settlement-asset deployment and the EIP-712 domain metadata
// needed to reconstruct signing digests.
package registry

import (
	"sync/atomic"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// Deployment describes the settlement asset on one network. The EIP-712
// name and version must match the on-chain asset contract byte-for-byte or
// signature verification silently fails.
type Deployment struct {
	Network types.Network
	Family  types.Family

	// ChainID is the EVM chain id; zero for non-EVM families.
	ChainID uint64

	// AssetAddress is the asset contract, mint, token account or ASA id in
	// the network's native format.
	AssetAddress string

	// Decimals is the asset's precision in atomic units.
	Decimals int

	// EIP712Name and EIP712Version form the typed-data domain for EVM
	// assets; empty for other families.
	EIP712Name    string
	EIP712Version string

	// NetworkPassphrase seeds the signature preimage network id on Stellar
	// networks; empty elsewhere.
	NetworkPassphrase string

	// RPCURL is the endpoint used for settlement and live-window queries.
	// Deployments without an endpoint resolve successfully but settlement
	// fails fast with NO_ENDPOINT_CONFIGURED.
	RPCURL string
}

// HasEndpoint reports whether settlement submission can reach the network.
func (d Deployment) HasEndpoint() bool { return d.RPCURL != "" }

// Registry resolves network ids to deployments. The table is read-only
// after load; Reload swaps the whole table atomically so in-flight readers
// see either the old or the new catalog, never a partial one.
type Registry struct {
	table atomic.Pointer[map[types.Network]Deployment]
}

// New builds a registry over the built-in catalog, applying per-network
// RPC endpoints and any overrides.
func New(endpoints map[types.Network]string, overrides []Deployment) *Registry {
	r := &Registry{}
	r.Reload(endpoints, overrides)
	return r
}

// Reload replaces the whole catalog atomically.
func (r *Registry) Reload(endpoints map[types.Network]string, overrides []Deployment) {
	table := make(map[types.Network]Deployment, len(builtins)+len(overrides))
	for _, d := range builtins {
		table[d.Network] = d
	}
	for _, d := range overrides {
		table[d.Network] = d
	}
	for network, url := range endpoints {
		if d, ok := table[network]; ok {
			d.RPCURL = url
			table[network] = d
		}
	}
	r.table.Store(&table)
}

// Resolve returns the deployment for the network, or UNSUPPORTED_NETWORK.
func (r *Registry) Resolve(network types.Network) (Deployment, error) {
	table := r.table.Load()
	d, ok := (*table)[network]
	if !ok {
		return Deployment{}, types.NewError(types.ErrUnsupportedNetwork, "unknown network %q", network)
	}
	return d, nil
}

// Networks returns every cataloged network, configured or not.
func (r *Registry) Networks() []types.Network {
	table := r.table.Load()
	out := make([]types.Network, 0, len(*table))
	for network := range *table {
		out = append(out, network)
	}
	return out
}

// Enabled returns the networks that have an RPC endpoint configured and can
// therefore settle.
func (r *Registry) Enabled() []Deployment {
	table := r.table.Load()
	out := make([]Deployment, 0, len(*table))
	for _, d := range *table {
		if d.HasEndpoint() {
			out = append(out, d)
		}
	}
	return out
}
