package types

// Family groups networks that share the same authorization and signature
// model. It is a closed enum: every switch over Family must be exhaustive,
// and adding a family is a compile-time-checked change.
type Family string

const (
	// FamilyEVM covers account-based chains with EIP-3009 asset contracts.
	FamilyEVM Family = "evm"
	// FamilySolana covers ledger-account chains where the client submits a
	// fully signed transaction envelope.
	FamilySolana Family = "solana"
	// FamilyNear covers meta-transaction chains where the facilitator relays
	// a delegated action inside its own outer transaction.
	FamilyNear Family = "near"
	// FamilyStellar covers ledger-authorization chains with binary-encoded
	// authorization entries and ledger-sequence validity windows.
	FamilyStellar Family = "stellar"
	// FamilyAlgorand covers group-transaction chains requiring the two-stage
	// prepare/settle protocol.
	FamilyAlgorand Family = "algorand"
)

func (f Family) String() string { return string(f) }

// Network identifies a single supported blockchain network.
type Network string

const (
	// EVM networks.
	NetworkBase            Network = "base"
	NetworkBaseSepolia     Network = "base-sepolia"
	NetworkPolygon         Network = "polygon"
	NetworkPolygonAmoy     Network = "polygon-amoy"
	NetworkAvalanche       Network = "avalanche"
	NetworkAvalancheFuji   Network = "avalanche-fuji"
	NetworkEthereum        Network = "ethereum"
	NetworkEthereumSepolia Network = "ethereum-sepolia"
	NetworkArbitrum        Network = "arbitrum"
	NetworkArbitrumSepolia Network = "arbitrum-sepolia"

	// Solana networks.
	NetworkSolana       Network = "solana"
	NetworkSolanaDevnet Network = "solana-devnet"

	// NEAR networks.
	NetworkNear        Network = "near"
	NetworkNearTestnet Network = "near-testnet"

	// Stellar networks.
	NetworkStellar        Network = "stellar"
	NetworkStellarTestnet Network = "stellar-testnet"

	// Algorand networks.
	NetworkAlgorand        Network = "algorand"
	NetworkAlgorandTestnet Network = "algorand-testnet"
)

func (n Network) String() string { return string(n) }

// IsTestnet reports whether the network belongs to the test environment
// class. Production and test networks use disjoint signing key material.
func (n Network) IsTestnet() bool {
	switch n {
	case NetworkBaseSepolia, NetworkPolygonAmoy, NetworkAvalancheFuji,
		NetworkEthereumSepolia, NetworkArbitrumSepolia, NetworkSolanaDevnet,
		NetworkNearTestnet, NetworkStellarTestnet, NetworkAlgorandTestnet:
		return true
	}
	return false
}

// CAIP2 returns the CAIP-2 identifier for the network, used for the v2
// entries of the supported-kinds listing. Networks without a registered
// CAIP-2 namespace return the plain network name.
func (n Network) CAIP2() string {
	switch n {
	case NetworkBase:
		return "eip155:8453"
	case NetworkBaseSepolia:
		return "eip155:84532"
	case NetworkPolygon:
		return "eip155:137"
	case NetworkPolygonAmoy:
		return "eip155:80002"
	case NetworkAvalanche:
		return "eip155:43114"
	case NetworkAvalancheFuji:
		return "eip155:43113"
	case NetworkEthereum:
		return "eip155:1"
	case NetworkEthereumSepolia:
		return "eip155:11155111"
	case NetworkArbitrum:
		return "eip155:42161"
	case NetworkArbitrumSepolia:
		return "eip155:421614"
	case NetworkSolana:
		return "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	case NetworkSolanaDevnet:
		return "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	case NetworkStellar:
		return "stellar:pubnet"
	case NetworkStellarTestnet:
		return "stellar:testnet"
	case NetworkAlgorand:
		return "algorand:wGHE2Pwdvd7S12BL5FaOP20EGYesN73k"
	case NetworkAlgorandTestnet:
		return "algorand:SGO1GKSzyE7IEPItTxCByw9x8FmnrCDe"
	default:
		return n.String()
	}
}
