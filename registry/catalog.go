package registry

import "github.com/ultravioletadao/x402-facilitator/types"

// builtins is the known USDC deployment per supported network. Addresses
// and EIP-712 domain strings must match the deployed contracts exactly:
// Base mainnet says "USD Coin" while Base Sepolia says "USDC", and mixing
// them up breaks signature verification for every request on that network.
var builtins = []Deployment{
	{
		Network:       types.NetworkBase,
		Family:        types.FamilyEVM,
		ChainID:       8453,
		AssetAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkBaseSepolia,
		Family:        types.FamilyEVM,
		ChainID:       84532,
		AssetAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkPolygon,
		Family:        types.FamilyEVM,
		ChainID:       137,
		AssetAddress:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkPolygonAmoy,
		Family:        types.FamilyEVM,
		ChainID:       80002,
		AssetAddress:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkAvalanche,
		Family:        types.FamilyEVM,
		ChainID:       43114,
		AssetAddress:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkAvalancheFuji,
		Family:        types.FamilyEVM,
		ChainID:       43113,
		AssetAddress:  "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkEthereum,
		Family:        types.FamilyEVM,
		ChainID:       1,
		AssetAddress:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkEthereumSepolia,
		Family:        types.FamilyEVM,
		ChainID:       11155111,
		AssetAddress:  "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkArbitrum,
		Family:        types.FamilyEVM,
		ChainID:       42161,
		AssetAddress:  "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	{
		Network:       types.NetworkArbitrumSepolia,
		Family:        types.FamilyEVM,
		ChainID:       421614,
		AssetAddress:  "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	{
		Network:      types.NetworkSolana,
		Family:       types.FamilySolana,
		AssetAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:     6,
	},
	{
		Network:      types.NetworkSolanaDevnet,
		Family:       types.FamilySolana,
		AssetAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:     6,
	},
	{
		Network:      types.NetworkNear,
		Family:       types.FamilyNear,
		AssetAddress: "17208628f84f5d6ad33f0da3bbbeb27ffcb398eac501a31bd6ad2011e36133a1",
		Decimals:     6,
	},
	{
		Network:      types.NetworkNearTestnet,
		Family:       types.FamilyNear,
		AssetAddress: "3e2210e1184b45b64c8a434c0a7e7b23cc04ea7eb7a9c626a7a70583e1cc474e",
		Decimals:     6,
	},
	{
		Network:           types.NetworkStellar,
		Family:            types.FamilyStellar,
		AssetAddress:      "CCW67TSZV3SSS2HXMBQ5JFGCKJNXKZM7UQUWUZPUTHXSTZLEO7SJMI75",
		Decimals:          7,
		NetworkPassphrase: "Public Global Stellar Network ; September 2015",
	},
	{
		Network:           types.NetworkStellarTestnet,
		Family:            types.FamilyStellar,
		AssetAddress:      "CBIELTK6YBZJU5UP360WFXIDLXKULAEHOXFKFPF4F4U2BSQJRKM2CEVN",
		Decimals:          7,
		NetworkPassphrase: "Test SDF Network ; September 2015",
	},
	{
		Network:      types.NetworkAlgorand,
		Family:       types.FamilyAlgorand,
		AssetAddress: "31566704",
		Decimals:     6,
	},
	{
		Network:      types.NetworkAlgorandTestnet,
		Family:       types.FamilyAlgorand,
		AssetAddress: "10458941",
		Decimals:     6,
	},
}
