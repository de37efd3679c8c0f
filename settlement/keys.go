package settlement

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// SigningKey is the facilitator's fee-paying identity on one network.
// Exactly one of the key members is set, matching the network's family.
type SigningKey struct {
	Network types.Network

	// Address is the key's on-chain identity in the network's native
	// format. For NEAR this is the relayer account id.
	Address string

	ECDSA   *ecdsa.PrivateKey
	Ed25519 ed25519.PrivateKey
	Solana  solana.PrivateKey
}

// Keyring holds signing keys split by environment class. Production and
// test networks draw from disjoint key sets; a key registered for one
// class is never served for the other.
type Keyring struct {
	production map[types.Network]SigningKey
	test       map[types.Network]SigningKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		production: make(map[types.Network]SigningKey),
		test:       make(map[types.Network]SigningKey),
	}
}

// Add registers a key under the environment class implied by its network.
func (k *Keyring) Add(key SigningKey) {
	if key.Network.IsTestnet() {
		k.test[key.Network] = key
		return
	}
	k.production[key.Network] = key
}

// ForNetwork returns the signing key for the network, looking only in the
// environment class the network belongs to.
func (k *Keyring) ForNetwork(network types.Network) (SigningKey, error) {
	pool := k.production
	if network.IsTestnet() {
		pool = k.test
	}
	key, ok := pool[network]
	if !ok {
		return SigningKey{}, types.NewError(types.ErrNoEndpointConfigured, "no signing key for network %s", network)
	}
	return key, nil
}

// ParseECDSAKey parses a hex-encoded secp256k1 private key and derives its
// address.
func ParseECDSAKey(network types.Network, hexKey string) (SigningKey, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return SigningKey{}, types.WrapError(types.ErrMalformedPayload, err, "invalid ecdsa key for %s", network)
	}
	return SigningKey{
		Network: network,
		Address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		ECDSA:   priv,
	}, nil
}

// ParseSolanaKey parses a base58-encoded ed25519 private key.
func ParseSolanaKey(network types.Network, base58Key string) (SigningKey, error) {
	priv, err := solana.PrivateKeyFromBase58(strings.TrimSpace(base58Key))
	if err != nil {
		return SigningKey{}, types.WrapError(types.ErrMalformedPayload, err, "invalid solana key for %s", network)
	}
	return SigningKey{
		Network: network,
		Address: priv.PublicKey().String(),
		Solana:  priv,
	}, nil
}

// NewEd25519Key wraps a raw ed25519 seed or private key for the families
// that sign with plain ed25519.
func NewEd25519Key(network types.Network, address string, key ed25519.PrivateKey) SigningKey {
	return SigningKey{
		Network: network,
		Address: address,
		Ed25519: key,
	}
}
