package verification

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP712Domain is the typed-data domain of the settlement asset contract.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract string
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	transferAuthTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

// uint256Max bounds the decimal-string numeric fields of an authorization.
var uint256Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// parseUint256 parses a non-negative decimal string that fits in a uint256.
func parseUint256(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.New("not a decimal integer")
	}
	if n.Sign() < 0 {
		return nil, errors.New("negative value")
	}
	if n.Cmp(uint256Max) > 0 {
		return nil, errors.New("exceeds uint256")
	}
	return n, nil
}

// parseBytes32 decodes a 0x-prefixed hex string into exactly 32 bytes.
func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.New("must be exactly 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

func padUint256(n *big.Int) []byte {
	out := make([]byte, 32)
	b := n.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func padAddress(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func hashConcat(parts ...[]byte) common.Hash {
	var joined []byte
	for _, p := range parts {
		joined = append(joined, p...)
	}
	return crypto.Keccak256Hash(joined)
}

// domainSeparator computes the EIP-712 domain separator:
// keccak256(abi.encode(typeHash, keccak256(name), keccak256(version),
// chainId, verifyingContract)).
func domainSeparator(d EIP712Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == 0 || d.VerifyingContract == "" {
		return common.Hash{}, errors.New("incomplete EIP-712 domain")
	}
	return hashConcat(
		domainTypeHash.Bytes(),
		crypto.Keccak256Hash([]byte(d.Name)).Bytes(),
		crypto.Keccak256Hash([]byte(d.Version)).Bytes(),
		padUint256(new(big.Int).SetUint64(d.ChainID)),
		padAddress(common.HexToAddress(d.VerifyingContract)),
	), nil
}

// hashTransferAuthorization computes the EIP-3009 struct hash.
func hashTransferAuthorization(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	return hashConcat(
		transferAuthTypeHash.Bytes(),
		padAddress(from),
		padAddress(to),
		padUint256(value),
		padUint256(validAfter),
		padUint256(validBefore),
		nonce[:],
	)
}

// typedDataDigest is the final digest signed by the payer:
// keccak256("\x19\x01" || domainSeparator || structHash).
func typedDataDigest(domainSep, structHash common.Hash) common.Hash {
	msg := make([]byte, 0, 66)
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, domainSep.Bytes()...)
	msg = append(msg, structHash.Bytes()...)
	return crypto.Keccak256Hash(msg)
}

// recoverSigner recovers the address that produced sig over digest. sig is
// 65 bytes R||S||V; V of 0/1 is normalized to 27/28 before recovery, and
// go-ethereum expects 0/1, so the normalized value is shifted back.
func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
