package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// BlacklistEntry is one manually blocked wallet.
type BlacklistEntry struct {
	AccountType string `json:"account_type"`
	Wallet      string `json:"wallet"`
	Reason      string `json:"reason"`
}

// Blacklist is the operator-curated block list, checked before any
// sanctions list.
type Blacklist struct {
	addresses map[string]BlacklistEntry
	meta      ListMetadata
}

// LoadBlacklist reads a blacklist JSON file (an array of entries).
func LoadBlacklist(path string) (*Blacklist, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blacklist file %s: %w", path, err)
	}
	return ParseBlacklist(content)
}

// ParseBlacklist indexes a blacklist from raw bytes.
func ParseBlacklist(content []byte) (*Blacklist, error) {
	sum := sha256.Sum256(content)

	var entries []BlacklistEntry
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("parse blacklist JSON: %w", err)
	}

	addresses := make(map[string]BlacklistEntry, len(entries))
	for _, e := range entries {
		key := normalize(e.Wallet)
		if key != "" {
			addresses[key] = e
		}
	}

	return &Blacklist{
		addresses: addresses,
		meta: ListMetadata{
			Name:        "blacklist",
			RecordCount: len(addresses),
			Checksum:    hex.EncodeToString(sum[:]),
			LoadedAt:    time.Now().UTC(),
		},
	}, nil
}

// EmptyBlacklist returns a blacklist with no entries.
func EmptyBlacklist() *Blacklist {
	return &Blacklist{
		addresses: map[string]BlacklistEntry{},
		meta:      ListMetadata{Name: "blacklist", LoadedAt: time.Now().UTC()},
	}
}

func (b *Blacklist) IsSanctioned(address string) bool {
	_, ok := b.addresses[normalize(address)]
	return ok
}

// Reason returns the recorded block reason for an address, if any.
func (b *Blacklist) Reason(address string) (string, bool) {
	e, ok := b.addresses[normalize(address)]
	return e.Reason, ok
}

func (b *Blacklist) Metadata() ListMetadata { return b.meta }
