package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// OFACAddress is one sanctioned address entry in the OFAC export.
type OFACAddress struct {
	Address    string `json:"address"`
	Blockchain string `json:"blockchain"`
	EntityName string `json:"entity_name"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

// ofacFile is the root structure of the OFAC addresses JSON file.
type ofacFile struct {
	Metadata struct {
		Source         string   `json:"source"`
		SourceURL      string   `json:"source_url"`
		GeneratedAt    string   `json:"generated_at"`
		TotalAddresses int      `json:"total_addresses"`
		Currencies     []string `json:"currencies"`
	} `json:"metadata"`
	Addresses []OFACAddress `json:"addresses"`
}

// OFACList is the OFAC SDN sanctions list indexed for O(1) lookups.
type OFACList struct {
	addresses map[string]OFACAddress
	meta      ListMetadata
}

// LoadOFAC reads and indexes an OFAC addresses JSON file. The SHA-256
// checksum of the raw file becomes the list version in audit records.
func LoadOFAC(path string) (*OFACList, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OFAC file %s: %w", path, err)
	}
	return ParseOFAC(content)
}

// ParseOFAC indexes an OFAC export from raw bytes.
func ParseOFAC(content []byte) (*OFACList, error) {
	sum := sha256.Sum256(content)

	var file ofacFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse OFAC JSON: %w", err)
	}

	addresses := make(map[string]OFACAddress, len(file.Addresses))
	for _, a := range file.Addresses {
		addresses[normalize(a.Address)] = a
	}

	return &OFACList{
		addresses: addresses,
		meta: ListMetadata{
			Name:        "OFAC_SDN",
			RecordCount: len(addresses),
			Checksum:    hex.EncodeToString(sum[:]),
			SourceURL:   file.Metadata.SourceURL,
			LoadedAt:    time.Now().UTC(),
		},
	}, nil
}

func (l *OFACList) IsSanctioned(address string) bool {
	_, ok := l.addresses[normalize(address)]
	return ok
}

// EntityInfo returns the sanctioned-entity record for an address, if any.
func (l *OFACList) EntityInfo(address string) (OFACAddress, bool) {
	a, ok := l.addresses[normalize(address)]
	return a, ok
}

func (l *OFACList) Metadata() ListMetadata { return l.meta }

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
