// Package compliance screens payment counterparties against sanctions lists
// and a custom blacklist, and writes compliance-grade audit records for
// every decision.
package compliance

import "time"

// SanctionsList is an address-keyed set with versioning metadata. Lookups
// are exact-match over case-normalized addresses.
type SanctionsList interface {
	// IsSanctioned reports whether the address appears on the list.
	IsSanctioned(address string) bool

	// Metadata describes the loaded list.
	Metadata() ListMetadata
}

// ListMetadata identifies a loaded list and its version for audit records.
type ListMetadata struct {
	Name        string    `json:"name"`
	RecordCount int       `json:"recordCount"`
	Checksum    string    `json:"checksum,omitempty"`
	SourceURL   string    `json:"sourceUrl,omitempty"`
	LoadedAt    time.Time `json:"loadedAt"`
}
