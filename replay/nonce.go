// Package replay prevents reuse of payment authorizations. For families
// with native on-chain nonce enforcement it is advisory only; for
// ledger-authorization and group-transaction families it is authoritative.
package replay

import (
	"sync"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// nonceKey identifies one authorization for replay purposes.
type nonceKey struct {
	owner string
	nonce uint64
}

// NonceStore tracks facilitator-side nonces for families whose chains do
// not enforce them. Reserve is an atomic check-then-insert: two concurrent
// settlements for the same (owner, nonce) get exactly one success.
type NonceStore struct {
	mu      sync.Mutex
	records map[nonceKey]uint32 // value: expiry ledger/round
}

// NewNonceStore builds an empty store.
func NewNonceStore() *NonceStore {
	return &NonceStore{records: make(map[nonceKey]uint32)}
}

// Check reports an error when the (owner, nonce) pair was already accepted.
// It does not reserve; verification uses it to reject early without
// claiming the nonce.
func (s *NonceStore) Check(owner string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.records[nonceKey{owner, nonce}]; used {
		return types.NewError(types.ErrNonceAlreadyUsed, "nonce %d already used for %s", nonce, owner)
	}
	return nil
}

// Reserve atomically claims the (owner, nonce) pair until expiryLedger.
// The second of two racing callers gets NONCE_ALREADY_USED.
func (s *NonceStore) Reserve(owner string, nonce uint64, expiryLedger uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nonceKey{owner, nonce}
	if _, used := s.records[key]; used {
		return types.NewError(types.ErrNonceAlreadyUsed, "nonce %d already used for %s", nonce, owner)
	}
	s.records[key] = expiryLedger
	return nil
}

// Release frees a reservation whose settlement failed before broadcast, so
// the payer can retry with the same authorization.
func (s *NonceStore) Release(owner string, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, nonceKey{owner, nonce})
}

// Cleanup purges records whose expiry ledger has passed. Once purged, a
// resubmission with the same nonce is treated as new input: the underlying
// authorization expired with the ledger window, so it can no longer settle.
func (s *NonceStore) Cleanup(currentLedger uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, expiry := range s.records {
		if expiry <= currentLedger {
			delete(s.records, key)
			purged++
		}
	}
	return purged
}

// Len reports the number of live records.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
