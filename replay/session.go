package replay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// PrepareSession is one stage-1 offer of the group-transaction protocol.
// The facilitator must later verify the client's signature against exactly
// these bytes, so the whole offer is kept server-side.
type PrepareSession struct {
	ID        string
	Network   types.Network
	Payer     string
	PayTo     string
	Amount    string
	GroupID   []byte
	// PaymentTxn is the unsigned payer transaction issued to the client.
	PaymentTxn []byte
	// FeeTxn is the facilitator's own fee-paying transaction for the group.
	FeeTxn    []byte
	ExpiresAt time.Time
}

// SessionStore holds prepare sessions between stage 1 and stage 2. Expired
// sessions are swept on access and by Sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]PrepareSession
	ttl      time.Duration
}

// NewSessionStore builds a store whose sessions expire after ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]PrepareSession),
		ttl:      ttl,
	}
}

// Put stores a new session and returns its generated id and expiry.
func (s *SessionStore) Put(session PrepareSession) PrepareSession {
	session.ID = uuid.NewString()
	session.ExpiresAt = time.Now().Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return session
}

// Take removes and returns the session. A session can be consumed once:
// the second taker gets NONCE_ALREADY_USED, which closes the window for
// settling the same prepared group twice.
func (s *SessionStore) Take(id string) (PrepareSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return PrepareSession{}, types.NewError(types.ErrNonceAlreadyUsed, "prepare session %s not found or already consumed", id)
	}
	delete(s.sessions, id)

	if time.Now().After(session.ExpiresAt) {
		return PrepareSession{}, types.NewError(types.ErrExpiredAuthorization, "prepare session %s expired", id)
	}
	return session, nil
}

// Peek returns the session without consuming it. Verification uses it to
// check a signed transaction against the issued bytes while leaving the
// one-shot consumption to settlement.
func (s *SessionStore) Peek(id string) (PrepareSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return PrepareSession{}, types.NewError(types.ErrNonceAlreadyUsed, "prepare session %s not found or already consumed", id)
	}
	if time.Now().After(session.ExpiresAt) {
		return PrepareSession{}, types.NewError(types.ErrExpiredAuthorization, "prepare session %s expired", id)
	}
	return session, nil
}

// Sweep drops expired sessions and reports how many were removed.
func (s *SessionStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
