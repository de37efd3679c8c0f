package compliance

import (
	"sync/atomic"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// FailMode decides what screening does when its own machinery fails.
type FailMode string

const (
	// FailClosed blocks all traffic when lists cannot be loaded or a
	// lookup errors. Screening that silently becomes a no-op is a
	// compliance defect, so this is the default for list-load failure.
	FailClosed FailMode = "closed"
	// FailOpen lets traffic through on internal error.
	FailOpen FailMode = "open"
)

// Decision is the ternary screening outcome. Match detail lives in the
// audit log, not here; Reason is safe to return to the caller.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	// Match is populated on Block for audit logging only. It must not be
	// serialized into client responses.
	Match *Match `json:"-"`
}

// Outcome enumerates the screening decisions.
type Outcome string

const (
	OutcomeClear  Outcome = "clear"
	OutcomeReview Outcome = "review"
	OutcomeBlock  Outcome = "block"
)

// Match records which address matched which list.
type Match struct {
	Address      string
	Role         Role
	ListSource   string
	ListChecksum string
	EntityName   string
}

// snapshot is one immutable view of all loaded lists. Readers grab the
// whole snapshot with a single atomic load, so a concurrent reload can
// never expose a partially updated set.
type snapshot struct {
	blacklist *Blacklist
	sanctions []SanctionsList
	loadErr   error
}

// Screener screens payer and payee against the active list snapshot.
type Screener struct {
	current  atomic.Pointer[snapshot]
	audit    *AuditLogger
	failMode FailMode
}

// NewScreener builds a screener with no lists loaded. Until Reload
// succeeds, behavior follows the fail mode.
func NewScreener(audit *AuditLogger, failMode FailMode) *Screener {
	s := &Screener{audit: audit, failMode: failMode}
	s.current.Store(&snapshot{blacklist: EmptyBlacklist()})
	return s
}

// Reload atomically swaps in a fresh snapshot. A nil blacklist keeps
// screening sanctions-only. Passing loadErr marks the snapshot failed,
// which blocks everything under FailClosed.
func (s *Screener) Reload(blacklist *Blacklist, sanctions []SanctionsList, loadErr error) {
	if blacklist == nil {
		blacklist = EmptyBlacklist()
	}
	s.current.Store(&snapshot{
		blacklist: blacklist,
		sanctions: sanctions,
		loadErr:   loadErr,
	})
}

// Ready reports whether screening is operational. Under FailClosed a failed
// load means the whole service must refuse verify/settle.
func (s *Screener) Ready() bool {
	snap := s.current.Load()
	return snap.loadErr == nil || s.failMode == FailOpen
}

// ListMetadata describes every loaded list for the health endpoint.
func (s *Screener) ListMetadata() []ListMetadata {
	snap := s.current.Load()
	out := []ListMetadata{snap.blacklist.Metadata()}
	for _, l := range snap.sanctions {
		out = append(out, l.Metadata())
	}
	return out
}

// ScreenPayment screens both counterparties. A clean payer sending to a
// sanctioned payee must block, so both roles are always checked. One audit
// event is emitted per decision.
func (s *Screener) ScreenPayment(payer, payee string, txCtx TransactionContext) Decision {
	snap := s.current.Load()

	if snap.loadErr != nil {
		if s.failMode == FailOpen {
			s.audit.Log(AuditEvent{
				EventType: "screening_error",
				Decision:  "clear",
				Payer:     payer,
				Payee:     payee,
				Context:   txCtx,
			})
			return Decision{Outcome: OutcomeClear}
		}
		s.audit.Log(AuditEvent{
			EventType: "screening_error",
			Decision:  "block",
			Payer:     payer,
			Payee:     payee,
			Context:   txCtx,
		})
		return Decision{
			Outcome: OutcomeBlock,
			Reason:  "compliance screening unavailable",
		}
	}

	for _, check := range []struct {
		address string
		role    Role
	}{
		{payer, RolePayer},
		{payee, RolePayee},
	} {
		// Blacklist first: operator blocks take precedence over any list.
		if snap.blacklist.IsSanctioned(check.address) {
			match := &Match{
				Address:      check.address,
				Role:         check.role,
				ListSource:   snap.blacklist.Metadata().Name,
				ListChecksum: snap.blacklist.Metadata().Checksum,
			}
			s.logMatch("blacklist_hit", payer, payee, txCtx, match)
			return blockDecision(check.role, match)
		}

		for _, list := range snap.sanctions {
			if list.IsSanctioned(check.address) {
				meta := list.Metadata()
				match := &Match{
					Address:      check.address,
					Role:         check.role,
					ListSource:   meta.Name,
					ListChecksum: meta.Checksum,
				}
				if ofac, ok := list.(*OFACList); ok {
					if info, found := ofac.EntityInfo(check.address); found {
						match.EntityName = info.EntityName
					}
				}
				s.logMatch("sanctions_hit", payer, payee, txCtx, match)
				return blockDecision(check.role, match)
			}
		}
	}

	s.audit.Log(AuditEvent{
		EventType: "clean",
		Decision:  "clear",
		Payer:     payer,
		Payee:     payee,
		Context:   txCtx,
	})
	return Decision{Outcome: OutcomeClear}
}

// BlockedError converts a block decision into the minimal non-leaking
// error returned to the caller: the role but never the matched entity.
func (d Decision) BlockedError() error {
	if d.Outcome != OutcomeBlock {
		return nil
	}
	role := ""
	if d.Match != nil {
		role = string(d.Match.Role)
	}
	if role == "" {
		return types.NewError(types.ErrBlockedAddress, "payment blocked by compliance screening")
	}
	return types.NewError(types.ErrBlockedAddress, "payment blocked by compliance screening (%s)", role)
}

func blockDecision(role Role, match *Match) Decision {
	return Decision{
		Outcome: OutcomeBlock,
		Reason:  "address blocked (" + string(role) + ")",
		Match:   match,
	}
}

func (s *Screener) logMatch(eventType, payer, payee string, txCtx TransactionContext, match *Match) {
	s.audit.Log(AuditEvent{
		EventType:      eventType,
		Decision:       "block",
		Payer:          payer,
		Payee:          payee,
		Context:        txCtx,
		MatchedAddress: match.Address,
		MatchedRole:    match.Role,
		ListSource:     match.ListSource,
		ListChecksum:   match.ListChecksum,
		EntityName:     match.EntityName,
	})
}
