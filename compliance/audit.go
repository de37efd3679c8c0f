package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/ultravioletadao/x402-facilitator/logger"
)

// Role names which counterparty matched.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// TransactionContext carries the payment detail recorded with every audit
// event.
type TransactionContext struct {
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
	Network string `json:"network"`
}

// AuditEvent is one compliance-grade record. These are retained for
// multi-year compliance windows; they carry the match detail that is never
// echoed back to the calling client.
type AuditEvent struct {
	EventID   string             `json:"event_id"`
	Timestamp time.Time          `json:"timestamp"`
	EventType string             `json:"event_type"` // sanctions_hit | blacklist_hit | clean | screening_error
	Decision  string             `json:"decision"`   // block | review | clear
	Payer     string             `json:"payer"`
	Payee     string             `json:"payee"`
	Context   TransactionContext `json:"context"`
	// Match detail, empty for clean transactions.
	MatchedAddress string `json:"matched_address,omitempty"`
	MatchedRole    Role   `json:"matched_role,omitempty"`
	ListSource     string `json:"list_source,omitempty"`
	ListChecksum   string `json:"list_checksum,omitempty"`
	EntityName     string `json:"entity_name,omitempty"`
}

// AuditLogger writes structured audit events to an append-only sink through
// the shared logging stack, under a dedicated named logger.
type AuditLogger struct {
	log          logger.Logger
	includeClean bool
}

// NewAuditLogger routes events to the "compliance_audit" child of log.
// includeClean controls whether clear decisions are recorded too.
func NewAuditLogger(log logger.Logger, includeClean bool) *AuditLogger {
	return &AuditLogger{log: log.Named("compliance_audit"), includeClean: includeClean}
}

// Log writes one event. Block and review decisions always go out; clean
// ones only when configured.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Decision == "clear" && !a.includeClean {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fields := map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"decision":   event.Decision,
		"payer":      event.Payer,
		"payee":      event.Payee,
		"amount":     event.Context.Amount,
		"asset":      event.Context.Asset,
		"network":    event.Context.Network,
	}
	if event.MatchedAddress != "" {
		fields["matched_address"] = event.MatchedAddress
		fields["matched_role"] = string(event.MatchedRole)
		fields["list_source"] = event.ListSource
		fields["list_checksum"] = event.ListChecksum
		if event.EntityName != "" {
			fields["entity_name"] = event.EntityName
		}
	}

	switch event.Decision {
	case "block":
		a.log.Error("compliance decision", fields)
	case "review":
		a.log.Warn("compliance decision", fields)
	default:
		a.log.Info("compliance decision", fields)
	}
}
