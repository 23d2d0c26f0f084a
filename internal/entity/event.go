package entity

import (
	"context"
	"time"
)

type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

type AuditEventType string

const (
	AuditOrderSubmitted   AuditEventType = "order.submitted"
	AuditOrderFilled      AuditEventType = "order.filled"
	AuditOrderPartialFill AuditEventType = "order.partial_fill"
	AuditOrderCancelled   AuditEventType = "order.cancelled"
	AuditOrderRejected    AuditEventType = "order.rejected"
	AuditOrderExpired     AuditEventType = "order.expired"
	AuditOrderUnknown     AuditEventType = "order.reconciliation_required"
	AuditRiskRejected     AuditEventType = "risk.rejected"
	AuditRiskClamped      AuditEventType = "risk.clamped"
	AuditBotStarted       AuditEventType = "bot.started"
	AuditBotStopped       AuditEventType = "bot.stopped"
	AuditBotErrored       AuditEventType = "bot.errored"
	AuditSignalEmitted    AuditEventType = "signal.emitted"
	AuditSignalExpired    AuditEventType = "signal.expired"
)

type AuditEvent struct {
	Type       AuditEventType `json:"type"`
	AccountID  string         `json:"account_id,omitempty"`
	BotID      string         `json:"bot_id,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Payload    any            `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AuditSink receives every state transition. Delivery is best effort and
// must never block the caller's critical path.
type AuditSink interface {
	Emit(event AuditEvent)
}
