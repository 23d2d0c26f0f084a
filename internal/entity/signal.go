package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type SignalDirection string

const (
	SignalDirectionLong  SignalDirection = "LONG"
	SignalDirectionShort SignalDirection = "SHORT"
	SignalDirectionFlat  SignalDirection = "FLAT"
)

// Signal is an ephemeral strategy output. It is consumed at most once by
// the order manager or discarded once expired; only the audit trail keeps
// a record of it.
type Signal struct {
	BotID       string           `json:"bot_id"`
	AccountID   string           `json:"account_id"`
	Symbol      string           `json:"symbol"`
	Direction   SignalDirection  `json:"direction"`
	Quantity    decimal.Decimal  `json:"quantity"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	Confidence  decimal.Decimal  `json:"confidence"`
	GeneratedAt time.Time        `json:"generated_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
