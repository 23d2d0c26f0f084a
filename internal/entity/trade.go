package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable execution record for exactly one order. The
// (venue, venue trade id) pair is unique and used for idempotent
// ingestion: delivering the same trade twice is a no-op.
type Trade struct {
	ID           string          `db:"id" json:"id"`
	OrderID      string          `db:"order_id" json:"order_id"`
	AccountID    string          `db:"account_id" json:"account_id"`
	Symbol       string          `db:"symbol" json:"symbol"`
	Side         OrderSide       `db:"side" json:"side"`
	Quantity     decimal.Decimal `db:"quantity" json:"quantity"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Fee          decimal.Decimal `db:"fee" json:"fee"`
	FeeAsset     string          `db:"fee_asset" json:"fee_asset"`
	IsMaker      bool            `db:"is_maker" json:"is_maker"`
	VenueTradeID string          `db:"venue_trade_id" json:"venue_trade_id"`
	ExecutedAt   time.Time       `db:"executed_at" json:"executed_at"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

func (t Trade) TableName() string {
	return "trades"
}
