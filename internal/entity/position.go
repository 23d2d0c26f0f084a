package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the aggregate exposure for one (account, symbol) pair.
// Quantity is signed: positive long, negative short. A closed position
// keeps its row for history; there is at most one open position per key.
type Position struct {
	ID            string          `db:"id" json:"id"`
	AccountID     string          `db:"account_id" json:"account_id"`
	Symbol        string          `db:"symbol" json:"symbol"`
	Quantity      decimal.Decimal `db:"quantity" json:"quantity"`
	AvgEntryPrice decimal.Decimal `db:"avg_entry_price" json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `db:"realized_pnl" json:"realized_pnl"`
	OpenedAt      time.Time       `db:"opened_at" json:"opened_at"`
	ClosedAt      *time.Time      `db:"closed_at" json:"closed_at,omitempty"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (p Position) TableName() string {
	return "positions"
}

func (p Position) IsLong() bool {
	return p.Quantity.IsPositive()
}

func (p Position) IsShort() bool {
	return p.Quantity.IsNegative()
}

func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// PositionKey identifies the single-writer lane for position updates.
func PositionKey(accountID, symbol string) string {
	return fmt.Sprintf("%s:%s", accountID, symbol)
}
