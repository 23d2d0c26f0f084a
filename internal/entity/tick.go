package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one market-data update. Sequence is monotonically increasing
// per symbol at the feed; consumers drop ticks whose sequence is not
// newer than the last applied one.
type Tick struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Time     time.Time       `json:"time"`
	Sequence uint64          `json:"sequence"`
}
