package pnl

import (
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
)

// PositionView is what the calculator needs from the position manager.
type PositionView interface {
	GetOpen(accountID, symbol string) (entity.Position, bool)
	ListOpenByAccount(accountID string) []entity.Position
}

// PriceView is what the calculator needs from the market data hub.
type PriceView interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Calculator derives unrealized and total PnL on demand. It holds no
// state of its own; everything is computed from positions and the
// current price table.
type Calculator struct {
	positions PositionView
	prices    PriceView
}

func NewCalculator(positions PositionView, prices PriceView) *Calculator {
	return &Calculator{positions: positions, prices: prices}
}

type SymbolReport struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type AccountReport struct {
	AccountID       string          `json:"account_id"`
	Symbols         []SymbolReport  `json:"symbols"`
	RealizedTotal   decimal.Decimal `json:"realized_total"`
	UnrealizedTotal decimal.Decimal `json:"unrealized_total"`
	Total           decimal.Decimal `json:"total"`
}

// Unrealized computes (market − avg entry) × quantity for the open
// position; the signed quantity carries the direction so shorts profit
// on falling prices. Missing market data yields zero.
func (c *Calculator) Unrealized(accountID, symbol string) decimal.Decimal {
	pos, ok := c.positions.GetOpen(accountID, symbol)
	if !ok {
		return decimal.Zero
	}

	price, ok := c.prices.LastPrice(symbol)
	if !ok {
		return decimal.Zero
	}

	return unrealized(pos, price)
}

// Report aggregates realized and unrealized PnL across every open
// position of the account.
func (c *Calculator) Report(accountID string) AccountReport {
	report := AccountReport{
		AccountID:       accountID,
		Symbols:         make([]SymbolReport, 0),
		RealizedTotal:   decimal.Zero,
		UnrealizedTotal: decimal.Zero,
	}

	for _, pos := range c.positions.ListOpenByAccount(accountID) {
		price, haveMarket := c.prices.LastPrice(pos.Symbol)

		entry := SymbolReport{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: decimal.Zero,
		}
		if haveMarket {
			entry.MarketPrice = price
			entry.UnrealizedPnL = unrealized(pos, price)
		}

		report.Symbols = append(report.Symbols, entry)
		report.RealizedTotal = report.RealizedTotal.Add(entry.RealizedPnL)
		report.UnrealizedTotal = report.UnrealizedTotal.Add(entry.UnrealizedPnL)
	}

	report.Total = report.RealizedTotal.Add(report.UnrealizedTotal)
	return report
}

func unrealized(pos entity.Position, marketPrice decimal.Decimal) decimal.Decimal {
	return marketPrice.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
}
