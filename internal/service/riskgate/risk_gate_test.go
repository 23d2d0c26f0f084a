package riskgate

import (
	"context"
	"testing"

	"github.com/krobus00/trading-core/internal/audit"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	breached []string
}

func (n *recordingNotifier) NotifyDrawdownBreach(botID string) {
	n.breached = append(n.breached, botID)
}

func allowed(symbols ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		out[s] = struct{}{}
	}
	return out
}

func buyIntent(symbol string, qty float64) entity.OrderIntent {
	return entity.OrderIntent{
		RequestID: "req-1",
		AccountID: "acc-1",
		Symbol:    symbol,
		Side:      entity.OrderSideBuy,
		Kind:      entity.OrderKindMarket,
		Quantity:  decimal.NewFromFloat(qty),
	}
}

func TestEvaluateSymbolNotAllowed(t *testing.T) {
	gate := NewGate(audit.NopSink{}, nil)

	decision := gate.Evaluate(context.Background(), buyIntent("DOGEUSD", 1), AccountState{
		AllowedSymbols: allowed("BTCUSD"),
	})

	assert.False(t, decision.Accepted)
	assert.Equal(t, entity.RejectReasonSymbolNotAllowed, decision.Reason)
}

func TestEvaluateClampsToHeadroom(t *testing.T) {
	gate := NewGate(audit.NopSink{}, nil)

	// 0.5 BTC held against a 1.5 cap leaves 1.0 of headroom, so a 1.5
	// buy is clamped down instead of rejected.
	decision := gate.Evaluate(context.Background(), buyIntent("BTCUSD", 1.5), AccountState{
		AllowedSymbols:   allowed("BTCUSD"),
		PositionQuantity: decimal.NewFromFloat(0.5),
		MaxPositionSize:  decimal.NewFromFloat(1.5),
	})

	require.True(t, decision.Accepted)
	assert.True(t, decision.Clamped)
	assert.True(t, decision.AdjustedQuantity.Equal(decimal.NewFromFloat(1.0)), decision.AdjustedQuantity.String())
}

func TestEvaluateRejectsWhenNoHeadroom(t *testing.T) {
	gate := NewGate(audit.NopSink{}, nil)

	decision := gate.Evaluate(context.Background(), buyIntent("BTCUSD", 0.1), AccountState{
		AllowedSymbols:   allowed("BTCUSD"),
		PositionQuantity: decimal.NewFromFloat(1.5),
		MaxPositionSize:  decimal.NewFromFloat(1.5),
	})

	assert.False(t, decision.Accepted)
	assert.Equal(t, entity.RejectReasonPositionLimitReached, decision.Reason)
}

func TestEvaluateSellHeadroomUsesSignedPosition(t *testing.T) {
	gate := NewGate(audit.NopSink{}, nil)

	// Long 1.0 against a 1.5 cap leaves 2.5 of sell headroom, so the
	// sell passes untouched.
	intent := buyIntent("BTCUSD", 2)
	intent.Side = entity.OrderSideSell

	decision := gate.Evaluate(context.Background(), intent, AccountState{
		AllowedSymbols:   allowed("BTCUSD"),
		PositionQuantity: decimal.NewFromFloat(1.0),
		MaxPositionSize:  decimal.NewFromFloat(1.5),
	})

	require.True(t, decision.Accepted)
	assert.False(t, decision.Clamped)
	assert.True(t, decision.AdjustedQuantity.Equal(decimal.NewFromInt(2)))
}

func TestEvaluateDrawdownBreachNotifiesScheduler(t *testing.T) {
	notifier := &recordingNotifier{}
	gate := NewGate(audit.NopSink{}, notifier)

	botID := "bot-1"
	intent := buyIntent("BTCUSD", 1)
	intent.BotID = &botID

	decision := gate.Evaluate(context.Background(), intent, AccountState{
		AllowedSymbols: allowed("BTCUSD"),
		Bot: &entity.Bot{
			ID:          botID,
			RealizedPnL: decimal.NewFromInt(-600),
			Budget: entity.RiskBudget{
				MaxDrawdown: decimal.NewFromInt(500),
			},
		},
	})

	assert.False(t, decision.Accepted)
	assert.Equal(t, entity.RejectReasonDrawdownExceeded, decision.Reason)
	assert.Equal(t, []string{botID}, notifier.breached)
}

func TestEvaluateRiskFraction(t *testing.T) {
	gate := NewGate(audit.NopSink{}, nil)

	state := AccountState{
		AllowedSymbols: allowed("BTCUSD"),
		Equity:         decimal.NewFromInt(10_000),
		RiskFraction:   decimal.NewFromFloat(0.1),
		ReferencePrice: decimal.NewFromInt(50_000),
	}

	// 1 BTC at 50k notional blows the 1k budget.
	decision := gate.Evaluate(context.Background(), buyIntent("BTCUSD", 1), state)
	assert.False(t, decision.Accepted)
	assert.Equal(t, entity.RejectReasonRiskFractionExceeded, decision.Reason)

	// 0.01 BTC at 50k is 500 notional, inside budget.
	decision = gate.Evaluate(context.Background(), buyIntent("BTCUSD", 0.01), state)
	assert.True(t, decision.Accepted)
}

func TestEvaluateLimitPriceOverridesReference(t *testing.T) {
	gate := NewGate(audit.NopSink{}, nil)

	limit := decimal.NewFromInt(100)
	intent := buyIntent("BTCUSD", 1)
	intent.Kind = entity.OrderKindLimit
	intent.LimitPrice = &limit

	decision := gate.Evaluate(context.Background(), intent, AccountState{
		AllowedSymbols: allowed("BTCUSD"),
		Equity:         decimal.NewFromInt(10_000),
		RiskFraction:   decimal.NewFromFloat(0.1),
		ReferencePrice: decimal.NewFromInt(50_000),
	})

	assert.True(t, decision.Accepted)
}
