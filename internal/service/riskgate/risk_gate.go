package riskgate

import (
	"context"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AccountState is the snapshot Evaluate judges an intent against. The
// order manager assembles it from the position manager and bot registry
// right before calling in.
type AccountState struct {
	AllowedSymbols map[string]struct{}
	// PositionQuantity is the signed open quantity for the intent's
	// symbol. Zero when flat.
	PositionQuantity decimal.Decimal
	MaxPositionSize  decimal.Decimal
	Equity           decimal.Decimal
	RiskFraction     decimal.Decimal
	// ReferencePrice values market orders for the notional check. Limit
	// intents use their own limit price instead.
	ReferencePrice decimal.Decimal
	Bot            *entity.Bot
}

type Decision struct {
	Accepted         bool
	AdjustedQuantity decimal.Decimal
	Clamped          bool
	Reason           entity.RejectReason
}

func accept(qty decimal.Decimal, clamped bool) Decision {
	return Decision{Accepted: true, AdjustedQuantity: qty, Clamped: clamped}
}

func reject(reason entity.RejectReason) Decision {
	return Decision{Reason: reason}
}

// DrawdownNotifier lets the gate tell the bot scheduler to stop a bot
// whose loss budget is spent, without importing the scheduler.
type DrawdownNotifier interface {
	NotifyDrawdownBreach(botID string)
}

type Gate struct {
	audit    entity.AuditSink
	notifier DrawdownNotifier
}

func NewGate(audit entity.AuditSink, notifier DrawdownNotifier) *Gate {
	return &Gate{audit: audit, notifier: notifier}
}

// SetNotifier attaches the bot scheduler after construction. Call it
// during wiring, before traffic starts.
func (g *Gate) SetNotifier(notifier DrawdownNotifier) {
	g.notifier = notifier
}

// Evaluate runs the risk checks in order, short-circuiting on the first
// failure. An oversized order is clamped down to the remaining position
// headroom rather than rejected, unless headroom is zero.
func (g *Gate) Evaluate(ctx context.Context, intent entity.OrderIntent, state AccountState) Decision {
	if _, ok := state.AllowedSymbols[intent.Symbol]; !ok {
		return g.rejected(intent, entity.RejectReasonSymbolNotAllowed)
	}

	quantity := intent.Quantity
	if state.MaxPositionSize.IsPositive() {
		headroom := positionHeadroom(intent.Side, state.PositionQuantity, state.MaxPositionSize)
		if headroom.LessThanOrEqual(decimal.Zero) {
			return g.rejected(intent, entity.RejectReasonPositionLimitReached)
		}

		if quantity.GreaterThan(headroom) {
			quantity = headroom
			g.audit.Emit(entity.AuditEvent{
				Type:      entity.AuditRiskClamped,
				AccountID: intent.AccountID,
				Symbol:    intent.Symbol,
				Payload: map[string]string{
					"requested": intent.Quantity.String(),
					"clamped":   quantity.String(),
				},
				OccurredAt: time.Now().UTC(),
			})
		}
	}

	if state.Bot != nil {
		budget := state.Bot.Budget
		if budget.MaxDrawdown.IsPositive() && state.Bot.RealizedPnL.LessThanOrEqual(budget.MaxDrawdown.Neg()) {
			if g.notifier != nil {
				g.notifier.NotifyDrawdownBreach(state.Bot.ID)
			}
			return g.rejected(intent, entity.RejectReasonDrawdownExceeded)
		}
	}

	if state.RiskFraction.IsPositive() && state.Equity.IsPositive() {
		price := referencePrice(intent, state)
		if price.IsPositive() {
			notional := quantity.Mul(price)
			budget := state.Equity.Mul(state.RiskFraction)
			if notional.GreaterThan(budget) {
				return g.rejected(intent, entity.RejectReasonRiskFractionExceeded)
			}
		}
	}

	return accept(quantity, !quantity.Equal(intent.Quantity))
}

func (g *Gate) rejected(intent entity.OrderIntent, reason entity.RejectReason) Decision {
	logrus.WithFields(logrus.Fields{
		"account": intent.AccountID,
		"symbol":  intent.Symbol,
		"reason":  reason,
	}).Info("risk gate rejection")

	event := entity.AuditEvent{
		Type:       entity.AuditRiskRejected,
		AccountID:  intent.AccountID,
		Symbol:     intent.Symbol,
		Reason:     string(reason),
		OccurredAt: time.Now().UTC(),
	}
	if intent.BotID != nil {
		event.BotID = *intent.BotID
	}
	g.audit.Emit(event)

	return reject(reason)
}

// positionHeadroom is how much more the account may trade in the order's
// direction before |position| would exceed the cap.
func positionHeadroom(side entity.OrderSide, position, maxSize decimal.Decimal) decimal.Decimal {
	if side == entity.OrderSideBuy {
		return maxSize.Sub(position)
	}
	return maxSize.Add(position)
}

func referencePrice(intent entity.OrderIntent, state AccountState) decimal.Decimal {
	if intent.LimitPrice != nil && intent.LimitPrice.IsPositive() {
		return *intent.LimitPrice
	}
	return state.ReferencePrice
}
