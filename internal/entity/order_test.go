package entity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{"pending to partial", OrderStatusPending, OrderStatusPartiallyFilled, true},
		{"pending to filled", OrderStatusPending, OrderStatusFilled, true},
		{"pending to cancel requested", OrderStatusPending, OrderStatusCancelRequested, true},
		{"pending to rejected", OrderStatusPending, OrderStatusRejected, true},
		{"pending to expired", OrderStatusPending, OrderStatusExpired, true},
		{"pending to cancelled skips request", OrderStatusPending, OrderStatusCancelled, false},
		{"partial to partial", OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{"partial to filled", OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{"partial to cancel requested", OrderStatusPartiallyFilled, OrderStatusCancelRequested, true},
		{"partial to expired", OrderStatusPartiallyFilled, OrderStatusExpired, false},
		{"cancel requested to cancelled", OrderStatusCancelRequested, OrderStatusCancelled, true},
		{"fill wins cancel race", OrderStatusCancelRequested, OrderStatusFilled, true},
		{"cancel requested to unknown", OrderStatusCancelRequested, OrderStatusUnknown, true},
		{"cancel requested back to pending", OrderStatusCancelRequested, OrderStatusPending, false},
		{"unknown to cancelled", OrderStatusUnknown, OrderStatusCancelled, true},
		{"unknown to filled", OrderStatusUnknown, OrderStatusFilled, true},
		{"unknown to partial", OrderStatusUnknown, OrderStatusPartiallyFilled, true},
		{"filled is terminal", OrderStatusFilled, OrderStatusCancelled, false},
		{"cancelled is terminal", OrderStatusCancelled, OrderStatusFilled, false},
		{"rejected is terminal", OrderStatusRejected, OrderStatusPending, false},
		{"expired is terminal", OrderStatusExpired, OrderStatusFilled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestOrderStatusClassification(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired}
	for _, status := range terminal {
		assert.True(t, status.IsTerminal(), string(status))
		assert.False(t, status.IsOpen(), string(status))
	}

	open := []OrderStatus{OrderStatusPending, OrderStatusPartiallyFilled, OrderStatusCancelRequested, OrderStatusUnknown}
	for _, status := range open {
		assert.True(t, status.IsOpen(), string(status))
		assert.False(t, status.IsTerminal(), string(status))
	}
}

func TestRemainingQuantity(t *testing.T) {
	order := Order{
		Quantity:       decimal.NewFromInt(2),
		FilledQuantity: decimal.NewFromFloat(1.2),
	}
	assert.True(t, order.RemainingQuantity().Equal(decimal.NewFromFloat(0.8)))
}

func TestSignedQuantity(t *testing.T) {
	qty := decimal.NewFromFloat(1.5)
	assert.True(t, SignedQuantity(OrderSideBuy, qty).Equal(qty))
	assert.True(t, SignedQuantity(OrderSideSell, qty).Equal(qty.Neg()))
}

func TestBotStatusTransitions(t *testing.T) {
	assert.True(t, BotStatusStopped.CanTransition(BotStatusStarting))
	assert.True(t, BotStatusStarting.CanTransition(BotStatusRunning))
	assert.True(t, BotStatusRunning.CanTransition(BotStatusStopping))
	assert.True(t, BotStatusRunning.CanTransition(BotStatusErrored))
	assert.True(t, BotStatusStopping.CanTransition(BotStatusStopped))
	assert.True(t, BotStatusErrored.CanTransition(BotStatusStarting))

	assert.False(t, BotStatusErrored.CanTransition(BotStatusRunning))
	assert.False(t, BotStatusStopped.CanTransition(BotStatusRunning))
	assert.False(t, BotStatusRunning.CanTransition(BotStatusStarting))
}
