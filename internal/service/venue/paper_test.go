package venue

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPrices map[string]decimal.Decimal

func (p staticPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	price, ok := p[symbol]
	return price, ok
}

func paperOrderFixture() *entity.Order {
	return &entity.Order{
		ID:       "order-1",
		Symbol:   "BTCUSD",
		Side:     entity.OrderSideBuy,
		Kind:     entity.OrderKindMarket,
		Quantity: decimal.NewFromInt(2),
	}
}

func TestPaperVenueFillsAtMarketPrice(t *testing.T) {
	prices := staticPrices{"BTCUSD": decimal.NewFromInt(100)}
	venue := NewPaperVenue(prices, 0)

	venueOrderID, err := venue.SubmitOrder(context.Background(), paperOrderFixture())
	require.NoError(t, err)
	require.NotEmpty(t, venueOrderID)

	select {
	case event := <-venue.Events():
		assert.Equal(t, entity.VenueEventFill, event.Kind)
		assert.Equal(t, venueOrderID, event.VenueOrderID)
		assert.NotEmpty(t, event.VenueTradeID)
		assert.True(t, event.Quantity.Equal(decimal.NewFromInt(2)))
		assert.True(t, event.Price.Equal(decimal.NewFromInt(100)))
		assert.True(t, event.Fee.Equal(decimal.NewFromFloat(0.2)))
	case <-time.After(time.Second):
		t.Fatal("no fill event")
	}
}

func TestPaperVenueFillsAtLimitPrice(t *testing.T) {
	prices := staticPrices{"BTCUSD": decimal.NewFromInt(100)}
	venue := NewPaperVenue(prices, 0)

	order := paperOrderFixture()
	limit := decimal.NewFromInt(95)
	order.LimitPrice = &limit

	_, err := venue.SubmitOrder(context.Background(), order)
	require.NoError(t, err)

	select {
	case event := <-venue.Events():
		assert.True(t, event.Price.Equal(decimal.NewFromInt(95)))
	case <-time.After(time.Second):
		t.Fatal("no fill event")
	}
}

func TestPaperVenueRejectsWithoutMarketPrice(t *testing.T) {
	venue := NewPaperVenue(staticPrices{}, 0)

	_, err := venue.SubmitOrder(context.Background(), paperOrderFixture())
	require.Error(t, err)

	var venueErr *entity.VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, entity.VenueErrorRejected, venueErr.Kind)
	assert.False(t, venueErr.Retryable())
}

func TestPaperVenueCancelBeforeFill(t *testing.T) {
	prices := staticPrices{"BTCUSD": decimal.NewFromInt(100)}
	venue := NewPaperVenue(prices, time.Second)

	venueOrderID, err := venue.SubmitOrder(context.Background(), paperOrderFixture())
	require.NoError(t, err)

	require.NoError(t, venue.CancelOrder(context.Background(), venueOrderID))

	select {
	case event := <-venue.Events():
		assert.Equal(t, entity.VenueEventCancelled, event.Kind)
		assert.Equal(t, venueOrderID, event.VenueOrderID)
	case <-time.After(time.Second):
		t.Fatal("no cancel event")
	}

	state, err := venue.QueryOrder(context.Background(), venueOrderID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, entity.OrderStatusCancelled, state.Status)
}

func TestPaperVenueCancelAfterFillIsNoop(t *testing.T) {
	prices := staticPrices{"BTCUSD": decimal.NewFromInt(100)}
	venue := NewPaperVenue(prices, 0)

	venueOrderID, err := venue.SubmitOrder(context.Background(), paperOrderFixture())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := venue.QueryOrder(context.Background(), venueOrderID)
		return err == nil && state != nil && state.Status == entity.OrderStatusFilled
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, venue.CancelOrder(context.Background(), venueOrderID))

	state, err := venue.QueryOrder(context.Background(), venueOrderID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFilled, state.Status)
	assert.True(t, state.FilledQuantity.Equal(decimal.NewFromInt(2)))
}

func TestPaperVenueCancelUnknownOrder(t *testing.T) {
	venue := NewPaperVenue(staticPrices{}, 0)

	err := venue.CancelOrder(context.Background(), "missing")
	var venueErr *entity.VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, "unknown_order", venueErr.Code)
}

func TestPaperVenueQueryByRequestID(t *testing.T) {
	prices := staticPrices{"BTCUSD": decimal.NewFromInt(100)}
	venue := NewPaperVenue(prices, time.Second)

	order := paperOrderFixture()
	_, err := venue.SubmitOrder(context.Background(), order)
	require.NoError(t, err)

	state, err := venue.QueryOrderByRequestID(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, entity.OrderStatusPending, state.Status)

	state, err = venue.QueryOrderByRequestID(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.Nil(t, state)
}
