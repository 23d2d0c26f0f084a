package venue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceSource values market orders for the paper venue.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

type paperOrder struct {
	venueOrderID string
	requestID    string
	symbol       string
	side         entity.OrderSide
	quantity     decimal.Decimal
	fillPrice    decimal.Decimal
	filled       bool
	cancelled    bool
}

// PaperVenue is an in-process venue connector that fills every order at
// the current market price (or the limit price when set). It backs paper
// trading and the test suite; no real money moves through it.
type PaperVenue struct {
	prices    PriceSource
	fillDelay time.Duration
	feeRate   decimal.Decimal

	mu     sync.Mutex
	orders map[string]*paperOrder // by venue order id
	byReq  map[string]*paperOrder // by client request id

	events chan entity.VenueEvent
}

func NewPaperVenue(prices PriceSource, fillDelay time.Duration) *PaperVenue {
	return &PaperVenue{
		prices:    prices,
		fillDelay: fillDelay,
		feeRate:   decimal.NewFromFloat(0.001),
		orders:    make(map[string]*paperOrder),
		byReq:     make(map[string]*paperOrder),
		events:    make(chan entity.VenueEvent, 256),
	}
}

func (v *PaperVenue) SubmitOrder(ctx context.Context, order *entity.Order) (string, error) {
	if ctx.Err() != nil {
		return "", &entity.VenueError{Kind: entity.VenueErrorNetworkTimeout, Err: ctx.Err()}
	}

	price := decimal.Zero
	if order.LimitPrice != nil && order.LimitPrice.IsPositive() {
		price = *order.LimitPrice
	} else if last, ok := v.prices.LastPrice(order.Symbol); ok {
		price = last
	}

	if !price.IsPositive() {
		return "", &entity.VenueError{Kind: entity.VenueErrorRejected, Code: "no_market_price"}
	}

	po := &paperOrder{
		venueOrderID: "paper-" + uuid.NewString(),
		requestID:    order.ID,
		symbol:       order.Symbol,
		side:         order.Side,
		quantity:     order.Quantity,
		fillPrice:    price,
	}

	v.mu.Lock()
	v.orders[po.venueOrderID] = po
	v.byReq[po.requestID] = po
	v.mu.Unlock()

	go v.fillAfterDelay(po)

	return po.venueOrderID, nil
}

func (v *PaperVenue) fillAfterDelay(po *paperOrder) {
	if v.fillDelay > 0 {
		time.Sleep(v.fillDelay)
	}

	v.mu.Lock()
	if po.cancelled {
		v.mu.Unlock()
		return
	}
	po.filled = true
	v.mu.Unlock()

	v.emit(entity.VenueEvent{
		Kind:         entity.VenueEventFill,
		VenueOrderID: po.venueOrderID,
		VenueTradeID: "paper-trade-" + uuid.NewString(),
		Quantity:     po.quantity,
		Price:        po.fillPrice,
		Fee:          po.quantity.Mul(po.fillPrice).Mul(v.feeRate),
		FeeAsset:     "USDT",
		IsMaker:      false,
		OccurredAt:   time.Now().UTC(),
	})
}

func (v *PaperVenue) CancelOrder(ctx context.Context, venueOrderID string) error {
	if ctx.Err() != nil {
		return &entity.VenueError{Kind: entity.VenueErrorNetworkTimeout, Err: ctx.Err()}
	}

	v.mu.Lock()
	po, ok := v.orders[venueOrderID]
	if !ok {
		v.mu.Unlock()
		return &entity.VenueError{Kind: entity.VenueErrorRejected, Code: "unknown_order"}
	}
	if po.filled {
		v.mu.Unlock()
		return nil // fill already won the race
	}
	po.cancelled = true
	v.mu.Unlock()

	v.emit(entity.VenueEvent{
		Kind:         entity.VenueEventCancelled,
		VenueOrderID: venueOrderID,
		OccurredAt:   time.Now().UTC(),
	})

	return nil
}

func (v *PaperVenue) QueryOrder(ctx context.Context, venueOrderID string) (*entity.VenueOrderState, error) {
	if ctx.Err() != nil {
		return nil, &entity.VenueError{Kind: entity.VenueErrorNetworkTimeout, Err: ctx.Err()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	po, ok := v.orders[venueOrderID]
	if !ok {
		return nil, nil
	}
	return po.state(), nil
}

func (v *PaperVenue) QueryOrderByRequestID(ctx context.Context, requestID string) (*entity.VenueOrderState, error) {
	if ctx.Err() != nil {
		return nil, &entity.VenueError{Kind: entity.VenueErrorNetworkTimeout, Err: ctx.Err()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	po, ok := v.byReq[requestID]
	if !ok {
		return nil, nil
	}
	return po.state(), nil
}

func (v *PaperVenue) Events() <-chan entity.VenueEvent {
	return v.events
}

func (v *PaperVenue) emit(event entity.VenueEvent) {
	select {
	case v.events <- event:
	default:
		logrus.Warn("paper venue event buffer full, dropping event")
	}
}

func (po *paperOrder) state() *entity.VenueOrderState {
	state := &entity.VenueOrderState{
		VenueOrderID:   po.venueOrderID,
		Status:         entity.OrderStatusPending,
		FilledQuantity: decimal.Zero,
	}
	switch {
	case po.filled:
		state.Status = entity.OrderStatusFilled
		state.FilledQuantity = po.quantity
	case po.cancelled:
		state.Status = entity.OrderStatusCancelled
	}
	return state
}
