package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderKind string
type TimeInForce string
type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStop      OrderKind = "STOP"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"

	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceGTD TimeInForce = "GTD"

	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelRequested OrderStatus = "CANCEL_REQUESTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	// OrderStatusUnknown marks an order whose venue state could not be
	// confirmed within the cancel-ack timeout. It stays in this state
	// until a reconciliation pass resolves it against the venue.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// orderTransitions is the allowed status graph. Terminal states have no
// outgoing edges.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelRequested,
		OrderStatusRejected,
		OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelRequested,
	},
	OrderStatusCancelRequested: {
		OrderStatusCancelled,
		OrderStatusFilled,
		OrderStatusUnknown,
	},
	OrderStatusUnknown: {
		OrderStatusCancelled,
		OrderStatusFilled,
		OrderStatusPartiallyFilled,
	},
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

func (s OrderStatus) IsOpen() bool {
	switch s {
	case OrderStatusPending, OrderStatusPartiallyFilled, OrderStatusCancelRequested, OrderStatusUnknown:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed by the
// order lifecycle graph. Self transitions other than the ones listed are
// not allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderIntent is a request to trade. It is what callers and bots hand to
// the order manager; a persisted Order only exists once the intent passes
// validation and the risk gate.
type OrderIntent struct {
	RequestID   string
	AccountID   string
	BotID       *string
	Symbol      string
	Side        OrderSide
	Kind        OrderKind
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce TimeInForce
	ExpiresAt   *time.Time
	Source      string
}

type Order struct {
	ID             string           `db:"id" json:"id"`
	RequestID      string           `db:"request_id" json:"request_id"`
	AccountID      string           `db:"account_id" json:"account_id"`
	BotID          *string          `db:"bot_id" json:"bot_id,omitempty"`
	Symbol         string           `db:"symbol" json:"symbol"`
	Side           OrderSide        `db:"side" json:"side"`
	Kind           OrderKind        `db:"kind" json:"kind"`
	Quantity       decimal.Decimal  `db:"quantity" json:"quantity"`
	LimitPrice     *decimal.Decimal `db:"limit_price" json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `db:"stop_price" json:"stop_price,omitempty"`
	TimeInForce    TimeInForce      `db:"time_in_force" json:"time_in_force"`
	Status         OrderStatus      `db:"status" json:"status"`
	FilledQuantity decimal.Decimal  `db:"filled_quantity" json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `db:"avg_fill_price" json:"avg_fill_price,omitempty"`
	VenueOrderID   *string          `db:"venue_order_id" json:"venue_order_id,omitempty"`
	RejectReason   *string          `db:"reject_reason" json:"reject_reason,omitempty"`
	Source         string           `db:"source" json:"source"`
	ExpiresAt      *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

func (o Order) TableName() string {
	return "orders"
}

// RemainingQuantity is the unfilled part of the order.
func (o Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// SignedQuantity maps side onto sign: buys are positive, sells negative.
func SignedQuantity(side OrderSide, qty decimal.Decimal) decimal.Decimal {
	if side == OrderSideSell {
		return qty.Neg()
	}
	return qty
}
