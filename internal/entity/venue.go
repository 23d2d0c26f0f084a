package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type VenueErrorKind string

const (
	VenueErrorNetworkTimeout      VenueErrorKind = "network_timeout"
	VenueErrorRejected            VenueErrorKind = "venue_rejected"
	VenueErrorInsufficientBalance VenueErrorKind = "insufficient_balance"
	VenueErrorRateLimited         VenueErrorKind = "rate_limited"
)

// VenueError is the typed failure surface of a venue connector. Raw
// transport errors never cross the connector boundary unexamined.
type VenueError struct {
	Kind VenueErrorKind
	Code string
	Err  error
}

func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue error %s(%s)", e.Kind, e.Code)
	}
	return fmt.Sprintf("venue error %s", e.Kind)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the execution engine may retry the call.
func (e *VenueError) Retryable() bool {
	return e.Kind == VenueErrorNetworkTimeout || e.Kind == VenueErrorRateLimited
}

type VenueEventKind string

const (
	VenueEventFill      VenueEventKind = "FILL"
	VenueEventCancelled VenueEventKind = "CANCELLED"
	VenueEventRejected  VenueEventKind = "REJECTED"
	VenueEventExpired   VenueEventKind = "EXPIRED"
)

// VenueEvent is an asynchronous venue callback reframed as a message.
// Fill fields are only set for VenueEventFill.
type VenueEvent struct {
	Kind         VenueEventKind
	VenueOrderID string
	VenueTradeID string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	IsMaker      bool
	Reason       string
	OccurredAt   time.Time
}

// VenueOrderState is the venue's ground-truth view of an order, used by
// the reconciliation pass and by query-before-resubmit.
type VenueOrderState struct {
	VenueOrderID   string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
}

// VenueConnector is the consumed venue interface. Submit and cancel are
// synchronous calls; fills, cancels and rejections arrive asynchronously
// on Events.
type VenueConnector interface {
	SubmitOrder(ctx context.Context, order *Order) (venueOrderID string, err error)
	CancelOrder(ctx context.Context, venueOrderID string) error
	QueryOrder(ctx context.Context, venueOrderID string) (*VenueOrderState, error)
	// QueryOrderByRequestID resolves an order by the client-assigned
	// request id, for confirming whether a timed-out submit silently
	// succeeded before re-submitting.
	QueryOrderByRequestID(ctx context.Context, requestID string) (*VenueOrderState, error)
	Events() <-chan VenueEvent
}
