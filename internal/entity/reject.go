package entity

import "fmt"

// RejectReason is the machine-readable code attached to every synchronous
// rejection and every terminal failure surfaced to a caller or bot.
type RejectReason string

const (
	RejectReasonInvalidQuantity      RejectReason = "invalid_quantity"
	RejectReasonUnknownSymbol        RejectReason = "unknown_symbol"
	RejectReasonPriceRequired        RejectReason = "price_required"
	RejectReasonSymbolNotAllowed     RejectReason = "symbol_not_allowed"
	RejectReasonPositionLimitReached RejectReason = "position_limit_reached"
	RejectReasonDrawdownExceeded     RejectReason = "drawdown_exceeded"
	RejectReasonRiskFractionExceeded RejectReason = "risk_fraction_exceeded"
	RejectReasonDuplicateRequest     RejectReason = "duplicate_request"
	RejectReasonVenueUnresponsive    RejectReason = "venue_unresponsive"
	RejectReasonVenueRejected        RejectReason = "venue_rejected"
	RejectReasonOrderExpired         RejectReason = "order_expired"
)

// RejectionError carries a reject reason across a call boundary while
// still satisfying the error interface.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rejected: %s (%s)", e.Reason, e.Detail)
	}
	return fmt.Sprintf("rejected: %s", e.Reason)
}

func NewRejection(reason RejectReason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail}
}
