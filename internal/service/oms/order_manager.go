package oms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/riskgate"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order already in a terminal state")
	ErrCancelNotAllowed  = errors.New("order cannot be cancelled in its current state")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOverfill          = errors.New("fill exceeds requested quantity")
	ErrInvalidTrade      = errors.New("trade quantity must be positive")
	ErrNoSubmitter       = errors.New("no venue submitter attached")
)

// VenueSubmitter is the execution engine as seen from the order manager.
// Both calls are asynchronous; outcomes come back through the Mark* and
// OnFill entry points.
type VenueSubmitter interface {
	SubmitOrder(ctx context.Context, order *entity.Order)
	RequestCancel(ctx context.Context, order *entity.Order)
}

// PositionApplier is the position manager surface the order manager
// routes trades through.
type PositionApplier interface {
	Apply(ctx context.Context, trade *entity.Trade) (*entity.Position, decimal.Decimal, error)
	OpenQuantity(accountID, symbol string) decimal.Decimal
}

// BotView resolves bot risk budgets and accumulates per-bot realized
// PnL. The scheduler implements it; a nil view disables bot checks.
type BotView interface {
	GetBot(ctx context.Context, botID string) (*entity.Bot, error)
	AddRealizedPnL(botID string, delta decimal.Decimal)
}

type RiskEvaluator interface {
	Evaluate(ctx context.Context, intent entity.OrderIntent, state riskgate.AccountState) riskgate.Decision
}

type PriceView interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// RiskParams are the account-level defaults used to assemble the risk
// gate's account state; a bot's own budget overrides them where set.
type RiskParams struct {
	AllowedSymbols  map[string]struct{}
	MaxPositionSize decimal.Decimal
	RiskFraction    decimal.Decimal
	AccountEquity   decimal.Decimal
}

// OrderManager owns order identity and the status state machine. Every
// mutation of an order goes through here, serialized per order id.
type OrderManager struct {
	orders    entity.OrderStore
	trades    entity.TradeStore
	gate      RiskEvaluator
	positions PositionApplier
	bots      BotView
	prices    PriceView
	audit     entity.AuditSink
	risk      RiskParams

	submitterMu sync.RWMutex
	submitter   VenueSubmitter

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex
}

func NewOrderManager(
	orders entity.OrderStore,
	trades entity.TradeStore,
	gate RiskEvaluator,
	positions PositionApplier,
	bots BotView,
	prices PriceView,
	audit entity.AuditSink,
	risk RiskParams,
) *OrderManager {
	return &OrderManager{
		orders:    orders,
		trades:    trades,
		gate:      gate,
		positions: positions,
		bots:      bots,
		prices:    prices,
		audit:     audit,
		risk:      risk,
		keys:      make(map[string]*sync.Mutex),
	}
}

// SetBotView attaches the bot scheduler. Like SetSubmitter, wiring
// happens after both sides exist; call it before traffic starts.
func (m *OrderManager) SetBotView(bots BotView) {
	m.bots = bots
}

// SetSubmitter attaches the execution engine. Wiring happens after both
// sides exist, so this cannot be a constructor argument.
func (m *OrderManager) SetSubmitter(s VenueSubmitter) {
	m.submitterMu.Lock()
	m.submitter = s
	m.submitterMu.Unlock()
}

func (m *OrderManager) getSubmitter() VenueSubmitter {
	m.submitterMu.RLock()
	defer m.submitterMu.RUnlock()
	return m.submitter
}

func (m *OrderManager) orderLock(orderID string) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	lock, ok := m.keys[orderID]
	if !ok {
		lock = &sync.Mutex{}
		m.keys[orderID] = lock
	}
	return lock
}

// Submit validates the intent, runs it through the risk gate and, on
// acceptance, persists a pending order and hands it to the execution
// engine. Rejections never create a persisted order.
func (m *OrderManager) Submit(ctx context.Context, intent entity.OrderIntent) (*entity.Order, error) {
	submitter := m.getSubmitter()
	if submitter == nil {
		return nil, ErrNoSubmitter
	}

	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if intent.ExpiresAt != nil && now.After(*intent.ExpiresAt) {
		return nil, entity.NewRejection(entity.RejectReasonOrderExpired, "intent expired before submission")
	}

	if intent.RequestID != "" {
		existing, err := m.orders.GetByRequestID(ctx, intent.RequestID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			logrus.Warnf("duplicate order request: %s", intent.RequestID)
			return nil, entity.NewRejection(entity.RejectReasonDuplicateRequest, intent.RequestID)
		}
	}

	state, err := m.accountState(ctx, intent)
	if err != nil {
		return nil, err
	}

	decision := m.gate.Evaluate(ctx, intent, state)
	if !decision.Accepted {
		return nil, entity.NewRejection(decision.Reason, "")
	}

	order := &entity.Order{
		ID:             uuid.NewString(),
		RequestID:      intent.RequestID,
		AccountID:      intent.AccountID,
		BotID:          intent.BotID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Kind:           intent.Kind,
		Quantity:       decision.AdjustedQuantity,
		LimitPrice:     intent.LimitPrice,
		StopPrice:      intent.StopPrice,
		TimeInForce:    intent.TimeInForce,
		Status:         entity.OrderStatusPending,
		FilledQuantity: decimal.Zero,
		Source:         intent.Source,
		ExpiresAt:      intent.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = entity.TimeInForceGTC
	}

	if err := m.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	m.audit.Emit(entity.AuditEvent{
		Type:      entity.AuditOrderSubmitted,
		AccountID: order.AccountID,
		BotID:     derefOrEmpty(order.BotID),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Payload: map[string]string{
			"side":     string(order.Side),
			"kind":     string(order.Kind),
			"quantity": order.Quantity.String(),
		},
	})

	submitter.SubmitOrder(ctx, order)

	return order, nil
}

// Cancel requests cancellation of an open order. The order moves to
// CANCEL_REQUESTED until the venue confirms; a fill racing the cancel
// wins if it arrives first.
func (m *OrderManager) Cancel(ctx context.Context, orderID string) error {
	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case entity.OrderStatusPending, entity.OrderStatusPartiallyFilled:
	case entity.OrderStatusCancelRequested:
		return nil // already requested
	default:
		if order.Status.IsTerminal() {
			return ErrOrderTerminal
		}
		return ErrCancelNotAllowed
	}

	// resolve the submitter before moving the order; a CANCEL_REQUESTED
	// order with nobody to forward the cancel would be stuck forever
	submitter := m.getSubmitter()
	if submitter == nil {
		return ErrNoSubmitter
	}

	if err := m.transition(ctx, order, entity.OrderStatusCancelRequested, nil); err != nil {
		return err
	}
	submitter.RequestCancel(ctx, order)

	return nil
}

// OnFill ingests one trade. Ingestion is idempotent on the venue trade
// id: redelivery changes nothing. Fill quantities and the average price
// are recomputed from the full trade set ordered by execution time, so
// out-of-order delivery cannot produce an impossible intermediate state.
func (m *OrderManager) OnFill(ctx context.Context, trade *entity.Trade) error {
	if !trade.Quantity.IsPositive() {
		logrus.WithFields(logrus.Fields{
			"order_id":       trade.OrderID,
			"venue_trade_id": trade.VenueTradeID,
			"quantity":       trade.Quantity.String(),
		}).Warn("discarding trade with non-positive quantity")
		return ErrInvalidTrade
	}

	lock := m.orderLock(trade.OrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := m.getOrder(ctx, trade.OrderID)
	if err != nil {
		return err
	}

	if order.Status.IsTerminal() {
		return ErrOrderTerminal
	}

	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	trade.AccountID = order.AccountID
	trade.Symbol = order.Symbol
	trade.Side = order.Side

	err = m.trades.Create(ctx, trade)
	if err != nil {
		if errors.Is(err, entity.ErrDuplicateTrade) {
			logrus.WithFields(logrus.Fields{
				"order_id":       order.ID,
				"venue_trade_id": trade.VenueTradeID,
			}).Warn("duplicate trade delivery ignored")
			return nil
		}
		return fmt.Errorf("persist trade: %w", err)
	}

	trades, err := m.trades.GetByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})

	filled := decimal.Zero
	notional := decimal.Zero
	for _, t := range trades {
		filled = filled.Add(t.Quantity)
		notional = notional.Add(t.Quantity.Mul(t.Price))
	}

	if filled.GreaterThan(order.Quantity) {
		logrus.WithFields(logrus.Fields{
			"order_id":  order.ID,
			"filled":    filled.String(),
			"requested": order.Quantity.String(),
		}).Error("venue overfill detected")
		return ErrOverfill
	}

	order.FilledQuantity = filled
	avg := notional.Div(filled)
	order.AvgFillPrice = &avg

	next := entity.OrderStatusPartiallyFilled
	if filled.Equal(order.Quantity) {
		next = entity.OrderStatusFilled
	}

	if next == entity.OrderStatusPartiallyFilled && order.Status == entity.OrderStatusCancelRequested {
		// keep the cancel pending; only the quantities move
		order.UpdatedAt = time.Now().UTC()
		if err := m.orders.Update(ctx, order); err != nil {
			return err
		}
	} else if err := m.transition(ctx, order, next, nil); err != nil {
		return err
	}

	if _, realized, err := m.positions.Apply(ctx, trade); err != nil {
		logrus.Errorf("position update failed for order %s: %v", order.ID, err)
	} else if order.BotID != nil && m.bots != nil && !realized.IsZero() {
		m.bots.AddRealizedPnL(*order.BotID, realized)
	}

	eventType := entity.AuditOrderPartialFill
	if next == entity.OrderStatusFilled {
		eventType = entity.AuditOrderFilled
	}
	m.audit.Emit(entity.AuditEvent{
		Type:      eventType,
		AccountID: order.AccountID,
		BotID:     derefOrEmpty(order.BotID),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Payload: map[string]string{
			"filled_quantity": order.FilledQuantity.String(),
			"avg_fill_price":  avg.String(),
		},
	})

	return nil
}

// AttachVenueOrderID records the venue-assigned id after a successful
// submission.
func (m *OrderManager) AttachVenueOrderID(ctx context.Context, orderID, venueOrderID string) error {
	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return err
	}

	order.VenueOrderID = &venueOrderID
	order.UpdatedAt = time.Now().UTC()
	return m.orders.Update(ctx, order)
}

// MarkRejected moves an order to REJECTED with a machine-readable
// reason. Used for venue rejections and retry exhaustion.
func (m *OrderManager) MarkRejected(ctx context.Context, orderID string, reason entity.RejectReason) error {
	return m.markTerminal(ctx, orderID, entity.OrderStatusRejected, entity.AuditOrderRejected, string(reason))
}

// MarkCancelled finalizes a confirmed cancellation.
func (m *OrderManager) MarkCancelled(ctx context.Context, orderID string) error {
	return m.markTerminal(ctx, orderID, entity.OrderStatusCancelled, entity.AuditOrderCancelled, "")
}

// MarkExpired finalizes a venue-reported expiry.
func (m *OrderManager) MarkExpired(ctx context.Context, orderID string) error {
	return m.markTerminal(ctx, orderID, entity.OrderStatusExpired, entity.AuditOrderExpired, "")
}

// MarkUnknown flags an order whose cancel acknowledgment never arrived.
// The order is not assumed cancelled; a reconciliation pass resolves it.
func (m *OrderManager) MarkUnknown(ctx context.Context, orderID string) error {
	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return nil
	}

	if err := m.transition(ctx, order, entity.OrderStatusUnknown, nil); err != nil {
		return err
	}

	m.audit.Emit(entity.AuditEvent{
		Type:      entity.AuditOrderUnknown,
		AccountID: order.AccountID,
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Reason:    "cancel acknowledgment timed out",
	})

	return nil
}

// ResolveUnknown applies venue ground truth to an order flagged for
// reconciliation. Guessing is not allowed anywhere else; this is the one
// place ambiguous state is resolved, and only from a venue query.
func (m *OrderManager) ResolveUnknown(ctx context.Context, orderID string, venueState *entity.VenueOrderState) error {
	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != entity.OrderStatusUnknown {
		return nil
	}

	switch venueState.Status {
	case entity.OrderStatusCancelled:
		if err := m.transition(ctx, order, entity.OrderStatusCancelled, nil); err != nil {
			return err
		}
		m.audit.Emit(entity.AuditEvent{
			Type:      entity.AuditOrderCancelled,
			AccountID: order.AccountID,
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Reason:    "resolved by reconciliation",
		})
	case entity.OrderStatusFilled:
		order.FilledQuantity = venueState.FilledQuantity
		if err := m.transition(ctx, order, entity.OrderStatusFilled, nil); err != nil {
			return err
		}
		m.audit.Emit(entity.AuditEvent{
			Type:      entity.AuditOrderFilled,
			AccountID: order.AccountID,
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Reason:    "resolved by reconciliation",
		})
	case entity.OrderStatusPartiallyFilled:
		if err := m.transition(ctx, order, entity.OrderStatusPartiallyFilled, nil); err != nil {
			return err
		}
	default:
		logrus.WithFields(logrus.Fields{
			"order_id":     orderID,
			"venue_status": venueState.Status,
		}).Warn("reconciliation returned non-terminal venue state")
	}

	return nil
}

// GetOrder returns the current ledger view of an order.
func (m *OrderManager) GetOrder(ctx context.Context, orderID string) (*entity.Order, error) {
	return m.getOrder(ctx, orderID)
}

// StartExpirySweeper runs a background loop that expires pending orders
// whose deadline has passed. The venue is asked to cancel best effort;
// a fill arriving first still wins through the usual terminal no-op.
func (m *OrderManager) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireDueOrders(ctx)
			}
		}
	}()
}

func (m *OrderManager) expireDueOrders(ctx context.Context) {
	due, err := m.orders.ListExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		logrus.Errorf("expiry sweep failed: %v", err)
		return
	}

	submitter := m.getSubmitter()
	for idx := range due {
		order := due[idx]
		if err := m.MarkExpired(ctx, order.ID); err != nil {
			logrus.WithField("order_id", order.ID).Errorf("order expiry failed: %v", err)
			continue
		}
		if submitter != nil && order.VenueOrderID != nil {
			submitter.RequestCancel(ctx, &order)
		}
	}
}

// OpenOrdersForBot lists the bot's orders that still need a terminal
// state, for drain-on-stop.
func (m *OrderManager) OpenOrdersForBot(ctx context.Context, botID string) ([]entity.Order, error) {
	return m.orders.GetOpenByBotID(ctx, botID)
}

func (m *OrderManager) markTerminal(ctx context.Context, orderID string, status entity.OrderStatus, eventType entity.AuditEventType, reason string) error {
	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		// a fill won the race; nothing to do
		return nil
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	if err := m.transition(ctx, order, status, reasonPtr); err != nil {
		return err
	}

	m.audit.Emit(entity.AuditEvent{
		Type:      eventType,
		AccountID: order.AccountID,
		BotID:     derefOrEmpty(order.BotID),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Reason:    reason,
	})

	return nil
}

func (m *OrderManager) transition(ctx context.Context, order *entity.Order, next entity.OrderStatus, reason *string) error {
	if !order.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}

	order.Status = next
	if reason != nil {
		order.RejectReason = reason
	}
	order.UpdatedAt = time.Now().UTC()

	return m.orders.Update(ctx, order)
}

func (m *OrderManager) getOrder(ctx context.Context, orderID string) (*entity.Order, error) {
	order, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (m *OrderManager) accountState(ctx context.Context, intent entity.OrderIntent) (riskgate.AccountState, error) {
	state := riskgate.AccountState{
		AllowedSymbols:   m.risk.AllowedSymbols,
		PositionQuantity: m.positions.OpenQuantity(intent.AccountID, intent.Symbol),
		MaxPositionSize:  m.risk.MaxPositionSize,
		Equity:           m.risk.AccountEquity,
		RiskFraction:     m.risk.RiskFraction,
	}

	if price, ok := m.prices.LastPrice(intent.Symbol); ok {
		state.ReferencePrice = price
	}

	if intent.BotID != nil && m.bots != nil {
		bot, err := m.bots.GetBot(ctx, *intent.BotID)
		if err != nil {
			return state, err
		}
		state.Bot = bot
		if bot.Budget.MaxPositionSize.IsPositive() {
			state.MaxPositionSize = bot.Budget.MaxPositionSize
		}
		if bot.Budget.RiskFraction.IsPositive() {
			state.RiskFraction = bot.Budget.RiskFraction
		}
	}

	return state, nil
}

func validateIntent(intent entity.OrderIntent) error {
	if intent.Quantity.LessThanOrEqual(decimal.Zero) {
		return entity.NewRejection(entity.RejectReasonInvalidQuantity, intent.Quantity.String())
	}

	if intent.Symbol == "" {
		return entity.NewRejection(entity.RejectReasonUnknownSymbol, "empty symbol")
	}

	switch intent.Side {
	case entity.OrderSideBuy, entity.OrderSideSell:
	default:
		return entity.NewRejection(entity.RejectReasonInvalidQuantity, fmt.Sprintf("invalid side %q", intent.Side))
	}

	switch intent.Kind {
	case entity.OrderKindLimit, entity.OrderKindStopLimit:
		if intent.LimitPrice == nil || !intent.LimitPrice.IsPositive() {
			return entity.NewRejection(entity.RejectReasonPriceRequired, string(intent.Kind))
		}
		if intent.Kind == entity.OrderKindStopLimit && (intent.StopPrice == nil || !intent.StopPrice.IsPositive()) {
			return entity.NewRejection(entity.RejectReasonPriceRequired, string(intent.Kind))
		}
	case entity.OrderKindStop:
		if intent.StopPrice == nil || !intent.StopPrice.IsPositive() {
			return entity.NewRejection(entity.RejectReasonPriceRequired, string(intent.Kind))
		}
	case entity.OrderKindMarket:
	default:
		return entity.NewRejection(entity.RejectReasonInvalidQuantity, fmt.Sprintf("invalid kind %q", intent.Kind))
	}

	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
