package execution

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/krobus00/trading-core/internal/config"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultSubmitTimeout     = 5 * time.Second
	defaultSubmitMaxAttempts = 3
	defaultBackoffFactor     = 2.0
	defaultMinBackoff        = 200 * time.Millisecond
	defaultMaxBackoff        = 5 * time.Second
	defaultCancelAckTimeout  = 10 * time.Second
	defaultReconcileInterval = 30 * time.Second

	cancelVenueIDPollStep = 100 * time.Millisecond
)

// OrderUpdater is the order manager surface the engine reports back
// through.
type OrderUpdater interface {
	OnFill(ctx context.Context, trade *entity.Trade) error
	AttachVenueOrderID(ctx context.Context, orderID, venueOrderID string) error
	MarkRejected(ctx context.Context, orderID string, reason entity.RejectReason) error
	MarkCancelled(ctx context.Context, orderID string) error
	MarkExpired(ctx context.Context, orderID string) error
	MarkUnknown(ctx context.Context, orderID string) error
	ResolveUnknown(ctx context.Context, orderID string, venueState *entity.VenueOrderState) error
	GetOrder(ctx context.Context, orderID string) (*entity.Order, error)
}

// Engine bridges accepted orders and the venue connector. Venue calls
// run asynchronously; a slow venue only ever stalls the orders it owns.
type Engine struct {
	venue entity.VenueConnector
	oms   OrderUpdater
	cfg   config.ExecutionConfig
	rng   *rand.Rand
	rngMu sync.Mutex

	mu           sync.Mutex
	runCtx       context.Context
	inflight     map[string]struct{}
	venueToOrder map[string]string
	reconcile    map[string]string // order id -> venue order id ("" when never acked)

	wg sync.WaitGroup
}

func NewEngine(venue entity.VenueConnector, oms OrderUpdater, cfg config.ExecutionConfig) *Engine {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.SubmitMaxAttempts <= 0 {
		cfg.SubmitMaxAttempts = defaultSubmitMaxAttempts
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = defaultBackoffFactor
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = defaultCancelAckTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}

	return &Engine{
		venue:        venue,
		oms:          oms,
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		runCtx:       context.Background(),
		inflight:     make(map[string]struct{}),
		venueToOrder: make(map[string]string),
		reconcile:    make(map[string]string),
	}
}

// Start launches the venue event pump and the reconciliation loop. The
// given context also bounds every submit and cancel goroutine spawned
// afterwards.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.eventLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.reconcileLoop(ctx)
	}()
}

// Wait blocks until the background loops exit.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// background is the context venue work runs on. Submits and cancels
// outlive the caller's request; a cancelled HTTP context must never
// strand an order mid-retry. Only shutting the engine down stops them.
func (e *Engine) background() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// SubmitOrder schedules the venue submission for a pending order. At
// most one submit attempt is outstanding per order at any time.
func (e *Engine) SubmitOrder(_ context.Context, order *entity.Order) {
	e.mu.Lock()
	if _, busy := e.inflight[order.ID]; busy {
		e.mu.Unlock()
		logrus.WithField("order_id", order.ID).Warn("submit already in flight, ignoring")
		return
	}
	e.inflight[order.ID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, order.ID)
			e.mu.Unlock()
		}()
		e.submitWithRetry(e.background(), order)
	}()
}

func (e *Engine) submitWithRetry(ctx context.Context, order *entity.Order) {
	var lastErr error

	for attempt := 0; attempt < e.cfg.SubmitMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			// a timed-out attempt may have silently succeeded; query the
			// venue by our request id before submitting again
			if state := e.queryByRequestID(ctx, order.ID); state != nil {
				e.recordVenueOrder(ctx, order.ID, state.VenueOrderID)
				return
			}

			select {
			case <-time.After(e.backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		venueOrderID, err := e.venue.SubmitOrder(attemptCtx, order)
		cancel()

		if err == nil {
			e.recordVenueOrder(ctx, order.ID, venueOrderID)
			return
		}

		lastErr = err

		var venueErr *entity.VenueError
		if errors.As(err, &venueErr) && !venueErr.Retryable() {
			reason := entity.RejectReasonVenueRejected
			logrus.WithFields(logrus.Fields{
				"order_id": order.ID,
				"kind":     venueErr.Kind,
				"code":     venueErr.Code,
			}).Warn("venue rejected order")
			if updateErr := e.oms.MarkRejected(ctx, order.ID, reason); updateErr != nil {
				logrus.Error(updateErr)
			}
			return
		}

		logrus.WithFields(logrus.Fields{
			"order_id": order.ID,
			"attempt":  attempt + 1,
			"max":      e.cfg.SubmitMaxAttempts,
		}).Warnf("venue submit failed: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"order_id": order.ID,
	}).Errorf("venue unresponsive after %d attempts: %v", e.cfg.SubmitMaxAttempts, lastErr)

	if err := e.oms.MarkRejected(ctx, order.ID, entity.RejectReasonVenueUnresponsive); err != nil {
		logrus.Error(err)
	}
}

func (e *Engine) queryByRequestID(ctx context.Context, requestID string) *entity.VenueOrderState {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	state, err := e.venue.QueryOrderByRequestID(queryCtx, requestID)
	if err != nil {
		return nil
	}
	return state
}

func (e *Engine) recordVenueOrder(ctx context.Context, orderID, venueOrderID string) {
	e.mu.Lock()
	e.venueToOrder[venueOrderID] = orderID
	e.mu.Unlock()

	if err := e.oms.AttachVenueOrderID(ctx, orderID, venueOrderID); err != nil {
		logrus.Error(err)
	}
}

// RequestCancel forwards a cancel to the venue and watches for the
// acknowledgment. If neither a cancel confirmation nor a final fill
// arrives in time, the order is flagged for reconciliation instead of
// being assumed cancelled.
func (e *Engine) RequestCancel(_ context.Context, order *entity.Order) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := e.background()

		venueOrderID, ok := e.resolveVenueOrderID(ctx, order)
		if !ok {
			// never reached the venue; without a venue id there is
			// nothing to cancel remotely and nothing to reconcile against
			e.flagReconciliation(ctx, order.ID, "")
			return
		}

		cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		err := e.venue.CancelOrder(cancelCtx, venueOrderID)
		cancel()
		if err != nil {
			logrus.WithField("order_id", order.ID).Warnf("venue cancel failed: %v", err)
		}

		e.watchCancelAck(ctx, order.ID)
	}()
}

// resolveVenueOrderID waits briefly for the venue id when the cancel
// races the initial submission.
func (e *Engine) resolveVenueOrderID(ctx context.Context, order *entity.Order) (string, bool) {
	if order.VenueOrderID != nil && *order.VenueOrderID != "" {
		return *order.VenueOrderID, true
	}

	deadline := time.Now().Add(e.cfg.CancelAckTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(cancelVenueIDPollStep):
		case <-ctx.Done():
			return "", false
		}

		current, err := e.oms.GetOrder(ctx, order.ID)
		if err != nil {
			return "", false
		}
		if current.Status.IsTerminal() {
			return "", false
		}
		if current.VenueOrderID != nil && *current.VenueOrderID != "" {
			return *current.VenueOrderID, true
		}
	}

	return "", false
}

func (e *Engine) watchCancelAck(ctx context.Context, orderID string) {
	select {
	case <-time.After(e.cfg.CancelAckTimeout):
	case <-ctx.Done():
		return
	}

	order, err := e.oms.GetOrder(ctx, orderID)
	if err != nil {
		logrus.Error(err)
		return
	}
	if order.Status.IsTerminal() {
		return
	}

	venueOrderID := ""
	if order.VenueOrderID != nil {
		venueOrderID = *order.VenueOrderID
	}
	e.flagReconciliation(ctx, orderID, venueOrderID)
}

func (e *Engine) flagReconciliation(ctx context.Context, orderID, venueOrderID string) {
	if err := e.oms.MarkUnknown(ctx, orderID); err != nil {
		logrus.Error(err)
		return
	}

	e.mu.Lock()
	e.reconcile[orderID] = venueOrderID
	e.mu.Unlock()
}

func (e *Engine) eventLoop(ctx context.Context) {
	events := e.venue.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.handleVenueEvent(ctx, event)
		}
	}
}

func (e *Engine) handleVenueEvent(ctx context.Context, event entity.VenueEvent) {
	e.mu.Lock()
	orderID, known := e.venueToOrder[event.VenueOrderID]
	e.mu.Unlock()

	if !known {
		logrus.WithField("venue_order_id", event.VenueOrderID).Warn("venue event for unknown order")
		return
	}

	switch event.Kind {
	case entity.VenueEventFill:
		trade := &entity.Trade{
			OrderID:      orderID,
			Quantity:     event.Quantity,
			Price:        event.Price,
			Fee:          event.Fee,
			FeeAsset:     event.FeeAsset,
			IsMaker:      event.IsMaker,
			VenueTradeID: event.VenueTradeID,
			ExecutedAt:   event.OccurredAt,
		}
		if err := e.oms.OnFill(ctx, trade); err != nil {
			logrus.WithField("order_id", orderID).Errorf("fill ingestion failed: %v", err)
		}
	case entity.VenueEventCancelled:
		if err := e.oms.MarkCancelled(ctx, orderID); err != nil {
			logrus.Error(err)
		}
		e.clearReconciliation(orderID)
	case entity.VenueEventRejected:
		if err := e.oms.MarkRejected(ctx, orderID, entity.RejectReasonVenueRejected); err != nil {
			logrus.Error(err)
		}
	case entity.VenueEventExpired:
		if err := e.oms.MarkExpired(ctx, orderID); err != nil {
			logrus.Error(err)
		}
	}
}

func (e *Engine) clearReconciliation(orderID string) {
	e.mu.Lock()
	delete(e.reconcile, orderID)
	e.mu.Unlock()
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcilePass(ctx)
		}
	}
}

// reconcilePass queries the venue for every order stuck in UNKNOWN and
// applies the ground truth.
func (e *Engine) reconcilePass(ctx context.Context) {
	e.mu.Lock()
	pending := make(map[string]string, len(e.reconcile))
	for orderID, venueOrderID := range e.reconcile {
		pending[orderID] = venueOrderID
	}
	e.mu.Unlock()

	for orderID, venueOrderID := range pending {
		var state *entity.VenueOrderState
		var err error

		queryCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		if venueOrderID != "" {
			state, err = e.venue.QueryOrder(queryCtx, venueOrderID)
		} else {
			state, err = e.venue.QueryOrderByRequestID(queryCtx, orderID)
		}
		cancel()

		if err != nil {
			logrus.WithField("order_id", orderID).Warnf("reconciliation query failed: %v", err)
			continue
		}

		if state == nil {
			// the venue never saw the order; it is safe to finalize
			if err := e.oms.ResolveUnknown(ctx, orderID, &entity.VenueOrderState{Status: entity.OrderStatusCancelled}); err != nil {
				logrus.Error(err)
				continue
			}
			e.clearReconciliation(orderID)
			continue
		}

		if err := e.oms.ResolveUnknown(ctx, orderID, state); err != nil {
			logrus.Error(err)
			continue
		}

		if state.Status.IsTerminal() {
			e.clearReconciliation(orderID)
		}
	}
}

func (e *Engine) backoffDelay(attempt int) time.Duration {
	backoff := float64(e.cfg.MinBackoff) * math.Pow(e.cfg.BackoffFactor, float64(attempt))
	if backoff > float64(e.cfg.MaxBackoff) {
		backoff = float64(e.cfg.MaxBackoff)
	}

	jitterWindow := int64(backoff) / 4
	if jitterWindow <= 0 {
		return time.Duration(backoff)
	}

	e.rngMu.Lock()
	jitter := e.rng.Int63n(jitterWindow)
	e.rngMu.Unlock()

	return time.Duration(int64(backoff) + jitter)
}
