package botscheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/krobus00/trading-core/internal/config"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/marketdata"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrBotNotFound       = errors.New("bot not found")
	ErrBotNotStartable   = errors.New("bot cannot be started in its current state")
	ErrBotNotRunning     = errors.New("bot is not running")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrAlreadyRegistered = errors.New("strategy already registered")
)

const (
	defaultTickBuffer        = 64
	defaultHeartbeatInterval = 10 * time.Second
	defaultStopDrainTimeout  = 15 * time.Second

	drainPollStep = 100 * time.Millisecond
)

// Strategy consumes market data for one bot and produces signals. It
// never talks to the order manager; the scheduler owns that boundary.
type Strategy interface {
	OnTick(ctx context.Context, tick entity.Tick) ([]entity.Signal, error)
}

// StrategyFactory builds a fresh strategy instance for a bot. One
// instance per running bot; no state is shared across bots.
type StrategyFactory func(bot *entity.Bot) (Strategy, error)

// TickSource is the market data hub surface the scheduler subscribes
// bots through.
type TickSource interface {
	Subscribe(symbols ...string) *marketdata.Subscription
}

// OrderControl is the order manager surface used for signal execution
// and drain-on-stop.
type OrderControl interface {
	Submit(ctx context.Context, intent entity.OrderIntent) (*entity.Order, error)
	Cancel(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*entity.Order, error)
	OpenOrdersForBot(ctx context.Context, botID string) ([]entity.Order, error)
}

// PositionView resolves the open quantity when a FLAT signal asks to
// close out.
type PositionView interface {
	OpenQuantity(accountID, symbol string) decimal.Decimal
}

// Scheduler supervises the pool of bot runners. Each running bot is one
// goroutine with a bounded tick mailbox; a fault in one bot never
// escalates past its runner.
type Scheduler struct {
	bots      entity.BotStore
	runtime   entity.BotRuntimeStore
	ticks     TickSource
	orders    OrderControl
	positions PositionView
	audit     entity.AuditSink
	cfg       config.SchedulerConfig

	mu         sync.Mutex
	runners    map[string]*runner
	cache      map[string]*entity.Bot
	strategies map[string]StrategyFactory

	wg sync.WaitGroup
}

func NewScheduler(
	bots entity.BotStore,
	runtime entity.BotRuntimeStore,
	ticks TickSource,
	orders OrderControl,
	positions PositionView,
	audit entity.AuditSink,
	cfg config.SchedulerConfig,
) *Scheduler {
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = defaultTickBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StopDrainTimeout <= 0 {
		cfg.StopDrainTimeout = defaultStopDrainTimeout
	}

	return &Scheduler{
		bots:       bots,
		runtime:    runtime,
		ticks:      ticks,
		orders:     orders,
		positions:  positions,
		audit:      audit,
		cfg:        cfg,
		runners:    make(map[string]*runner),
		cache:      make(map[string]*entity.Bot),
		strategies: make(map[string]StrategyFactory),
	}
}

// RegisterStrategy binds a strategy name to its factory.
func (s *Scheduler) RegisterStrategy(name string, factory StrategyFactory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.strategies[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	s.strategies[name] = factory
	return nil
}

// Start moves a bot from STOPPED (or ERRORED, on explicit user restart)
// to STARTING and launches its runner. The runner reports RUNNING once
// the first tick is consumed successfully.
func (s *Scheduler) Start(ctx context.Context, botID string) error {
	bot, err := s.loadBot(ctx, botID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, active := s.runners[botID]; active {
		s.mu.Unlock()
		return nil
	}

	if !bot.Status.CanTransition(entity.BotStatusStarting) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBotNotStartable, bot.Status)
	}

	factory, ok := s.strategies[bot.Strategy]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, bot.Strategy)
	}

	strategy, err := factory(bot)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	sub := s.ticks.Subscribe(bot.Symbols...)
	r := newRunner(s, bot, strategy, sub)
	s.runners[botID] = r
	s.mu.Unlock()

	if err := s.setStatus(ctx, bot, entity.BotStatusStarting); err != nil {
		s.removeRunner(botID)
		sub.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(ctx)
	}()

	return nil
}

// Stop transitions a running bot through STOPPING: unsubscribe, cancel
// every outstanding order, wait (bounded) for the orders to settle, then
// STOPPED.
func (s *Scheduler) Stop(ctx context.Context, botID string) error {
	s.mu.Lock()
	r, active := s.runners[botID]
	s.mu.Unlock()

	if !active {
		return ErrBotNotRunning
	}

	bot := r.bot
	if err := s.setStatus(ctx, bot, entity.BotStatusStopping); err != nil {
		return err
	}

	r.halt()
	s.removeRunner(botID)

	s.drainOrders(ctx, botID)

	if err := s.setStatus(ctx, bot, entity.BotStatusStopped); err != nil {
		return err
	}

	s.audit.Emit(entity.AuditEvent{
		Type:      entity.AuditBotStopped,
		AccountID: bot.AccountID,
		BotID:     bot.ID,
	})

	return nil
}

// StartAll launches every active bot. Used at process start.
func (s *Scheduler) StartAll(ctx context.Context) error {
	bots, err := s.bots.ListActive(ctx)
	if err != nil {
		return err
	}

	for idx := range bots {
		bot := bots[idx]
		if err := s.Start(ctx, bot.ID); err != nil {
			logrus.WithField("bot_id", bot.ID).Warnf("bot start failed: %v", err)
		}
	}

	return nil
}

// StopAll stops every running bot, used at shutdown.
func (s *Scheduler) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			logrus.WithField("bot_id", id).Warnf("bot stop failed: %v", err)
		}
	}

	s.wg.Wait()
}

// NotifyDrawdownBreach is called by the risk gate when a bot's loss
// budget is spent. The stop runs detached so the gate never blocks.
func (s *Scheduler) NotifyDrawdownBreach(botID string) {
	logrus.WithField("bot_id", botID).Warn("drawdown breached, stopping bot")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopDrainTimeout*2)
		defer cancel()
		if err := s.Stop(ctx, botID); err != nil && !errors.Is(err, ErrBotNotRunning) {
			logrus.Error(err)
		}
	}()
}

// GetBot serves the order manager's bot view from the in-memory cache.
func (s *Scheduler) GetBot(ctx context.Context, botID string) (*entity.Bot, error) {
	bot, err := s.loadBot(ctx, botID)
	if err != nil {
		return nil, err
	}

	copied := *bot
	return &copied, nil
}

// AddRealizedPnL folds a realized PnL delta into the bot, feeding the
// drawdown check on the next intent. The bot is loaded through the store
// when not cached yet, so fills landing right after a restart still
// count against the loss budget.
func (s *Scheduler) AddRealizedPnL(botID string, delta decimal.Decimal) {
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	bot, err := s.loadBot(loadCtx, botID)
	loadCancel()
	if err != nil {
		logrus.WithField("bot_id", botID).Errorf("bot pnl load failed: %v", err)
		return
	}

	s.mu.Lock()
	bot.RealizedPnL = bot.RealizedPnL.Add(delta)
	bot.UpdatedAt = time.Now().UTC()
	copied := *bot
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.bots.Update(ctx, &copied); err != nil {
			logrus.WithField("bot_id", botID).Errorf("bot pnl persistence failed: %v", err)
		}
	}()
}

// handleSignals turns a runner's signals into order intents. Expired
// signals are discarded with an audit record.
func (s *Scheduler) handleSignals(ctx context.Context, bot *entity.Bot, signals []entity.Signal) {
	now := time.Now().UTC()

	for _, signal := range signals {
		if signal.Expired(now) {
			s.audit.Emit(entity.AuditEvent{
				Type:   entity.AuditSignalExpired,
				BotID:  bot.ID,
				Symbol: signal.Symbol,
			})
			continue
		}

		s.audit.Emit(entity.AuditEvent{
			Type:    entity.AuditSignalEmitted,
			BotID:   bot.ID,
			Symbol:  signal.Symbol,
			Payload: signal,
		})

		intent, ok := s.signalToIntent(bot, signal)
		if !ok {
			continue
		}

		if _, err := s.orders.Submit(ctx, intent); err != nil {
			var rejection *entity.RejectionError
			if errors.As(err, &rejection) {
				logrus.WithFields(logrus.Fields{
					"bot_id": bot.ID,
					"symbol": signal.Symbol,
					"reason": rejection.Reason,
				}).Info("bot signal rejected")
				continue
			}
			logrus.WithField("bot_id", bot.ID).Errorf("signal submission failed: %v", err)
		}
	}
}

func (s *Scheduler) signalToIntent(bot *entity.Bot, signal entity.Signal) (entity.OrderIntent, bool) {
	botID := bot.ID
	intent := entity.OrderIntent{
		RequestID:   fmt.Sprintf("%s-%d", bot.ID, time.Now().UTC().UnixNano()),
		AccountID:   bot.AccountID,
		BotID:       &botID,
		Symbol:      signal.Symbol,
		Kind:        entity.OrderKindMarket,
		TimeInForce: entity.TimeInForceGTC,
		Source:      "bot:" + bot.Strategy,
	}

	switch signal.Direction {
	case entity.SignalDirectionLong:
		intent.Side = entity.OrderSideBuy
		intent.Quantity = signal.Quantity
	case entity.SignalDirectionShort:
		intent.Side = entity.OrderSideSell
		intent.Quantity = signal.Quantity
	case entity.SignalDirectionFlat:
		open := s.positions.OpenQuantity(bot.AccountID, signal.Symbol)
		if open.IsZero() {
			return entity.OrderIntent{}, false
		}
		if open.IsPositive() {
			intent.Side = entity.OrderSideSell
		} else {
			intent.Side = entity.OrderSideBuy
		}
		intent.Quantity = open.Abs()
	default:
		return entity.OrderIntent{}, false
	}

	if !intent.Quantity.IsPositive() {
		return entity.OrderIntent{}, false
	}

	return intent, true
}

// markRunning is called by a runner after its first successful tick.
func (s *Scheduler) markRunning(ctx context.Context, bot *entity.Bot) {
	if err := s.setStatus(ctx, bot, entity.BotStatusRunning); err != nil {
		logrus.Error(err)
		return
	}

	s.audit.Emit(entity.AuditEvent{
		Type:      entity.AuditBotStarted,
		AccountID: bot.AccountID,
		BotID:     bot.ID,
	})
}

// handleBotError isolates a bot fault: the bot lands in ERRORED, its
// outstanding orders are cancelled, and nothing else is touched. There
// is no automatic restart.
func (s *Scheduler) handleBotError(ctx context.Context, bot *entity.Bot, cause error) {
	logrus.WithFields(logrus.Fields{
		"bot_id": bot.ID,
	}).Errorf("bot errored: %v", cause)

	s.removeRunner(bot.ID)

	if err := s.setStatus(ctx, bot, entity.BotStatusErrored); err != nil {
		logrus.Error(err)
	}

	s.drainOrders(ctx, bot.ID)

	s.audit.Emit(entity.AuditEvent{
		Type:      entity.AuditBotErrored,
		AccountID: bot.AccountID,
		BotID:     bot.ID,
		Reason:    cause.Error(),
	})
}

// drainOrders cancels every outstanding order of the bot and waits,
// bounded by the configured timeout, for each to reach a terminal state.
// A last-second fill winning the race against a cancel counts as
// settled.
func (s *Scheduler) drainOrders(ctx context.Context, botID string) {
	open, err := s.orders.OpenOrdersForBot(ctx, botID)
	if err != nil {
		logrus.WithField("bot_id", botID).Errorf("listing open orders failed: %v", err)
		return
	}

	for idx := range open {
		order := open[idx]
		if err := s.orders.Cancel(ctx, order.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"bot_id":   botID,
				"order_id": order.ID,
			}).Warnf("cancel failed during drain: %v", err)
		}
	}

	deadline := time.Now().Add(s.cfg.StopDrainTimeout)
	for time.Now().Before(deadline) {
		if s.allSettled(ctx, open) {
			return
		}

		select {
		case <-time.After(drainPollStep):
		case <-ctx.Done():
			return
		}
	}

	logrus.WithField("bot_id", botID).Warn("order drain timed out, remaining orders await reconciliation")
}

func (s *Scheduler) allSettled(ctx context.Context, orders []entity.Order) bool {
	for idx := range orders {
		current, err := s.orders.GetOrder(ctx, orders[idx].ID)
		if err != nil {
			return false
		}
		if !current.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) recordHeartbeat(ctx context.Context, bot *entity.Bot) {
	now := time.Now().UTC()

	if err := s.runtime.RecordHeartbeat(ctx, bot.ID, now); err != nil {
		logrus.WithField("bot_id", bot.ID).Warnf("heartbeat recording failed: %v", err)
	}

	s.mu.Lock()
	if cached, ok := s.cache[bot.ID]; ok {
		cached.LastHeartbeat = &now
	}
	s.mu.Unlock()
}

func (s *Scheduler) setStatus(ctx context.Context, bot *entity.Bot, next entity.BotStatus) error {
	s.mu.Lock()
	cached, ok := s.cache[bot.ID]
	if !ok {
		cached = bot
		s.cache[bot.ID] = cached
	}

	if !cached.Status.CanTransition(next) {
		s.mu.Unlock()
		return fmt.Errorf("invalid bot transition: %s -> %s", cached.Status, next)
	}

	cached.Status = next
	cached.UpdatedAt = time.Now().UTC()
	copied := *cached
	s.mu.Unlock()

	if err := s.bots.Update(ctx, &copied); err != nil {
		return err
	}

	if err := s.runtime.SetStatus(ctx, bot.ID, next); err != nil {
		logrus.WithField("bot_id", bot.ID).Warnf("runtime status mirror failed: %v", err)
	}

	return nil
}

func (s *Scheduler) loadBot(ctx context.Context, botID string) (*entity.Bot, error) {
	s.mu.Lock()
	if bot, ok := s.cache[botID]; ok {
		s.mu.Unlock()
		return bot, nil
	}
	s.mu.Unlock()

	bot, err := s.bots.GetByID(ctx, botID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[botID] = bot
	s.mu.Unlock()

	return bot, nil
}

func (s *Scheduler) removeRunner(botID string) {
	s.mu.Lock()
	delete(s.runners, botID)
	s.mu.Unlock()
}
