package botscheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/trading-core/internal/audit"
	"github.com/krobus00/trading-core/internal/config"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/marketdata"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBotStore struct {
	mu   sync.Mutex
	bots map[string]entity.Bot
}

func newMemBotStore(bots ...entity.Bot) *memBotStore {
	store := &memBotStore{bots: make(map[string]entity.Bot)}
	for _, bot := range bots {
		store.bots[bot.ID] = bot
	}
	return store
}

func (s *memBotStore) Create(_ context.Context, bot *entity.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = *bot
	return nil
}

func (s *memBotStore) Update(_ context.Context, bot *entity.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = *bot
	return nil
}

func (s *memBotStore) GetByID(_ context.Context, id string) (*entity.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	copied := bot
	return &copied, nil
}

func (s *memBotStore) ListActive(_ context.Context) ([]entity.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []entity.Bot
	for _, bot := range s.bots {
		if bot.Active {
			active = append(active, bot)
		}
	}
	return active, nil
}

func (s *memBotStore) status(id string) entity.BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bots[id].Status
}

type memRuntimeStore struct {
	mu         sync.Mutex
	heartbeats map[string]time.Time
	statuses   map[string]entity.BotStatus
}

func newMemRuntimeStore() *memRuntimeStore {
	return &memRuntimeStore{
		heartbeats: make(map[string]time.Time),
		statuses:   make(map[string]entity.BotStatus),
	}
}

func (s *memRuntimeStore) RecordHeartbeat(_ context.Context, botID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[botID] = at
	return nil
}

func (s *memRuntimeStore) SetStatus(_ context.Context, botID string, status entity.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[botID] = status
	return nil
}

func (s *memRuntimeStore) GetStatus(_ context.Context, botID string) (entity.BotStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[botID]
	return status, ok, nil
}

type fakeOrderControl struct {
	mu        sync.Mutex
	submitted []entity.OrderIntent
	submitErr error
	orders    map[string]entity.Order
	cancelled []string
}

func newFakeOrderControl() *fakeOrderControl {
	return &fakeOrderControl{orders: make(map[string]entity.Order)}
}

func (c *fakeOrderControl) Submit(_ context.Context, intent entity.OrderIntent) (*entity.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	c.submitted = append(c.submitted, intent)
	return &entity.Order{ID: intent.RequestID, Status: entity.OrderStatusPending}, nil
}

func (c *fakeOrderControl) Cancel(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, orderID)
	order, ok := c.orders[orderID]
	if ok {
		order.Status = entity.OrderStatusCancelled
		c.orders[orderID] = order
	}
	return nil
}

func (c *fakeOrderControl) GetOrder(_ context.Context, orderID string) (*entity.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	copied := order
	return &copied, nil
}

func (c *fakeOrderControl) OpenOrdersForBot(_ context.Context, botID string) ([]entity.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var open []entity.Order
	for _, order := range c.orders {
		if order.BotID != nil && *order.BotID == botID && !order.Status.IsTerminal() {
			open = append(open, order)
		}
	}
	return open, nil
}

func (c *fakeOrderControl) submittedIntents() []entity.OrderIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entity.OrderIntent(nil), c.submitted...)
}

func (c *fakeOrderControl) cancelledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

type fakePositionView struct {
	mu   sync.Mutex
	open map[string]decimal.Decimal
}

func newFakePositionView() *fakePositionView {
	return &fakePositionView{open: make(map[string]decimal.Decimal)}
}

func (v *fakePositionView) OpenQuantity(accountID, symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open[accountID+"/"+symbol]
}

// scriptedStrategy runs the injected function on every tick.
type scriptedStrategy struct {
	fn func(ctx context.Context, tick entity.Tick) ([]entity.Signal, error)
}

func (s *scriptedStrategy) OnTick(ctx context.Context, tick entity.Tick) ([]entity.Signal, error) {
	if s.fn == nil {
		return nil, nil
	}
	return s.fn(ctx, tick)
}

func scriptedFactory(fn func(ctx context.Context, tick entity.Tick) ([]entity.Signal, error)) StrategyFactory {
	return func(_ *entity.Bot) (Strategy, error) {
		return &scriptedStrategy{fn: fn}, nil
	}
}

type schedulerFixture struct {
	bots      *memBotStore
	runtime   *memRuntimeStore
	hub       *marketdata.Hub
	orders    *fakeOrderControl
	positions *fakePositionView
	scheduler *Scheduler
}

func newSchedulerFixture(t *testing.T, bots ...entity.Bot) *schedulerFixture {
	t.Helper()

	f := &schedulerFixture{
		bots:      newMemBotStore(bots...),
		runtime:   newMemRuntimeStore(),
		hub:       marketdata.NewHub(8),
		orders:    newFakeOrderControl(),
		positions: newFakePositionView(),
	}
	f.scheduler = NewScheduler(f.bots, f.runtime, f.hub, f.orders, f.positions, audit.NopSink{}, config.SchedulerConfig{
		TickBuffer:        8,
		HeartbeatInterval: time.Hour,
		StopDrainTimeout:  500 * time.Millisecond,
	})
	return f
}

func stoppedBot(id string) entity.Bot {
	return entity.Bot{
		ID:        id,
		AccountID: "acc-1",
		Name:      "test bot",
		Symbols:   []string{"BTCUSD"},
		Strategy:  "scripted",
		Status:    entity.BotStatusStopped,
		Active:    true,
	}
}

func (f *schedulerFixture) publish(sequence uint64, price int64) {
	f.hub.Publish(entity.Tick{
		Symbol:   "BTCUSD",
		Price:    decimal.NewFromInt(price),
		Time:     time.Now().UTC(),
		Sequence: sequence,
	})
}

func TestBotRunsAfterFirstTick(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	assert.Equal(t, entity.BotStatusStarting, f.bots.status("bot-1"))

	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusRunning
	}, time.Second, 5*time.Millisecond)

	f.runtime.mu.Lock()
	_, heartbeat := f.runtime.heartbeats["bot-1"]
	f.runtime.mu.Unlock()
	assert.True(t, heartbeat)

	f.scheduler.StopAll(ctx)
	assert.Equal(t, entity.BotStatusStopped, f.bots.status("bot-1"))
}

func TestStartUnknownStrategy(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))

	err := f.scheduler.Start(context.Background(), "bot-1")
	require.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Equal(t, entity.BotStatusStopped, f.bots.status("bot-1"))
}

func TestStartUnknownBot(t *testing.T) {
	f := newSchedulerFixture(t)

	err := f.scheduler.Start(context.Background(), "missing")
	require.ErrorIs(t, err, ErrBotNotFound)
}

func TestStartRejectsNonStartableState(t *testing.T) {
	bot := stoppedBot("bot-1")
	bot.Status = entity.BotStatusStopping
	f := newSchedulerFixture(t, bot)
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil)))

	err := f.scheduler.Start(context.Background(), "bot-1")
	require.ErrorIs(t, err, ErrBotNotStartable)
}

func TestStartIsIdempotentWhileRunnerActive(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))

	f.scheduler.StopAll(ctx)
}

func TestRegisterStrategyTwice(t *testing.T) {
	f := newSchedulerFixture(t)
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil)))
	err := f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestStopDrainsOpenOrders(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil)))

	botID := "bot-1"
	f.orders.mu.Lock()
	f.orders.orders["order-1"] = entity.Order{
		ID:     "order-1",
		BotID:  &botID,
		Status: entity.OrderStatusPending,
	}
	f.orders.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, botID))
	require.NoError(t, f.scheduler.Stop(ctx, botID))

	assert.Equal(t, []string{"order-1"}, f.orders.cancelledIDs())
	assert.Equal(t, entity.BotStatusStopped, f.bots.status(botID))
}

func TestStopNotRunning(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))

	err := f.scheduler.Stop(context.Background(), "bot-1")
	require.ErrorIs(t, err, ErrBotNotRunning)
}

func TestSignalsBecomeMarketOrders(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, tick entity.Tick) ([]entity.Signal, error) {
			return []entity.Signal{{
				BotID:       "bot-1",
				AccountID:   "acc-1",
				Symbol:      tick.Symbol,
				Direction:   entity.SignalDirectionLong,
				Quantity:    decimal.NewFromInt(2),
				GeneratedAt: time.Now().UTC(),
				ExpiresAt:   time.Now().UTC().Add(time.Minute),
			}}, nil
		},
	)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return len(f.orders.submittedIntents()) == 1
	}, time.Second, 5*time.Millisecond)

	intent := f.orders.submittedIntents()[0]
	assert.Equal(t, entity.OrderSideBuy, intent.Side)
	assert.Equal(t, entity.OrderKindMarket, intent.Kind)
	assert.True(t, intent.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "bot:scripted", intent.Source)
	require.NotNil(t, intent.BotID)
	assert.Equal(t, "bot-1", *intent.BotID)

	f.scheduler.StopAll(ctx)
}

func TestExpiredSignalDropped(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, tick entity.Tick) ([]entity.Signal, error) {
			return []entity.Signal{{
				Symbol:      tick.Symbol,
				Direction:   entity.SignalDirectionLong,
				Quantity:    decimal.NewFromInt(1),
				GeneratedAt: time.Now().UTC().Add(-time.Minute),
				ExpiresAt:   time.Now().UTC().Add(-30 * time.Second),
			}}, nil
		},
	)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusRunning
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, f.orders.submittedIntents())
	f.scheduler.StopAll(ctx)
}

func TestFlatSignalClosesOpenPosition(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	f.positions.mu.Lock()
	f.positions.open["acc-1/BTCUSD"] = decimal.NewFromInt(3)
	f.positions.mu.Unlock()

	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, tick entity.Tick) ([]entity.Signal, error) {
			return []entity.Signal{{
				Symbol:    tick.Symbol,
				Direction: entity.SignalDirectionFlat,
				ExpiresAt: time.Now().UTC().Add(time.Minute),
			}}, nil
		},
	)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return len(f.orders.submittedIntents()) >= 1
	}, time.Second, 5*time.Millisecond)

	intent := f.orders.submittedIntents()[0]
	assert.Equal(t, entity.OrderSideSell, intent.Side)
	assert.True(t, intent.Quantity.Equal(decimal.NewFromInt(3)))

	f.scheduler.StopAll(ctx)
}

func TestFlatSignalNoopWhenAlreadyFlat(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, tick entity.Tick) ([]entity.Signal, error) {
			return []entity.Signal{{
				Symbol:    tick.Symbol,
				Direction: entity.SignalDirectionFlat,
				ExpiresAt: time.Now().UTC().Add(time.Minute),
			}}, nil
		},
	)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusRunning
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, f.orders.submittedIntents())
	f.scheduler.StopAll(ctx)
}

func TestStrategyErrorLandsBotInErrored(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, _ entity.Tick) ([]entity.Signal, error) {
			return nil, errors.New("feed diverged")
		},
	)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusErrored
	}, time.Second, 5*time.Millisecond)

	// errored bots stay down until an explicit restart
	err := f.scheduler.Stop(ctx, "bot-1")
	require.ErrorIs(t, err, ErrBotNotRunning)
}

func TestStrategyPanicIsIsolated(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"), stoppedBot("bot-2"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, tick entity.Tick) ([]entity.Signal, error) {
			panic("nil anchor")
		},
	)))
	require.NoError(t, f.scheduler.RegisterStrategy("quiet", scriptedFactory(nil)))

	quiet := stoppedBot("bot-2")
	quiet.Strategy = "quiet"
	require.NoError(t, f.bots.Update(context.Background(), &quiet))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	require.NoError(t, f.scheduler.Start(ctx, "bot-2"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusErrored
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, entity.BotStatusRunning, f.bots.status("bot-2"))
	f.scheduler.StopAll(ctx)
}

func TestErroredBotRestartsExplicitly(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))

	fail := true
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(
		func(_ context.Context, _ entity.Tick) ([]entity.Signal, error) {
			if fail {
				return nil, errors.New("feed diverged")
			}
			return nil, nil
		},
	)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusErrored
	}, time.Second, 5*time.Millisecond)

	fail = false
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(2, 101)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusRunning
	}, time.Second, 5*time.Millisecond)

	f.scheduler.StopAll(ctx)
}

func TestDrawdownBreachStopsBot(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))
	require.NoError(t, f.scheduler.RegisterStrategy("scripted", scriptedFactory(nil)))

	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx, "bot-1"))
	f.publish(1, 100)

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusRunning
	}, time.Second, 5*time.Millisecond)

	f.scheduler.NotifyDrawdownBreach("bot-1")

	require.Eventually(t, func() bool {
		return f.bots.status("bot-1") == entity.BotStatusStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAddRealizedPnLUpdatesDrawdownView(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))

	// prime the cache
	_, err := f.scheduler.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)

	f.scheduler.AddRealizedPnL("bot-1", decimal.NewFromInt(-250))

	bot, err := f.scheduler.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.True(t, bot.RealizedPnL.Equal(decimal.NewFromInt(-250)))
}

func TestAddRealizedPnLLoadsBotOnCacheMiss(t *testing.T) {
	f := newSchedulerFixture(t, stoppedBot("bot-1"))

	// nothing has warmed the cache yet, as after a process restart
	f.scheduler.AddRealizedPnL("bot-1", decimal.NewFromInt(-125))

	bot, err := f.scheduler.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.True(t, bot.RealizedPnL.Equal(decimal.NewFromInt(-125)))
}
