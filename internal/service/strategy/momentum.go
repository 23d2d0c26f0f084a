package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/botscheduler"
	"github.com/shopspring/decimal"
)

const MomentumName = "momentum"

type MomentumConfig struct {
	Lookback  int
	Threshold decimal.Decimal
	Quantity  decimal.Decimal
	Cooldown  time.Duration
	SignalTTL time.Duration
}

func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		Lookback:  20,
		Threshold: decimal.NewFromFloat(0.01),
		Quantity:  decimal.NewFromFloat(1),
		Cooldown:  time.Minute,
		SignalTTL: 30 * time.Second,
	}
}

// Momentum goes long when price moves up more than the threshold over
// the lookback window and flattens when it moves down by the same
// amount. A cooldown between signals keeps it from churning on a
// volatile tape.
type Momentum struct {
	mu         sync.Mutex
	bot        *entity.Bot
	config     MomentumConfig
	window     []decimal.Decimal
	long       bool
	lastSignal time.Time
}

func NewMomentum(bot *entity.Bot) (botscheduler.Strategy, error) {
	config := DefaultMomentumConfig()

	if raw, ok := paramInt(bot.StrategyParams, "lookback"); ok && raw > 1 {
		config.Lookback = raw
	}
	if raw, ok := paramDecimal(bot.StrategyParams, "threshold"); ok && raw.IsPositive() {
		config.Threshold = raw
	}
	if raw, ok := paramDecimal(bot.StrategyParams, "quantity"); ok && raw.IsPositive() {
		config.Quantity = raw
	}
	if raw, ok := paramDuration(bot.StrategyParams, "cooldown"); ok && raw > 0 {
		config.Cooldown = raw
	}
	if raw, ok := paramDuration(bot.StrategyParams, "signal_ttl"); ok && raw > 0 {
		config.SignalTTL = raw
	}

	return &Momentum{
		bot:    bot,
		config: config,
		window: make([]decimal.Decimal, 0, config.Lookback),
	}, nil
}

func (m *Momentum) OnTick(_ context.Context, tick entity.Tick) ([]entity.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price := tick.Price
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	m.window = append(m.window, price)
	if len(m.window) > m.config.Lookback {
		m.window = m.window[1:]
	}
	if len(m.window) < m.config.Lookback {
		return nil, nil
	}

	now := time.Now().UTC()
	if now.Sub(m.lastSignal) < m.config.Cooldown {
		return nil, nil
	}

	oldest := m.window[0]
	change := price.Sub(oldest).Div(oldest)

	switch {
	case !m.long && change.GreaterThanOrEqual(m.config.Threshold):
		m.long = true
		m.lastSignal = now
		return []entity.Signal{m.signal(tick, entity.SignalDirectionLong, m.config.Quantity, change, now)}, nil
	case m.long && change.LessThanOrEqual(m.config.Threshold.Neg()):
		m.long = false
		m.lastSignal = now
		return []entity.Signal{m.signal(tick, entity.SignalDirectionFlat, decimal.Zero, change, now)}, nil
	}

	return nil, nil
}

func (m *Momentum) signal(tick entity.Tick, direction entity.SignalDirection, quantity, change decimal.Decimal, now time.Time) entity.Signal {
	confidence := change.Abs().Div(m.config.Threshold)
	if confidence.GreaterThan(decimal.NewFromInt(1)) {
		confidence = decimal.NewFromInt(1)
	}

	return entity.Signal{
		BotID:       m.bot.ID,
		AccountID:   m.bot.AccountID,
		Symbol:      tick.Symbol,
		Direction:   direction,
		Quantity:    quantity,
		Confidence:  confidence,
		GeneratedAt: now,
		ExpiresAt:   now.Add(m.config.SignalTTL),
	}
}
