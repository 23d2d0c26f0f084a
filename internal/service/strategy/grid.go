package strategy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/botscheduler"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const GridName = "lazy-grid"

type GridConfig struct {
	GridPercent  decimal.Decimal
	BaseQuantity decimal.Decimal
	// MaxLongLevels caps concurrent long levels. 0 means unlimited.
	MaxLongLevels int
	SignalTTL     time.Duration
}

func DefaultGridConfig() GridConfig {
	return GridConfig{
		GridPercent:   decimal.NewFromFloat(0.005),
		BaseQuantity:  decimal.NewFromFloat(1),
		MaxLongLevels: 0,
		SignalTTL:     30 * time.Second,
	}
}

// Grid buys a fixed quantity each time price falls one grid level below
// the anchor and sells that level's quantity back once price climbs past
// it. The anchor is the first price seen after start.
type Grid struct {
	mu           sync.Mutex
	bot          *entity.Bot
	config       GridConfig
	stateStore   GridStateStore
	stateKey     string
	restored     bool
	anchorPrice  decimal.Decimal
	lastLevel    int
	filledLevels map[int]decimal.Decimal
}

// NewGridFactory builds grid strategies that persist their progress in
// the given store. A nil store keeps the grid purely in memory.
func NewGridFactory(store GridStateStore) botscheduler.StrategyFactory {
	return func(bot *entity.Bot) (botscheduler.Strategy, error) {
		config := DefaultGridConfig()

		if raw, ok := paramDecimal(bot.StrategyParams, "grid_percent"); ok && raw.IsPositive() {
			config.GridPercent = raw
		}
		if raw, ok := paramDecimal(bot.StrategyParams, "base_quantity"); ok && raw.IsPositive() {
			config.BaseQuantity = raw
		}
		if raw, ok := paramInt(bot.StrategyParams, "max_long_levels"); ok && raw > 0 {
			config.MaxLongLevels = raw
		}
		if raw, ok := paramDuration(bot.StrategyParams, "signal_ttl"); ok && raw > 0 {
			config.SignalTTL = raw
		}

		return &Grid{
			bot:          bot,
			config:       config,
			stateStore:   store,
			stateKey:     "grid:" + bot.ID,
			filledLevels: make(map[int]decimal.Decimal),
		}, nil
	}
}

func (g *Grid) OnTick(ctx context.Context, tick entity.Tick) ([]entity.Signal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price := tick.Price
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	if err := g.restoreOnce(ctx); err != nil {
		return nil, err
	}

	if g.anchorPrice.IsZero() {
		g.anchorPrice = price
		g.lastLevel = 0
		logrus.WithFields(logrus.Fields{
			"bot_id":      g.bot.ID,
			"symbol":      tick.Symbol,
			"anchorPrice": g.anchorPrice,
		}).Info("grid anchored")
		g.persistState(ctx)
		return nil, nil
	}

	currentLevel := gridLevel(g.anchorPrice, price, g.config.GridPercent)
	if currentLevel == g.lastLevel {
		return nil, nil
	}

	var signals []entity.Signal

	if currentLevel < g.lastLevel {
		for _, level := range g.collectBuyLevels(currentLevel) {
			g.filledLevels[level] = g.config.BaseQuantity
			signals = append(signals, g.signal(tick, entity.SignalDirectionLong, g.config.BaseQuantity))
		}
	}

	if currentLevel > g.lastLevel {
		for _, level := range g.collectSellLevels(currentLevel) {
			quantity := g.filledLevels[level]
			delete(g.filledLevels, level)
			if quantity.IsPositive() {
				signals = append(signals, g.signal(tick, entity.SignalDirectionShort, quantity))
			}
		}
	}

	g.lastLevel = currentLevel
	g.persistState(ctx)

	if len(signals) > 0 {
		logrus.WithFields(logrus.Fields{
			"bot_id":       g.bot.ID,
			"symbol":       tick.Symbol,
			"currentLevel": currentLevel,
			"signals":      len(signals),
		}).Debug("grid level crossed")
	}

	return signals, nil
}

func (g *Grid) restoreOnce(ctx context.Context) error {
	if g.restored || g.stateStore == nil {
		g.restored = true
		return nil
	}
	g.restored = true

	state, found, err := g.stateStore.Load(ctx, g.stateKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	g.anchorPrice = state.AnchorPrice
	g.lastLevel = state.LastLevel
	g.filledLevels = make(map[int]decimal.Decimal, len(state.FilledLevels))
	for _, level := range state.FilledLevels {
		if level.Quantity.IsPositive() {
			g.filledLevels[level.Level] = level.Quantity
		}
	}

	logrus.WithFields(logrus.Fields{
		"bot_id":      g.bot.ID,
		"stateKey":    g.stateKey,
		"anchorPrice": g.anchorPrice,
		"lastLevel":   g.lastLevel,
		"levels":      len(g.filledLevels),
	}).Info("grid state restored from redis")

	return nil
}

func (g *Grid) persistState(ctx context.Context) {
	if g.stateStore == nil {
		return
	}

	levels := make([]int, 0, len(g.filledLevels))
	for level := range g.filledLevels {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	state := GridState{
		AnchorPrice:  g.anchorPrice,
		LastLevel:    g.lastLevel,
		FilledLevels: make([]GridLevel, 0, len(levels)),
	}
	for _, level := range levels {
		state.FilledLevels = append(state.FilledLevels, GridLevel{Level: level, Quantity: g.filledLevels[level]})
	}

	if err := g.stateStore.Save(ctx, g.stateKey, state); err != nil {
		logrus.WithField("stateKey", g.stateKey).Warnf("grid state save failed: %v", err)
	}
}

func (g *Grid) collectBuyLevels(currentLevel int) []int {
	levels := make([]int, 0)
	for level := g.lastLevel - 1; level >= currentLevel; level-- {
		if level >= 0 {
			continue
		}
		if _, exists := g.filledLevels[level]; exists {
			continue
		}
		if g.config.MaxLongLevels > 0 && len(g.filledLevels)+len(levels) >= g.config.MaxLongLevels {
			break
		}
		levels = append(levels, level)
	}
	return levels
}

func (g *Grid) collectSellLevels(currentLevel int) []int {
	levels := make([]int, 0)
	for level := range g.filledLevels {
		if level < currentLevel {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	return levels
}

func (g *Grid) signal(tick entity.Tick, direction entity.SignalDirection, quantity decimal.Decimal) entity.Signal {
	now := time.Now().UTC()
	return entity.Signal{
		BotID:       g.bot.ID,
		AccountID:   g.bot.AccountID,
		Symbol:      tick.Symbol,
		Direction:   direction,
		Quantity:    quantity,
		Confidence:  decimal.NewFromInt(1),
		GeneratedAt: now,
		ExpiresAt:   now.Add(g.config.SignalTTL),
	}
}

func gridLevel(anchorPrice, price, gridPercent decimal.Decimal) int {
	if anchorPrice.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) || gridPercent.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	ratio, _ := price.Div(anchorPrice).Float64()
	gridSize, _ := gridPercent.Float64()
	if ratio <= 0 || gridSize <= 0 {
		return 0
	}

	step := 1 + gridSize
	if step <= 1 {
		return 0
	}

	return int(math.Floor(math.Log(ratio) / math.Log(step)))
}
