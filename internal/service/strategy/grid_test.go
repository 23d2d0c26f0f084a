package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memGridStateStore struct {
	mu     sync.Mutex
	states map[string]GridState
	saves  int
}

func newMemGridStateStore() *memGridStateStore {
	return &memGridStateStore{states: make(map[string]GridState)}
}

func (s *memGridStateStore) Load(_ context.Context, key string) (GridState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	return state, ok, nil
}

func (s *memGridStateStore) Save(_ context.Context, key string, state GridState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
	s.saves++
	return nil
}

func gridBot(params map[string]any) *entity.Bot {
	return &entity.Bot{
		ID:             "bot-1",
		AccountID:      "acc-1",
		Symbols:        []string{"BTCUSD"},
		Strategy:       GridName,
		StrategyParams: params,
	}
}

func gridTick(price float64) entity.Tick {
	return entity.Tick{
		Symbol: "BTCUSD",
		Price:  decimal.NewFromFloat(price),
		Time:   time.Now().UTC(),
	}
}

func newGrid(t *testing.T, store GridStateStore, params map[string]any) *Grid {
	t.Helper()
	strategy, err := NewGridFactory(store)(gridBot(params))
	require.NoError(t, err)
	return strategy.(*Grid)
}

func TestGridAnchorsOnFirstPrice(t *testing.T) {
	store := newMemGridStateStore()
	grid := newGrid(t, store, nil)

	signals, err := grid.OnTick(context.Background(), gridTick(100))
	require.NoError(t, err)
	assert.Empty(t, signals)

	state, found, err := store.Load(context.Background(), "grid:bot-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, state.AnchorPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 0, state.LastLevel)
}

func TestGridBuysOnLevelDrop(t *testing.T) {
	grid := newGrid(t, nil, map[string]any{
		"grid_percent":  0.01,
		"base_quantity": 2.0,
	})

	ctx := context.Background()
	_, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)

	signals, err := grid.OnTick(ctx, gridTick(99.1))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, entity.SignalDirectionLong, signals[0].Direction)
	assert.True(t, signals[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "bot-1", signals[0].BotID)
	assert.False(t, signals[0].ExpiresAt.IsZero())

	// one level lower buys only the newly crossed level
	signals, err = grid.OnTick(ctx, gridTick(98.5))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, entity.SignalDirectionLong, signals[0].Direction)
}

func TestGridSellsFilledLevelsOnRecovery(t *testing.T) {
	grid := newGrid(t, nil, map[string]any{
		"grid_percent":  0.01,
		"base_quantity": 2.0,
	})

	ctx := context.Background()
	_, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)
	_, err = grid.OnTick(ctx, gridTick(98.5))
	require.NoError(t, err)

	signals, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)
	require.Len(t, signals, 2)
	for _, signal := range signals {
		assert.Equal(t, entity.SignalDirectionShort, signal.Direction)
		assert.True(t, signal.Quantity.Equal(decimal.NewFromInt(2)))
	}

	// inventory is gone; a further rise sells nothing
	signals, err = grid.OnTick(ctx, gridTick(101.2))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestGridNeverBuysAboveAnchor(t *testing.T) {
	grid := newGrid(t, nil, map[string]any{"grid_percent": 0.01})

	ctx := context.Background()
	_, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)

	signals, err := grid.OnTick(ctx, gridTick(103))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestGridRespectsMaxLongLevels(t *testing.T) {
	grid := newGrid(t, nil, map[string]any{
		"grid_percent":    0.01,
		"max_long_levels": 1.0,
	})

	ctx := context.Background()
	_, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)

	// a three-level gap down still opens only one level
	signals, err := grid.OnTick(ctx, gridTick(97.5))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, entity.SignalDirectionLong, signals[0].Direction)
}

func TestGridIgnoresUnchangedLevel(t *testing.T) {
	grid := newGrid(t, nil, map[string]any{"grid_percent": 0.01})

	ctx := context.Background()
	_, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)

	signals, err := grid.OnTick(ctx, gridTick(100.05))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestGridIgnoresNonPositivePrice(t *testing.T) {
	grid := newGrid(t, nil, nil)

	signals, err := grid.OnTick(context.Background(), entity.Tick{Symbol: "BTCUSD", Price: decimal.Zero})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestGridRestoresStateFromStore(t *testing.T) {
	store := newMemGridStateStore()
	store.states["grid:bot-1"] = GridState{
		AnchorPrice: decimal.NewFromInt(100),
		LastLevel:   -1,
		FilledLevels: []GridLevel{
			{Level: -1, Quantity: decimal.NewFromInt(5)},
		},
	}

	grid := newGrid(t, store, map[string]any{"grid_percent": 0.01})

	// restored grid resumes instead of re-anchoring: level 0 sells the
	// restored -1 fill
	signals, err := grid.OnTick(context.Background(), gridTick(100))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, entity.SignalDirectionShort, signals[0].Direction)
	assert.True(t, signals[0].Quantity.Equal(decimal.NewFromInt(5)))
}

func TestGridPersistsProgress(t *testing.T) {
	store := newMemGridStateStore()
	grid := newGrid(t, store, map[string]any{"grid_percent": 0.01})

	ctx := context.Background()
	_, err := grid.OnTick(ctx, gridTick(100))
	require.NoError(t, err)
	_, err = grid.OnTick(ctx, gridTick(99.1))
	require.NoError(t, err)

	state, found, err := store.Load(ctx, "grid:bot-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, -1, state.LastLevel)
	require.Len(t, state.FilledLevels, 1)
	assert.Equal(t, -1, state.FilledLevels[0].Level)
}

func TestGridLevelMath(t *testing.T) {
	anchor := decimal.NewFromInt(100)
	percent := decimal.NewFromFloat(0.01)

	tests := []struct {
		price float64
		level int
	}{
		{100, 0},
		{100.5, 0},
		{101.2, 1},
		{99.1, -1},
		{98.5, -2},
		{97.5, -3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, gridLevel(anchor, decimal.NewFromFloat(tt.price), percent), "price %v", tt.price)
	}

	assert.Equal(t, 0, gridLevel(decimal.Zero, decimal.NewFromInt(100), percent))
	assert.Equal(t, 0, gridLevel(anchor, decimal.NewFromInt(100), decimal.Zero))
}
