package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func momentumBot(params map[string]any) *entity.Bot {
	return &entity.Bot{
		ID:             "bot-1",
		AccountID:      "acc-1",
		Symbols:        []string{"BTCUSD"},
		Strategy:       MomentumName,
		StrategyParams: params,
	}
}

func newMomentumStrategy(t *testing.T, params map[string]any) *Momentum {
	t.Helper()
	strategy, err := NewMomentum(momentumBot(params))
	require.NoError(t, err)
	return strategy.(*Momentum)
}

func feed(t *testing.T, m *Momentum, prices ...float64) []entity.Signal {
	t.Helper()
	var last []entity.Signal
	for _, price := range prices {
		signals, err := m.OnTick(context.Background(), entity.Tick{
			Symbol: "BTCUSD",
			Price:  decimal.NewFromFloat(price),
			Time:   time.Now().UTC(),
		})
		require.NoError(t, err)
		last = signals
	}
	return last
}

func TestMomentumStaysQuietDuringWarmup(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback": 3.0,
		"cooldown": "1ms",
	})

	// big move, but the window is not full yet
	signals := feed(t, m, 100, 110)
	assert.Empty(t, signals)
}

func TestMomentumGoesLongOnThresholdCross(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback": 3.0,
		"quantity": 2.0,
		"cooldown": "1ms",
	})

	signals := feed(t, m, 100, 100, 102)
	require.Len(t, signals, 1)
	assert.Equal(t, entity.SignalDirectionLong, signals[0].Direction)
	assert.True(t, signals[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, signals[0].Confidence.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "bot-1", signals[0].BotID)
	assert.False(t, signals[0].ExpiresAt.IsZero())
}

func TestMomentumFlattensOnReversal(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback": 3.0,
		"cooldown": "1ms",
	})

	signals := feed(t, m, 100, 100, 102)
	require.Len(t, signals, 1)
	require.Equal(t, entity.SignalDirectionLong, signals[0].Direction)

	time.Sleep(5 * time.Millisecond)

	// oldest in window is 100; 98 is a -2% move
	signals = feed(t, m, 98)
	require.Len(t, signals, 1)
	assert.Equal(t, entity.SignalDirectionFlat, signals[0].Direction)
	assert.True(t, signals[0].Quantity.IsZero())
}

func TestMomentumIgnoresSmallMoves(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback": 3.0,
		"cooldown": "1ms",
	})

	signals := feed(t, m, 100, 100, 100.5)
	assert.Empty(t, signals)
}

func TestMomentumNeverRepeatsLongWhileLong(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback": 3.0,
		"cooldown": "1ms",
	})

	signals := feed(t, m, 100, 100, 102)
	require.Len(t, signals, 1)

	time.Sleep(5 * time.Millisecond)

	// still trending up, but the position is already on
	signals = feed(t, m, 104)
	assert.Empty(t, signals)
}

func TestMomentumCooldownSuppressesSignals(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback": 3.0,
		"cooldown": "1h",
	})

	signals := feed(t, m, 100, 100, 102)
	require.Len(t, signals, 1)

	// immediate reversal is swallowed by the cooldown
	signals = feed(t, m, 90)
	assert.Empty(t, signals)
}

func TestMomentumParamParsing(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback":   5.0,
		"threshold":  0.02,
		"quantity":   "3",
		"cooldown":   "30s",
		"signal_ttl": "45s",
	})

	assert.Equal(t, 5, m.config.Lookback)
	assert.True(t, m.config.Threshold.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, m.config.Quantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 30*time.Second, m.config.Cooldown)
	assert.Equal(t, 45*time.Second, m.config.SignalTTL)
}

func TestMomentumDefaultsWhenParamsInvalid(t *testing.T) {
	m := newMomentumStrategy(t, map[string]any{
		"lookback":  1.0,
		"threshold": -0.5,
		"cooldown":  "soon",
	})

	defaults := DefaultMomentumConfig()
	assert.Equal(t, defaults.Lookback, m.config.Lookback)
	assert.True(t, m.config.Threshold.Equal(defaults.Threshold))
	assert.Equal(t, defaults.Cooldown, m.config.Cooldown)
}
