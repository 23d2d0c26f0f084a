package strategy

import (
	"time"

	"github.com/krobus00/trading-core/internal/service/botscheduler"
	"github.com/shopspring/decimal"
)

// RegisterAll wires every built-in strategy into the scheduler. The
// state store backs the grid strategy; nil disables persistence.
func RegisterAll(scheduler *botscheduler.Scheduler, store GridStateStore) error {
	if err := scheduler.RegisterStrategy(GridName, NewGridFactory(store)); err != nil {
		return err
	}
	if err := scheduler.RegisterStrategy(MomentumName, NewMomentum); err != nil {
		return err
	}
	return nil
}

// Strategy params arrive as jsonb, so numbers show up as float64 and
// durations as strings.

func paramDecimal(params map[string]any, key string) (decimal.Decimal, bool) {
	raw, ok := params[key]
	if !ok {
		return decimal.Zero, false
	}

	switch value := raw.(type) {
	case float64:
		return decimal.NewFromFloat(value), true
	case int:
		return decimal.NewFromInt(int64(value)), true
	case int64:
		return decimal.NewFromInt(value), true
	case string:
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, false
		}
		return parsed, true
	default:
		return decimal.Zero, false
	}
}

func paramInt(params map[string]any, key string) (int, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}

	switch value := raw.(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	case int64:
		return int(value), true
	default:
		return 0, false
	}
}

func paramDuration(params map[string]any, key string) (time.Duration, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}

	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case float64:
		return time.Duration(value) * time.Second, true
	default:
		return 0, false
	}
}
