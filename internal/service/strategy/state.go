package strategy

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type GridState struct {
	AnchorPrice  decimal.Decimal `json:"anchor_price"`
	LastLevel    int             `json:"last_level"`
	FilledLevels []GridLevel     `json:"filled_levels,omitempty"`
}

type GridLevel struct {
	Level    int             `json:"level"`
	Quantity decimal.Decimal `json:"quantity"`
}

// GridStateStore persists grid progress so a restarted bot resumes from
// its filled levels instead of re-anchoring.
type GridStateStore interface {
	Load(ctx context.Context, key string) (GridState, bool, error)
	Save(ctx context.Context, key string, state GridState) error
}

type RedisGridStateStore struct {
	client *redis.Client
}

func NewRedisGridStateStore(client *redis.Client) *RedisGridStateStore {
	return &RedisGridStateStore{client: client}
}

func (s *RedisGridStateStore) Load(ctx context.Context, key string) (GridState, bool, error) {
	rawState, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return GridState{}, false, nil
		}
		return GridState{}, false, err
	}

	var state GridState
	if err := json.Unmarshal([]byte(rawState), &state); err != nil {
		return GridState{}, false, err
	}

	return state, true, nil
}

func (s *RedisGridStateStore) Save(ctx context.Context, key string, state GridState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, payload, 0).Err()
}
