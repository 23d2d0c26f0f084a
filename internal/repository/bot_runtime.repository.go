package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/redis/go-redis/v9"
)

const botRuntimeTTL = 24 * time.Hour

// RedisBotRuntimeStore mirrors the volatile side of a bot (heartbeat,
// live status) into redis so operators and other processes can observe
// scheduler state without touching the database.
type RedisBotRuntimeStore struct {
	client *redis.Client
}

func NewRedisBotRuntimeStore(client *redis.Client) *RedisBotRuntimeStore {
	return &RedisBotRuntimeStore{client: client}
}

func (s *RedisBotRuntimeStore) RecordHeartbeat(ctx context.Context, botID string, at time.Time) error {
	return s.client.Set(ctx, heartbeatKey(botID), at.UTC().Format(time.RFC3339Nano), botRuntimeTTL).Err()
}

func (s *RedisBotRuntimeStore) SetStatus(ctx context.Context, botID string, status entity.BotStatus) error {
	return s.client.Set(ctx, statusKey(botID), string(status), botRuntimeTTL).Err()
}

func (s *RedisBotRuntimeStore) GetStatus(ctx context.Context, botID string) (entity.BotStatus, bool, error) {
	raw, err := s.client.Get(ctx, statusKey(botID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}

	return entity.BotStatus(raw), true, nil
}

func (s *RedisBotRuntimeStore) Close() error {
	return s.client.Close()
}

func heartbeatKey(botID string) string {
	return fmt.Sprintf("bot:%s:heartbeat", botID)
}

func statusKey(botID string) string {
	return fmt.Sprintf("bot:%s:status", botID)
}
