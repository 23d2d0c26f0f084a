package entity

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// OrderStore is the durable order ledger. Implementations must provide
// read-after-write consistency per key: an order must be visible to a
// cancel request issued right after its submission.
type OrderStore interface {
	Create(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByRequestID(ctx context.Context, requestID string) (*Order, error)
	GetOpenByBotID(ctx context.Context, botID string) ([]Order, error)
	ListExpiredPending(ctx context.Context, asOf time.Time) ([]Order, error)
}

// TradeStore persists immutable execution records. Create must fail with
// ErrDuplicateTrade when the (venue trade id) was already ingested.
type TradeStore interface {
	Create(ctx context.Context, trade *Trade) error
	GetByOrderID(ctx context.Context, orderID string) ([]Trade, error)
}

var ErrDuplicateTrade = errors.New("trade already ingested")

type PositionStore interface {
	Upsert(ctx context.Context, position *Position) error
	GetOpen(ctx context.Context, accountID, symbol string) (*Position, error)
	ListOpenByAccount(ctx context.Context, accountID string) ([]Position, error)
}

type BotStore interface {
	Create(ctx context.Context, bot *Bot) error
	Update(ctx context.Context, bot *Bot) error
	GetByID(ctx context.Context, id string) (*Bot, error)
	ListActive(ctx context.Context) ([]Bot, error)
}

// BotRuntimeStore keeps the volatile side of a bot: heartbeats and the
// live status mirror the scheduler exposes to other processes.
type BotRuntimeStore interface {
	RecordHeartbeat(ctx context.Context, botID string, at time.Time) error
	SetStatus(ctx context.Context, botID string, status BotStatus) error
	GetStatus(ctx context.Context, botID string) (BotStatus, bool, error)
}
