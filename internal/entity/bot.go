package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type BotStatus string

const (
	BotStatusStopped  BotStatus = "STOPPED"
	BotStatusStarting BotStatus = "STARTING"
	BotStatusRunning  BotStatus = "RUNNING"
	BotStatusStopping BotStatus = "STOPPING"
	BotStatusErrored  BotStatus = "ERRORED"
)

var botTransitions = map[BotStatus][]BotStatus{
	BotStatusStopped:  {BotStatusStarting},
	BotStatusStarting: {BotStatusRunning, BotStatusErrored, BotStatusStopping},
	BotStatusRunning:  {BotStatusStopping, BotStatusErrored},
	BotStatusStopping: {BotStatusStopped, BotStatusErrored},
	// errored bots restart only through an explicit user action
	BotStatusErrored: {BotStatusStarting},
}

func (s BotStatus) CanTransition(next BotStatus) bool {
	for _, allowed := range botTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RiskBudget bounds what a bot is allowed to do. MaxDrawdown is an
// absolute loss budget in quote currency; RiskFraction is the share of
// account equity a single trade may put at risk.
type RiskBudget struct {
	MaxPositionSize decimal.Decimal `db:"max_position_size" json:"max_position_size" mapstructure:"max_position_size"`
	MaxDrawdown     decimal.Decimal `db:"max_drawdown" json:"max_drawdown" mapstructure:"max_drawdown"`
	RiskFraction    decimal.Decimal `db:"risk_fraction" json:"risk_fraction" mapstructure:"risk_fraction"`
}

type Bot struct {
	ID             string          `db:"id" json:"id"`
	AccountID      string          `db:"account_id" json:"account_id"`
	Name           string          `db:"name" json:"name"`
	Symbols        []string        `db:"-" json:"symbols"`
	Strategy       string          `db:"strategy" json:"strategy"`
	StrategyParams map[string]any  `db:"-" json:"strategy_params,omitempty"`
	Budget         RiskBudget      `db:"-" json:"budget"`
	Status         BotStatus       `db:"status" json:"status"`
	RealizedPnL    decimal.Decimal `db:"realized_pnl" json:"realized_pnl"`
	LastHeartbeat  *time.Time      `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	Active         bool            `db:"active" json:"active"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

func (b Bot) TableName() string {
	return "bots"
}
