package repository

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/lib/pq"
)

type BotRepository struct {
	db *sqlx.DB
}

func NewBotRepository(db *sqlx.DB) *BotRepository {
	return &BotRepository{db: db}
}

// botRow carries the columns that need custom encoding: symbols as a
// text array, strategy params and budget as jsonb.
type botRow struct {
	entity.Bot
	Symbols        pq.StringArray `db:"symbols"`
	StrategyParams []byte         `db:"strategy_params"`
	Budget         []byte         `db:"budget"`
}

func (r *BotRepository) Create(ctx context.Context, bot *entity.Bot) error {
	params, err := json.Marshal(bot.StrategyParams)
	if err != nil {
		return err
	}

	budget, err := json.Marshal(bot.Budget)
	if err != nil {
		return err
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(bot.TableName()).
		Columns(
			"id",
			"account_id",
			"name",
			"symbols",
			"strategy",
			"strategy_params",
			"budget",
			"status",
			"realized_pnl",
			"last_heartbeat",
			"active",
			"created_at",
			"updated_at",
		).
		Values(
			bot.ID,
			bot.AccountID,
			bot.Name,
			pq.StringArray(bot.Symbols),
			bot.Strategy,
			params,
			budget,
			bot.Status,
			bot.RealizedPnL,
			bot.LastHeartbeat,
			bot.Active,
			bot.CreatedAt,
			bot.UpdatedAt,
		)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *BotRepository) Update(ctx context.Context, bot *entity.Bot) error {
	budget, err := json.Marshal(bot.Budget)
	if err != nil {
		return err
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(bot.TableName()).
		Set("status", bot.Status).
		Set("realized_pnl", bot.RealizedPnL).
		Set("last_heartbeat", bot.LastHeartbeat).
		Set("active", bot.Active).
		Set("budget", budget).
		Set("updated_at", bot.UpdatedAt).
		Where(sq.Eq{"id": bot.ID})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *BotRepository) GetByID(ctx context.Context, id string) (*entity.Bot, error) {
	var row botRow
	err := r.db.GetContext(ctx, &row, "SELECT * FROM bots WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}

	return rowToBot(&row)
}

func (r *BotRepository) ListActive(ctx context.Context) ([]entity.Bot, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("bots").
		Where(sq.Eq{"active": true}).
		OrderBy("created_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []botRow
	err = r.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, err
	}

	bots := make([]entity.Bot, 0, len(rows))
	for idx := range rows {
		bot, err := rowToBot(&rows[idx])
		if err != nil {
			return nil, err
		}
		bots = append(bots, *bot)
	}

	return bots, nil
}

func rowToBot(row *botRow) (*entity.Bot, error) {
	bot := row.Bot
	bot.Symbols = []string(row.Symbols)

	if len(row.StrategyParams) > 0 {
		if err := json.Unmarshal(row.StrategyParams, &bot.StrategyParams); err != nil {
			return nil, err
		}
	}

	if len(row.Budget) > 0 {
		if err := json.Unmarshal(row.Budget, &bot.Budget); err != nil {
			return nil, err
		}
	}

	return &bot, nil
}
