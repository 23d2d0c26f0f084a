package repository

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/trading-core/internal/entity"
)

type PositionRepository struct {
	db *sqlx.DB
}

func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) Upsert(ctx context.Context, position *entity.Position) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(position.TableName()).
		Columns(
			"id",
			"account_id",
			"symbol",
			"quantity",
			"avg_entry_price",
			"realized_pnl",
			"opened_at",
			"closed_at",
			"updated_at",
		).
		Values(
			position.ID,
			position.AccountID,
			position.Symbol,
			position.Quantity,
			position.AvgEntryPrice,
			position.RealizedPnL,
			position.OpenedAt,
			position.ClosedAt,
			position.UpdatedAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			closed_at = EXCLUDED.closed_at,
			updated_at = EXCLUDED.updated_at`)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *PositionRepository) GetOpen(ctx context.Context, accountID, symbol string) (*entity.Position, error) {
	var position entity.Position
	err := r.db.GetContext(ctx, &position,
		"SELECT * FROM positions WHERE account_id = $1 AND symbol = $2 AND closed_at IS NULL",
		accountID, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return &position, nil
}

func (r *PositionRepository) ListOpenByAccount(ctx context.Context, accountID string) ([]entity.Position, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("positions").
		Where(sq.Eq{"account_id": accountID}).
		Where("closed_at IS NULL").
		OrderBy("symbol asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var positions []entity.Position
	err = r.db.SelectContext(ctx, &positions, query, args...)
	if err != nil {
		return nil, err
	}

	return positions, nil
}
