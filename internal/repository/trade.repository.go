package repository

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/lib/pq"
)

type TradeRepository struct {
	db *sqlx.DB
}

func NewTradeRepository(db *sqlx.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func (r *TradeRepository) Create(ctx context.Context, trade *entity.Trade) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(trade.TableName()).
		Columns(
			"id",
			"order_id",
			"account_id",
			"symbol",
			"side",
			"quantity",
			"price",
			"fee",
			"fee_asset",
			"is_maker",
			"venue_trade_id",
			"executed_at",
			"created_at",
		).
		Values(
			trade.ID,
			trade.OrderID,
			trade.AccountID,
			trade.Symbol,
			trade.Side,
			trade.Quantity,
			trade.Price,
			trade.Fee,
			trade.FeeAsset,
			trade.IsMaker,
			trade.VenueTradeID,
			trade.ExecutedAt,
			trade.CreatedAt,
		)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		var pqErr *pq.Error
		// 23505 unique_violation on venue_trade_id means the trade was
		// already ingested
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return entity.ErrDuplicateTrade
		}
		return err
	}

	return nil
}

func (r *TradeRepository) GetByOrderID(ctx context.Context, orderID string) ([]entity.Trade, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("trades").
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("executed_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var trades []entity.Trade
	err = r.db.SelectContext(ctx, &trades, query, args...)
	if err != nil {
		return nil, err
	}

	return trades, nil
}
