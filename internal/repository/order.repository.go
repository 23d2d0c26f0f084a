package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/trading-core/internal/entity"
)

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(order.TableName()).
		Columns(
			"id",
			"request_id",
			"account_id",
			"bot_id",
			"symbol",
			"side",
			"kind",
			"quantity",
			"limit_price",
			"stop_price",
			"time_in_force",
			"status",
			"filled_quantity",
			"avg_fill_price",
			"venue_order_id",
			"reject_reason",
			"source",
			"expires_at",
			"created_at",
			"updated_at",
		).
		Values(
			order.ID,
			order.RequestID,
			order.AccountID,
			order.BotID,
			order.Symbol,
			order.Side,
			order.Kind,
			order.Quantity,
			order.LimitPrice,
			order.StopPrice,
			order.TimeInForce,
			order.Status,
			order.FilledQuantity,
			order.AvgFillPrice,
			order.VenueOrderID,
			order.RejectReason,
			order.Source,
			order.ExpiresAt,
			order.CreatedAt,
			order.UpdatedAt,
		)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) Update(ctx context.Context, order *entity.Order) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(order.TableName()).
		Set("status", order.Status).
		Set("filled_quantity", order.FilledQuantity).
		Set("avg_fill_price", order.AvgFillPrice).
		Set("venue_order_id", order.VenueOrderID).
		Set("reject_reason", order.RejectReason).
		Set("updated_at", order.UpdatedAt).
		Where(sq.Eq{"id": order.ID})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	var order entity.Order
	err := r.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByRequestID(ctx context.Context, requestID string) (*entity.Order, error) {
	var order entity.Order
	err := r.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE request_id = $1", requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) ListExpiredPending(ctx context.Context, asOf time.Time) ([]entity.Order, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("orders").
		Where(sq.Eq{"status": entity.OrderStatusPending}).
		Where(sq.NotEq{"expires_at": nil}).
		Where(sq.LtOrEq{"expires_at": asOf}).
		OrderBy("expires_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var orders []entity.Order
	err = r.db.SelectContext(ctx, &orders, query, args...)
	if err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *OrderRepository) GetOpenByBotID(ctx context.Context, botID string) ([]entity.Order, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("orders").
		Where(sq.Eq{"bot_id": botID}).
		Where(sq.Eq{"status": []entity.OrderStatus{
			entity.OrderStatusPending,
			entity.OrderStatusPartiallyFilled,
			entity.OrderStatusCancelRequested,
			entity.OrderStatusUnknown,
		}}).
		OrderBy("created_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var orders []entity.Order
	err = r.db.SelectContext(ctx, &orders, query, args...)
	if err != nil {
		return nil, err
	}

	return orders, nil
}
