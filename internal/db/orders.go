package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateOrder inserts a new active limit order into the user's wallet
func (db *DB) CreateOrder(ctx context.Context, userID int, order *models.Order) (*models.Order, error) {
	// Validate order
	if order.OrderType != models.OrderTypeBuy && order.OrderType != models.OrderTypeSell {
		return nil, fmt.Errorf("order_type must be 'buy' or 'sell'")
	}
	if !order.PriceUSD.IsPositive() {
		return nil, fmt.Errorf("price_usd must be positive")
	}
	if !order.BTCAmount.IsPositive() {
		return nil, fmt.Errorf("btc_amount must be positive")
	}
	if !models.FitsScale(order.BTCAmount) || !models.FitsScale(order.PriceUSD) {
		return nil, fmt.Errorf("btc_amount and price_usd must have at most %d decimal places", models.AmountPlaces)
	}

	newOrder, err := scanOrder(db.Pool.QueryRow(ctx,
		"INSERT INTO orders (wallet_id, order_type, btc_amount, price_usd) "+
			"SELECT id, $2::varchar, $3::numeric, $4::numeric FROM wallets WHERE user_id = $1 "+
			"RETURNING "+orderColumns,
		userID, order.OrderType, order.BTCAmount.String(), order.PriceUSD.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("wallet for user %d: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	zap.L().Info("Order placed",
		zap.Int("order_id", newOrder.ID),
		zap.Int("wallet_id", newOrder.WalletID),
		zap.String("order_type", newOrder.OrderType),
		zap.String("btc_amount", newOrder.BTCAmount.String()),
		zap.String("price_usd", newOrder.PriceUSD.String()))
	return newOrder, nil
}

// GetUserOrders retrieves all orders for a user
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders "+
			"WHERE wallet_id = (SELECT id FROM wallets WHERE user_id = $1) ORDER BY id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collectOrders(rows)
}

// ListActiveOrders retrieves every active order, oldest first
func (db *DB) ListActiveOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE is_active ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

// CancelOrder deactivates an order if it belongs to the user and is still active
func (db *DB) CancelOrder(ctx context.Context, orderID, userID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row so a concurrent settlement pass sees the cancel or wins first
	var active bool
	err = tx.QueryRow(ctx,
		"SELECT o.is_active FROM orders o JOIN wallets w ON w.id = o.wallet_id "+
			"WHERE o.id = $1 AND w.user_id = $2 FOR UPDATE OF o",
		orderID, userID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotActive
		}
		return fmt.Errorf("failed to get order: %w", err)
	}
	if !active {
		return ErrOrderNotActive
	}

	tag, err := tx.Exec(ctx,
		"UPDATE orders SET is_active = FALSE WHERE id = $1 AND is_active", orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotActive
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Order canceled", zap.Int("order_id", orderID), zap.Int("user_id", userID))
	return nil
}
