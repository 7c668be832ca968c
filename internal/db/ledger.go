package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// WalletFunc mutates a locked wallet and returns the transaction to record.
// Returning an error aborts the unit of work without changes.
type WalletFunc func(wallet *models.Wallet) (*models.Transaction, error)

// SettleOrder runs one settlement unit of work for a single order. The order
// and its wallet are locked, the order is re-checked for is_active, and
// settle decides the outcome. If settle returns a transaction the wallet is
// saved, the transaction appended and the order deactivated in one commit.
// It reports whether the order was settled.
func (db *DB) SettleOrder(ctx context.Context, orderID int, settle models.SettleFunc) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return false, fmt.Errorf("failed to lock order: %w", err)
	}
	if !order.IsActive {
		// Already filled or canceled since the scan
		return false, nil
	}

	wallet, err := lockWallet(ctx, tx, order.WalletID)
	if err != nil {
		return false, err
	}

	txn := settle(*order, wallet)
	if txn == nil {
		return false, nil
	}
	txn.WalletID = wallet.ID
	txn.OrderID = &order.ID

	if err := saveWallet(ctx, tx, wallet); err != nil {
		return false, err
	}
	if _, err := insertTransaction(ctx, tx, txn); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, "UPDATE orders SET is_active = FALSE WHERE id = $1 AND is_active", order.ID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, fmt.Errorf("order %d: %w", order.ID, ErrOrderNotActive)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ApplyToWallet locks the wallet, lets apply mutate it, then saves the wallet
// and appends the returned transaction in one commit.
func (db *DB) ApplyToWallet(ctx context.Context, walletID int, apply WalletFunc) (*models.Wallet, *models.Transaction, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, nil, err
	}

	txn, err := apply(wallet)
	if err != nil {
		return nil, nil, err
	}
	txn.WalletID = wallet.ID

	if err := saveWallet(ctx, tx, wallet); err != nil {
		return nil, nil, err
	}
	recorded, err := insertTransaction(ctx, tx, txn)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Market trade executed",
		zap.Int("wallet_id", wallet.ID),
		zap.String("transaction_type", recorded.TransactionType),
		zap.String("btc_amount", recorded.BTCAmount.String()),
		zap.String("usd_amount", recorded.USDAmount.String()))
	return wallet, recorded, nil
}

// GetUserTransactions retrieves a user's transaction history, oldest first
func (db *DB) GetUserTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions "+
			"WHERE wallet_id = (SELECT id FROM wallets WHERE user_id = $1) ORDER BY id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID int) (*models.Wallet, error) {
	wallet, err := scanWallet(tx.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE id = $1 FOR UPDATE", walletID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("wallet %d: %w", walletID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return wallet, nil
}

func saveWallet(ctx context.Context, tx pgx.Tx, wallet *models.Wallet) error {
	if wallet.BTCBalance.IsNegative() || wallet.USDBalance.IsNegative() {
		return fmt.Errorf("wallet %d: %w", wallet.ID, errNegativeBalance)
	}
	if !models.FitsScale(wallet.BTCBalance) || !models.FitsScale(wallet.USDBalance) {
		return fmt.Errorf("wallet %d: %w", wallet.ID, errBalanceScale)
	}
	_, err := tx.Exec(ctx,
		"UPDATE wallets SET btc_balance = $1::numeric, usd_balance = $2::numeric WHERE id = $3",
		wallet.BTCBalance.String(), wallet.USDBalance.String(), wallet.ID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *models.Transaction) (*models.Transaction, error) {
	recorded, err := scanTransaction(tx.QueryRow(ctx,
		"INSERT INTO transactions (wallet_id, order_id, pass_id, transaction_type, btc_amount, usd_amount) "+
			"VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5::numeric, $6::numeric) RETURNING "+transactionColumns,
		txn.WalletID, txn.OrderID, txn.PassID, txn.TransactionType, txn.BTCAmount.String(), txn.USDAmount.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return recorded, nil
}
