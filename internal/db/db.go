package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// Sentinel errors returned by DB methods
var (
	ErrNotFound        = errors.New("not found")
	ErrUsernameTaken   = errors.New("username already registered")
	ErrOrderNotActive  = errors.New("order not found, not owned by user, or not active")
	errNegativeBalance = errors.New("wallet balance would go negative")
	errBalanceScale    = errors.New("wallet balance exceeds column scale")
)

var defaultStartingUSD = decimal.NewFromInt(10000)

const (
	uniqueViolationCode = "23505"

	// NUMERIC columns are selected as text and parsed into decimals
	walletColumns      = "id, user_id, btc_balance::text, usd_balance::text"
	orderColumns       = "id, wallet_id, order_type, btc_amount::text, price_usd::text, is_active, timestamp"
	transactionColumns = "id, wallet_id, order_id, COALESCE(pass_id::text, ''), transaction_type, btc_amount::text, usd_amount::text, timestamp"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	// StartingUSD is credited to the wallet created for every new user
	StartingUSD decimal.Decimal
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool, StartingUSD: defaultStartingUSD}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	zap.L().Info("Database schema applied")
	return nil
}

// CreateUser inserts a new user together with its wallet
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	user := &models.User{}
	err = tx.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO wallets (user_id, btc_balance, usd_balance) VALUES ($1, 0, $2::numeric)",
		user.ID, db.StartingUSD.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("User registered", zap.Int("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetWalletByUserID retrieves the wallet owned by a user
func (db *DB) GetWalletByUserID(ctx context.Context, userID int) (*models.Wallet, error) {
	wallet, err := scanWallet(db.Pool.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	var btc, usd string
	if err := row.Scan(&w.ID, &w.UserID, &btc, &usd); err != nil {
		return nil, err
	}
	if err := parseDecimals([]string{btc, usd}, &w.BTCBalance, &w.USDBalance); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var amount, price string
	if err := row.Scan(&o.ID, &o.WalletID, &o.OrderType, &amount, &price, &o.IsActive, &o.Timestamp); err != nil {
		return nil, err
	}
	if err := parseDecimals([]string{amount, price}, &o.BTCAmount, &o.PriceUSD); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var btc, usd string
	if err := row.Scan(&t.ID, &t.WalletID, &t.OrderID, &t.PassID, &t.TransactionType, &btc, &usd, &t.Timestamp); err != nil {
		return nil, err
	}
	if err := parseDecimals([]string{btc, usd}, &t.BTCAmount, &t.USDAmount); err != nil {
		return nil, err
	}
	return &t, nil
}

// parseDecimals parses NUMERIC columns selected as text
func parseDecimals(values []string, dst ...*decimal.Decimal) error {
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", v, err)
		}
		*dst[i] = d
	}
	return nil
}
