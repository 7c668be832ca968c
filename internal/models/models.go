package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order and transaction types
const (
	OrderTypeBuy  = "buy"
	OrderTypeSell = "sell"
)

// AmountPlaces is the scale of every NUMERIC amount and balance column
const AmountPlaces = 8

// FitsScale reports whether d can be stored without rounding
func FitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountPlaces))
}

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Wallet holds a user's BTC and USD balances
type Wallet struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	BTCBalance decimal.Decimal `json:"btc_balance"`
	USDBalance decimal.Decimal `json:"usd_balance"`
}

// Order is a standing limit order that triggers at PriceUSD
type Order struct {
	ID        int             `json:"id"`
	WalletID  int             `json:"wallet_id"`
	OrderType string          `json:"order_type"` // "buy" or "sell"
	BTCAmount decimal.Decimal `json:"btc_amount"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	IsActive  bool            `json:"is_active"`
	Timestamp time.Time       `json:"timestamp"`
}

// Transaction is an immutable record of a completed trade
type Transaction struct {
	ID              int             `json:"id"`
	WalletID        int             `json:"wallet_id"`
	OrderID         *int            `json:"order_id,omitempty"` // set when a limit order was settled
	PassID          string          `json:"pass_id,omitempty"`  // settlement pass that produced it
	TransactionType string          `json:"transaction_type"`
	BTCAmount       decimal.Decimal `json:"btc_amount"`
	USDAmount       decimal.Decimal `json:"usd_amount"`
	Timestamp       time.Time       `json:"timestamp"`
}

// SettleFunc decides whether order settles against wallet. It mutates wallet
// in place and returns the transaction to record, or nil to leave both untouched.
type SettleFunc func(order Order, wallet *Wallet) *Transaction

// Question is a trivia question
type Question struct {
	ID         int    `json:"id" gorm:"primaryKey"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
}
