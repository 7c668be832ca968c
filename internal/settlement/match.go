package settlement

import (
	"errors"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientUSD = errors.New("insufficient USD balance")
	ErrInsufficientBTC = errors.New("insufficient BTC balance")
	ErrInvalidSide     = errors.New("type must be 'buy' or 'sell'")
	ErrInvalidAmount   = errors.New("btc_amount must be positive")
	ErrAmountPrecision = errors.New("btc_amount must have at most 8 decimal places")
)

// Triggered reports whether a limit order trades at the market price: a buy
// whose limit is at or above market, or a sell whose limit is at or below it.
func Triggered(order models.Order, market decimal.Decimal) bool {
	switch order.OrderType {
	case models.OrderTypeBuy:
		return order.PriceUSD.GreaterThanOrEqual(market)
	case models.OrderTypeSell:
		return order.PriceUSD.LessThanOrEqual(market)
	}
	return false
}

// Settle fills an active, triggered order against wallet at the order's limit
// price. It returns nil and leaves wallet untouched when the order does not
// trigger or the wallet cannot cover it.
func Settle(order models.Order, wallet *models.Wallet, market decimal.Decimal) *models.Transaction {
	if !order.IsActive || !Triggered(order, market) {
		return nil
	}
	txn, err := exchange(wallet, order.OrderType, order.BTCAmount, order.PriceUSD)
	if err != nil {
		return nil
	}
	return txn
}

// MarketTrade buys or sells btcAmount at price immediately
func MarketTrade(wallet *models.Wallet, side string, btcAmount, price decimal.Decimal) (*models.Transaction, error) {
	if !btcAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !models.FitsScale(btcAmount) {
		return nil, ErrAmountPrecision
	}
	return exchange(wallet, side, btcAmount, price)
}

func exchange(wallet *models.Wallet, side string, btcAmount, price decimal.Decimal) (*models.Transaction, error) {
	usd := btcAmount.Mul(price).Round(models.AmountPlaces)

	switch side {
	case models.OrderTypeBuy:
		if wallet.USDBalance.LessThan(usd) {
			return nil, ErrInsufficientUSD
		}
		wallet.USDBalance = wallet.USDBalance.Sub(usd)
		wallet.BTCBalance = wallet.BTCBalance.Add(btcAmount)
	case models.OrderTypeSell:
		if wallet.BTCBalance.LessThan(btcAmount) {
			return nil, ErrInsufficientBTC
		}
		wallet.BTCBalance = wallet.BTCBalance.Sub(btcAmount)
		wallet.USDBalance = wallet.USDBalance.Add(usd)
	default:
		return nil, ErrInvalidSide
	}

	return &models.Transaction{
		WalletID:        wallet.ID,
		TransactionType: side,
		BTCAmount:       btcAmount,
		USDAmount:       usd,
	}, nil
}
