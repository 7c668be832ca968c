// Package settlement settles standing limit orders against the market price.
//
// A pass scans every active order once, in ascending id order. Each order is
// settled in its own store transaction, so a pass that dies halfway leaves the
// orders it already settled committed and the rest active for the next pass.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/lock"
	"github.com/xtrntr/papertrade/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource supplies the current BTC/USD price
type PriceSource interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// Store is the order book and ledger the settler works against
type Store interface {
	ListActiveOrders(ctx context.Context) ([]models.Order, error)
	SettleOrder(ctx context.Context, orderID int, settle models.SettleFunc) (bool, error)
}

// Fill describes one settled order
type Fill struct {
	OrderID   int             `json:"order_id"`
	WalletID  int             `json:"wallet_id"`
	OrderType string          `json:"order_type"`
	BTCAmount decimal.Decimal `json:"btc_amount"`
	USDAmount decimal.Decimal `json:"usd_amount"`
}

// Report summarises a settlement pass
type Report struct {
	PassID         string          `json:"pass_id"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	PriceAvailable bool            `json:"price_available"`
	Scanned        int             `json:"scanned"`
	Filled         int             `json:"filled"`
	Unfilled       int             `json:"unfilled"`
	Failed         int             `json:"failed"`
	Fills          []Fill          `json:"fills"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Settler runs settlement passes. Passes on one Settler never overlap.
type Settler struct {
	store     Store
	prices    PriceSource
	locker    lock.Locker
	publisher events.Publisher
	mu        sync.Mutex
}

// NewSettler creates a settler. A nil locker uses an in-process lock and a nil
// publisher disables events.
func NewSettler(store Store, prices PriceSource, locker lock.Locker, publisher events.Publisher) *Settler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Settler{store: store, prices: prices, locker: locker, publisher: publisher}
}

// RunPass performs one settlement pass. An unavailable price skips the pass
// without error. Failures on individual orders are logged and counted; the
// pass only returns an error when the active orders cannot be listed or ctx
// is canceled mid-scan.
func (s *Settler) RunPass(ctx context.Context) (*Report, error) {
	report, err := s.runPass(ctx)
	if err != nil || !report.PriceAvailable || s.publisher == nil {
		return report, err
	}

	// Publish after releasing the pass lock
	if err := s.publisher.Publish(ctx, events.New(events.TypeSettlementPass, report.PassID, report)); err != nil {
		zap.L().Warn("Failed to publish settlement report", zap.String("pass_id", report.PassID), zap.Error(err))
	}
	return report, nil
}

func (s *Settler) runPass(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{PassID: uuid.NewString(), StartedAt: time.Now().UTC(), Fills: []Fill{}}
	log := zap.L().With(zap.String("pass_id", report.PassID))

	price, err := s.prices.Price(ctx)
	if err != nil {
		log.Warn("Price unavailable, skipping settlement pass", zap.Error(err))
		report.FinishedAt = time.Now().UTC()
		return report, nil
	}
	report.PriceUSD = price
	report.PriceAvailable = true

	orders, err := s.store.ListActiveOrders(ctx)
	if err != nil {
		return nil, err
	}

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now().UTC()
			log.Warn("Settlement pass interrupted", zap.Int("scanned", report.Scanned), zap.Error(err))
			return report, err
		}
		report.Scanned++

		if !Triggered(order, price) {
			report.Unfilled++
			continue
		}

		fill, err := s.settleOne(ctx, order, price, report.PassID)
		switch {
		case err != nil:
			report.Failed++
			log.Error("Failed to settle order", zap.Int("order_id", order.ID), zap.Error(err))
		case fill == nil:
			report.Unfilled++
			log.Debug("Order triggered but not settled", zap.Int("order_id", order.ID), zap.Int("wallet_id", order.WalletID))
		default:
			report.Filled++
			report.Fills = append(report.Fills, *fill)
			log.Info("Order settled",
				zap.Int("order_id", fill.OrderID),
				zap.Int("wallet_id", fill.WalletID),
				zap.String("order_type", fill.OrderType),
				zap.String("btc_amount", fill.BTCAmount.String()),
				zap.String("usd_amount", fill.USDAmount.String()))
		}
	}

	report.FinishedAt = time.Now().UTC()
	log.Info("Settlement pass complete",
		zap.String("price_usd", price.String()),
		zap.Int("scanned", report.Scanned),
		zap.Int("filled", report.Filled),
		zap.Int("unfilled", report.Unfilled),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (s *Settler) settleOne(ctx context.Context, order models.Order, price decimal.Decimal, passID string) (*Fill, error) {
	unlock, err := s.locker.Lock(ctx, lock.WalletKey(order.WalletID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var fill *Fill
	settled, err := s.store.SettleOrder(ctx, order.ID, func(current models.Order, wallet *models.Wallet) *models.Transaction {
		txn := Settle(current, wallet, price)
		if txn == nil {
			return nil
		}
		txn.PassID = passID
		fill = &Fill{
			OrderID:   current.ID,
			WalletID:  wallet.ID,
			OrderType: current.OrderType,
			BTCAmount: txn.BTCAmount,
			USDAmount: txn.USDAmount,
		}
		return txn
	})
	if err != nil {
		return nil, err
	}
	if !settled {
		return nil, nil
	}
	if fill == nil {
		return nil, errors.New("store reported settlement without a transaction")
	}
	return fill, nil
}
