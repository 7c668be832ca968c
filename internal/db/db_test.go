package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/settlement"

	"github.com/shopspring/decimal"
)

var testDB *DB

var d = decimal.RequireFromString

func TestMain(m *testing.M) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		os.Exit(m.Run())
	}

	var err error
	testDB, err = NewDB(context.Background(), url, 8)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply schema: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

func resetDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE users, wallets, orders, transactions RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("Failed to clean up database: %v", err)
	}
}

// createUser registers a user with the given balances and returns its wallet id
func createUser(t *testing.T, username, usd, btc string) (userID, walletID int) {
	t.Helper()
	ctx := context.Background()
	user, err := testDB.CreateUser(ctx, username, "hash")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	err = testDB.Pool.QueryRow(ctx,
		"UPDATE wallets SET usd_balance = $2::numeric, btc_balance = $3::numeric WHERE user_id = $1 RETURNING id",
		user.ID, usd, btc).Scan(&walletID)
	if err != nil {
		t.Fatalf("Failed to set balances: %v", err)
	}
	return user.ID, walletID
}

func createOrder(t *testing.T, userID int, typ, amount, price string) *models.Order {
	t.Helper()
	order, err := testDB.CreateOrder(context.Background(), userID, &models.Order{
		OrderType: typ, BTCAmount: d(amount), PriceUSD: d(price),
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return order
}

func walletOf(t *testing.T, userID int) *models.Wallet {
	t.Helper()
	w, err := testDB.GetWalletByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get wallet: %v", err)
	}
	return w
}

func isActive(t *testing.T, orderID int) bool {
	t.Helper()
	var active bool
	if err := testDB.Pool.QueryRow(context.Background(), "SELECT is_active FROM orders WHERE id = $1", orderID).Scan(&active); err != nil {
		t.Fatalf("Failed to read order %d: %v", orderID, err)
	}
	return active
}

func TestDB_CreateUser(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	user, err := testDB.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := walletOf(t, user.ID)
	if !w.USDBalance.Equal(d("10000")) || !w.BTCBalance.IsZero() {
		t.Errorf("unexpected starting balances: usd=%s btc=%s", w.USDBalance, w.BTCBalance)
	}

	if _, err := testDB.CreateUser(ctx, "alice", "hash"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}

	if _, err := testDB.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDB_CreateOrder(t *testing.T) {
	resetDB(t)
	createUser(t, "alice", "10000", "0")

	tests := []struct {
		name        string
		userID      int
		order       *models.Order
		expectError bool
	}{
		{
			name:   "Success",
			userID: 1,
			order:  &models.Order{OrderType: "sell", BTCAmount: d("0.1"), PriceUSD: d("50000")},
		},
		{
			name:        "InvalidType",
			userID:      1,
			order:       &models.Order{OrderType: "invalid", BTCAmount: d("0.1"), PriceUSD: d("50000")},
			expectError: true,
		},
		{
			name:        "NegativePrice",
			userID:      1,
			order:       &models.Order{OrderType: "sell", BTCAmount: d("0.1"), PriceUSD: d("-50000")},
			expectError: true,
		},
		{
			name:        "ZeroAmount",
			userID:      1,
			order:       &models.Order{OrderType: "sell", BTCAmount: decimal.Zero, PriceUSD: d("50000")},
			expectError: true,
		},
		{
			name:        "SubSatoshiAmount",
			userID:      1,
			order:       &models.Order{OrderType: "buy", BTCAmount: d("0.000000004"), PriceUSD: d("50000")},
			expectError: true,
		},
		{
			name:        "PriceTooPrecise",
			userID:      1,
			order:       &models.Order{OrderType: "buy", BTCAmount: d("0.1"), PriceUSD: d("50000.123456789")},
			expectError: true,
		},
		{
			name:        "NonExistentUser",
			userID:      999,
			order:       &models.Order{OrderType: "sell", BTCAmount: d("0.1"), PriceUSD: d("50000")},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE orders RESTART IDENTITY CASCADE")

			order, err := testDB.CreateOrder(context.Background(), tt.userID, tt.order)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !order.IsActive || order.WalletID != 1 || !order.PriceUSD.Equal(tt.order.PriceUSD) {
				t.Errorf("unexpected stored order: %+v", order)
			}
		})
	}
}

func TestDB_CancelOrder(t *testing.T) {
	resetDB(t)
	alice, _ := createUser(t, "alice", "10000", "1")
	bob, _ := createUser(t, "bob", "10000", "1")
	createOrder(t, alice, "sell", "0.1", "50000")
	createOrder(t, bob, "buy", "0.05", "51000")
	createOrder(t, alice, "sell", "0.2", "49000")
	testDB.Pool.Exec(context.Background(), "UPDATE orders SET is_active = FALSE WHERE id = 3")

	tests := []struct {
		name        string
		orderID     int
		userID      int
		expectError bool
	}{
		{name: "Success", orderID: 1, userID: alice},
		{name: "NonExistentOrder", orderID: 999, userID: alice, expectError: true},
		{name: "WrongUser", orderID: 2, userID: alice, expectError: true},
		{name: "AlreadyInactive", orderID: 3, userID: alice, expectError: true},
		{name: "CanceledTwice", orderID: 1, userID: alice, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testDB.CancelOrder(context.Background(), tt.orderID, tt.userID)
			if tt.expectError {
				if !errors.Is(err, ErrOrderNotActive) {
					t.Errorf("expected ErrOrderNotActive, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if isActive(t, tt.orderID) {
				t.Errorf("order %d still active", tt.orderID)
			}
		})
	}
}

func TestDB_CancelOrder_Concurrent(t *testing.T) {
	resetDB(t)
	alice, _ := createUser(t, "alice", "10000", "1")
	createOrder(t, alice, "sell", "0.1", "50000")

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if err := testDB.CancelOrder(context.Background(), 1, alice); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected exactly 1 successful cancellation, got %d", successCount)
	}
	if isActive(t, 1) {
		t.Errorf("order 1 not canceled")
	}
}

func TestDB_GetUserOrders(t *testing.T) {
	resetDB(t)
	alice, _ := createUser(t, "alice", "10000", "1")
	bob, _ := createUser(t, "bob", "10000", "1")
	createOrder(t, alice, "sell", "0.1", "50000")
	createOrder(t, alice, "buy", "0.2", "49000")
	createOrder(t, bob, "buy", "0.05", "51000")

	tests := []struct {
		name        string
		userID      int
		expectTypes []string
	}{
		{name: "UserWithOrders", userID: alice, expectTypes: []string{"sell", "buy"}},
		{name: "UserWithOneOrder", userID: bob, expectTypes: []string{"buy"}},
		{name: "UserWithNoOrders", userID: 999, expectTypes: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := testDB.GetUserOrders(context.Background(), tt.userID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(orders) != len(tt.expectTypes) {
				t.Fatalf("expected %d orders, got %d", len(tt.expectTypes), len(orders))
			}
			for i, typ := range tt.expectTypes {
				if orders[i].OrderType != typ {
					t.Errorf("order %d: expected type %s, got %s", i, typ, orders[i].OrderType)
				}
			}
		})
	}
}

func TestDB_ListActiveOrders(t *testing.T) {
	resetDB(t)
	alice, _ := createUser(t, "alice", "10000", "1")
	for i := 0; i < 4; i++ {
		createOrder(t, alice, "buy", "0.01", "50000")
	}
	if err := testDB.CancelOrder(context.Background(), 2, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	orders, err := testDB.ListActiveOrders(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []int
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	if fmt.Sprint(ids) != "[1 3 4]" {
		t.Errorf("expected active ids [1 3 4] in order, got %v", ids)
	}
}

func TestDB_SettleOrder(t *testing.T) {
	tests := []struct {
		name        string
		usd         string
		market      string
		expectFill  bool
		expectUSD   string
		expectBTC   string
		expectTxns  int
		expectAlive bool
	}{
		{name: "Fills", usd: "1000", market: "49000", expectFill: true, expectUSD: "500", expectBTC: "0.01", expectTxns: 1},
		{name: "PriceTooHigh", usd: "1000", market: "60000", expectUSD: "1000", expectBTC: "0", expectAlive: true},
		{name: "InsufficientUSD", usd: "499.99", market: "49000", expectUSD: "499.99", expectBTC: "0", expectAlive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetDB(t)
			alice, _ := createUser(t, "alice", tt.usd, "0")
			order := createOrder(t, alice, "buy", "0.01", "50000")

			settle := func(o models.Order, w *models.Wallet) *models.Transaction {
				return settlement.Settle(o, w, d(tt.market))
			}
			filled, err := testDB.SettleOrder(context.Background(), order.ID, settle)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if filled != tt.expectFill {
				t.Errorf("expected filled=%v, got %v", tt.expectFill, filled)
			}

			w := walletOf(t, alice)
			if !w.USDBalance.Equal(d(tt.expectUSD)) || !w.BTCBalance.Equal(d(tt.expectBTC)) {
				t.Errorf("unexpected balances: usd=%s btc=%s", w.USDBalance, w.BTCBalance)
			}
			txns, err := testDB.GetUserTransactions(context.Background(), alice)
			if err != nil {
				t.Fatalf("transactions: %v", err)
			}
			if len(txns) != tt.expectTxns {
				t.Errorf("expected %d transactions, got %d", tt.expectTxns, len(txns))
			}
			if isActive(t, order.ID) != tt.expectAlive {
				t.Errorf("expected active=%v", tt.expectAlive)
			}

			// A second attempt never settles twice
			again, err := testDB.SettleOrder(context.Background(), order.ID, settle)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if again && tt.expectFill {
				t.Errorf("order settled twice")
			}
		})
	}
}

func TestDB_SettleOrder_SkipsInactive(t *testing.T) {
	resetDB(t)
	alice, _ := createUser(t, "alice", "1000", "0")
	order := createOrder(t, alice, "buy", "0.01", "50000")
	if err := testDB.CancelOrder(context.Background(), order.ID, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	called := false
	filled, err := testDB.SettleOrder(context.Background(), order.ID, func(models.Order, *models.Wallet) *models.Transaction {
		called = true
		return nil
	})
	if err != nil || filled || called {
		t.Errorf("expected inactive order to be skipped: filled=%v called=%v err=%v", filled, called, err)
	}
}

func TestDB_SettleOrder_RacesCancel(t *testing.T) {
	resetDB(t)
	alice, _ := createUser(t, "alice", "1000", "0")
	order := createOrder(t, alice, "buy", "0.01", "50000")

	var wg sync.WaitGroup
	var filled bool
	var cancelErr, settleErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		filled, settleErr = testDB.SettleOrder(context.Background(), order.ID, func(o models.Order, w *models.Wallet) *models.Transaction {
			return settlement.Settle(o, w, d("49000"))
		})
	}()
	go func() {
		defer wg.Done()
		cancelErr = testDB.CancelOrder(context.Background(), order.ID, alice)
	}()
	wg.Wait()

	if settleErr != nil {
		t.Fatalf("settle: %v", settleErr)
	}
	if filled == (cancelErr == nil) {
		t.Errorf("expected exactly one of settle/cancel to win: filled=%v cancelErr=%v", filled, cancelErr)
	}
	w := walletOf(t, alice)
	if filled && !w.USDBalance.Equal(d("500")) {
		t.Errorf("unexpected usd balance %s", w.USDBalance)
	}
	if !filled && !w.USDBalance.Equal(d("1000")) {
		t.Errorf("canceled order moved funds: usd=%s", w.USDBalance)
	}
}

func TestDB_ApplyToWallet(t *testing.T) {
	resetDB(t)
	alice, walletID := createUser(t, "alice", "10000", "0")

	wallet, txn, err := testDB.ApplyToWallet(context.Background(), walletID, func(w *models.Wallet) (*models.Transaction, error) {
		return settlement.MarketTrade(w, "buy", d("0.1"), d("50000"))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wallet.USDBalance.Equal(d("5000")) || txn.ID != 1 || txn.OrderID != nil {
		t.Errorf("unexpected result: wallet=%+v txn=%+v", wallet, txn)
	}

	_, _, err = testDB.ApplyToWallet(context.Background(), walletID, func(w *models.Wallet) (*models.Transaction, error) {
		return settlement.MarketTrade(w, "sell", d("1"), d("50000"))
	})
	if !errors.Is(err, settlement.ErrInsufficientBTC) {
		t.Errorf("expected ErrInsufficientBTC, got %v", err)
	}

	_, _, err = testDB.ApplyToWallet(context.Background(), walletID, func(w *models.Wallet) (*models.Transaction, error) {
		w.USDBalance = d("-1")
		return &models.Transaction{TransactionType: "buy", BTCAmount: d("1"), USDAmount: d("1")}, nil
	})
	if !errors.Is(err, errNegativeBalance) {
		t.Errorf("expected errNegativeBalance, got %v", err)
	}

	_, _, err = testDB.ApplyToWallet(context.Background(), walletID, func(w *models.Wallet) (*models.Transaction, error) {
		w.BTCBalance = w.BTCBalance.Sub(d("0.000000005"))
		return &models.Transaction{TransactionType: "sell", BTCAmount: d("0.000000005"), USDAmount: d("0.0003")}, nil
	})
	if !errors.Is(err, errBalanceScale) {
		t.Errorf("expected errBalanceScale, got %v", err)
	}

	w := walletOf(t, alice)
	if !w.USDBalance.Equal(d("5000")) || !w.BTCBalance.Equal(d("0.1")) {
		t.Errorf("failed trades changed balances: usd=%s btc=%s", w.USDBalance, w.BTCBalance)
	}

	if _, _, err := testDB.ApplyToWallet(context.Background(), 999, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
