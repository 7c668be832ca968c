package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/lock"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/price"
	"github.com/xtrntr/papertrade/internal/questions"
	"github.com/xtrntr/papertrade/internal/settlement"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ctxKey int

const userIDKey ctxKey = iota

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	AuthService *auth.AuthService
	Prices      price.Source
	// TradePrices prices market buys and sells. Nil falls back to Prices.
	TradePrices price.Source
	Questions   *questions.Store
	Locker      lock.Locker
	// Publisher receives market trade events. May be nil.
	Publisher events.Publisher
}

// NewHandler creates a new handler. A nil locker uses an in-process lock.
func NewHandler(database *db.DB, authService *auth.AuthService, prices price.Source, questionStore *questions.Store, locker lock.Locker) *Handler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Handler{
		DB:          database,
		AuthService: authService,
		Prices:      prices,
		Questions:   questionStore,
		Locker:      locker,
	}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=72"`
}

type tradeRequest struct {
	BTCAmount decimal.Decimal `json:"btc_amount" validate:"required,gt=0"`
}

type orderRequest struct {
	OrderType string          `json:"order_type" validate:"required,oneof=buy sell"`
	BTCAmount decimal.Decimal `json:"btc_amount" validate:"required,gt=0"`
	PriceUSD  decimal.Decimal `json:"price_usd" validate:"required,gt=0"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, db.ErrUsernameTaken):
		writeError(w, http.StatusBadRequest, "Username already registered")
		return
	case errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zap.L().Error("Failed to register user", zap.String("username", req.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	if err != nil {
		zap.L().Error("Failed to log in", zap.String("username", req.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "bearer"})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(userIDKey).(int)
	return id, ok
}

// GetPrice returns the current BTC/USD price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.Prices.Price(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Price unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"price_usd": p})
}

// GetWallet returns the caller's balances
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	wallet, err := h.DB.GetWalletByUserID(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Wallet not found")
		return
	}
	if err != nil {
		zap.L().Error("Failed to get wallet", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve wallet")
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Buy buys BTC at the current market price
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.marketTrade(w, r, models.OrderTypeBuy)
}

// Sell sells BTC at the current market price
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.marketTrade(w, r, models.OrderTypeSell)
}

func (h *Handler) marketTrade(w http.ResponseWriter, r *http.Request, side string) {
	ctx := r.Context()
	userID, ok := userIDFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req tradeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	prices := h.TradePrices
	if prices == nil {
		prices = h.Prices
	}
	p, err := prices.Price(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Price unavailable")
		return
	}

	wallet, err := h.DB.GetWalletByUserID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Wallet not found")
		return
	}
	if err != nil {
		zap.L().Error("Failed to get wallet", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve wallet")
		return
	}

	unlock, err := h.Locker.Lock(ctx, lock.WalletKey(wallet.ID))
	if err != nil {
		zap.L().Error("Failed to lock wallet", zap.Int("wallet_id", wallet.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Wallet busy, try again")
		return
	}
	// The lock covers the trade only; the event goes out after release
	updated, txn, err := func() (*models.Wallet, *models.Transaction, error) {
		defer unlock()
		return h.DB.ApplyToWallet(ctx, wallet.ID, func(wl *models.Wallet) (*models.Transaction, error) {
			return settlement.MarketTrade(wl, side, req.BTCAmount, p)
		})
	}()
	switch {
	case errors.Is(err, settlement.ErrInsufficientUSD):
		writeError(w, http.StatusBadRequest, "Insufficient USD balance")
		return
	case errors.Is(err, settlement.ErrInsufficientBTC):
		writeError(w, http.StatusBadRequest, "Insufficient BTC balance")
		return
	case errors.Is(err, settlement.ErrInvalidAmount), errors.Is(err, settlement.ErrAmountPrecision):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zap.L().Error("Failed to execute market trade", zap.Int("wallet_id", wallet.ID), zap.String("side", side), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to execute trade")
		return
	}

	if h.Publisher != nil {
		if err := h.Publisher.Publish(ctx, events.New(events.TypeMarketTrade, strconv.Itoa(updated.ID), txn)); err != nil {
			zap.L().Warn("Failed to publish market trade", zap.Int("transaction_id", txn.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":      updated,
		"transaction": txn,
	})
}

// GetUserTransactions retrieves a user's transaction history
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	transactions, err := h.DB.GetUserTransactions(r.Context(), userID)
	if err != nil {
		zap.L().Error("Failed to get transactions", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transactions")
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

// PlaceOrder creates a standing limit order
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req orderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	order, err := h.DB.CreateOrder(r.Context(), userID, &models.Order{
		OrderType: req.OrderType,
		BTCAmount: req.BTCAmount,
		PriceUSD:  req.PriceUSD,
	})
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Wallet not found")
		return
	}
	if err != nil {
		zap.L().Error("Failed to create order", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		zap.L().Error("Failed to get orders", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels an active order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	err = h.DB.CancelOrder(r.Context(), orderID, userID)
	if errors.Is(err, db.ErrOrderNotActive) {
		writeError(w, http.StatusBadRequest, "Order not found or not active")
		return
	}
	if err != nil {
		zap.L().Error("Failed to cancel order", zap.Int("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to cancel order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order canceled"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
