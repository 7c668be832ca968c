package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/papertrade/internal/api"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/cache"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/lock"
	"github.com/xtrntr/papertrade/internal/logger"
	"github.com/xtrntr/papertrade/internal/price"
	"github.com/xtrntr/papertrade/internal/questions"
	"github.com/xtrntr/papertrade/internal/settlement"

	"go.uber.org/zap"
)

// Main entry point: sets up storage, settlement, and the HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	_, cleanup, err := logger.Initialize(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer cleanup()

	if err := run(cfg); err != nil {
		zap.L().Error("Server failed", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer database.Close()
	database.StartingUSD = cfg.Trading.StartingUSDBalance
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	// Redis is optional: it shares wallet locks and the price quote across processes
	var locker lock.Locker = lock.NewLocal()
	var priceCache price.Cache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.Redis.WalletLockTTL)
		if cfg.Price.CacheTTL > 0 {
			priceCache = price.NewRedisCache(rdb, cfg.Price.CacheTTL)
		}
		zap.L().Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	prices := price.NewClient(cfg.Price, priceCache)

	questionStore, err := questions.Open(database.Pool)
	if err != nil {
		return err
	}
	defer questionStore.Close()

	hub := events.NewHub(cfg.HTTP.AllowedOrigins)
	defer hub.Close()
	publishers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publishers = append(publishers, kafkaPublisher)
		zap.L().Info("Kafka publishing enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	authService := auth.NewAuthService(database, cfg.Auth.Secret, cfg.Auth.TokenExpiry)

	handler := api.NewHandler(database, authService, prices, questionStore, locker)
	handler.Publisher = publishers
	if cfg.Price.FallbackUSD.IsPositive() {
		handler.TradePrices = price.WithFallback(prices, cfg.Price.FallbackUSD)
	}

	// Start periodic settlement; stopped before the database closes
	if cfg.Settlement.Enabled {
		settler := settlement.NewSettler(database, prices, locker, publishers)
		stopScheduler := settlement.NewScheduler(settler, cfg.Settlement.Interval).Start(ctx)
		defer stopScheduler()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler, hub, cfg.HTTP.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Starting server", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
