package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/juryim/betcore/internal/config"
	"github.com/juryim/betcore/internal/database"
	"github.com/juryim/betcore/internal/gaming"
	"github.com/juryim/betcore/internal/ledger"
	"github.com/juryim/betcore/internal/notification"
	"github.com/juryim/betcore/internal/settlement"
	"github.com/juryim/betcore/internal/withdrawal"
	"github.com/juryim/betcore/pkg/logger"
	"github.com/juryim/betcore/pkg/metrics"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	var cache *redis.Client
	if cfg.Redis.Address != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			zapLogger.Warn("Redis unavailable, stats caching disabled", zap.Error(err))
			cache = nil
		}
	}

	notifier := notification.NewLogNotifier(zapLogger)

	ledgerSvc, err := ledger.NewService(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to create ledger service", zap.Error(err))
	}

	gamingSvc, err := gaming.NewService(zapLogger, db, ledgerSvc, notifier, cfg.Gambling, cache)
	if err != nil {
		zapLogger.Fatal("Failed to create gaming service", zap.Error(err))
	}

	settlementEngine, err := settlement.NewEngine(zapLogger, db, ledgerSvc, gamingSvc, notifier)
	if err != nil {
		zapLogger.Fatal("Failed to create settlement engine", zap.Error(err))
	}

	chain := withdrawal.NewDevChain(zapLogger)
	withdrawalSvc, err := withdrawal.NewService(zapLogger, db, ledgerSvc, chain, notifier, cfg.Withdrawal)
	if err != nil {
		zapLogger.Fatal("Failed to create withdrawal service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settle games as they become due
	go runEvery(ctx, 10*time.Second, func() {
		if _, err := settlementEngine.ProcessDueGames(ctx, time.Now()); err != nil {
			zapLogger.Error("Due game processing failed", zap.Error(err))
		}
	})

	// Drive pending withdrawals through the chain
	go runEvery(ctx, 30*time.Second, func() {
		if _, err := withdrawalSvc.ProcessPending(ctx); err != nil {
			zapLogger.Error("Withdrawal processing failed", zap.Error(err))
		}
	})

	// Credit confirmed deposits
	go runEvery(ctx, time.Minute, func() {
		if _, err := withdrawalSvc.CheckDepositConfirmations(ctx); err != nil {
			zapLogger.Error("Deposit confirmation check failed", zap.Error(err))
		}
	})

	// Reconcile stuck and stale withdrawal requests
	go runEvery(ctx, 10*time.Minute, func() {
		now := time.Now()
		if _, err := withdrawalSvc.ReconcileStuck(ctx, now); err != nil {
			zapLogger.Error("Withdrawal reconciliation failed", zap.Error(err))
		}
		if _, err := withdrawalSvc.CancelStale(ctx, now); err != nil {
			zapLogger.Error("Stale withdrawal cleanup failed", zap.Error(err))
		}
	})

	// Purge settled games past the retention window
	go runEvery(ctx, 24*time.Hour, func() {
		removed, err := gamingSvc.CleanupOldGames(ctx, time.Now())
		if err != nil {
			zapLogger.Error("Game cleanup failed", zap.Error(err))
			return
		}
		if removed > 0 {
			zapLogger.Info("Old games removed", zap.Int64("count", removed))
		}
	})

	// Schedule DB pool metrics collection every 30s
	go runEvery(ctx, 30*time.Second, func() {
		if sqlDB, err := db.DB(); err == nil {
			stats := sqlDB.Stats()
			metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
			metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
		}
	})

	metricsAddr := os.Getenv("BETCORE_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":2112"
	}
	go func() {
		zapLogger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			zapLogger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	zapLogger.Info("betcore started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")
	cancel()

	if cache != nil {
		if err := cache.Close(); err != nil {
			zapLogger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			zapLogger.Error("Failed to close database", zap.Error(err))
		}
	}
	zapLogger.Info("Server exited properly")
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
