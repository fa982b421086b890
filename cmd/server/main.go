package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/predex/engine/internal/api"
	"github.com/predex/engine/internal/config"
	"github.com/predex/engine/internal/ledger"
	"github.com/predex/engine/internal/notify"
	"github.com/predex/engine/internal/pricing"
	"github.com/predex/engine/internal/pump"
	"github.com/predex/engine/internal/resolver"
	"github.com/predex/engine/internal/risk"
	"github.com/predex/engine/internal/settlement"
	"github.com/predex/engine/internal/store"
	"github.com/predex/engine/internal/trade"
	"github.com/predex/engine/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	st, cleanup, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := ws.NewHub(logger)
	go hub.Run()

	// --- Core services ---
	pricingEngine := pricing.NewEngine(pricing.CostPolicy(cfg.Pricing.FixedOddsCostPolicy))
	riskChecker := risk.NewChecker(st, risk.Limits{
		MaxPerMarket: decimal.NewFromInt(cfg.Risk.MaxPerMarket),
		MaxTotal:     decimal.NewFromInt(cfg.Risk.MaxTotal),
	})
	locks := ledger.NewKeyedMutex()
	led := ledger.New(st, pricingEngine, riskChecker, locks, logger)

	notifier := notify.NewConsole()
	marketResolver := resolver.New(st)
	orch := trade.NewOrchestrator(marketResolver, led, hub, logger)
	markets := trade.NewService(st, pricingEngine, cfg.Users.InitialPoints, logger)
	settle := settlement.New(st, locks, notifier, hub, logger)

	// --- Message pump ---
	perUser := rate.Limit(cfg.Pump.PerUserRatePerMin / 60.0)
	messagePump := pump.New(orch, notifier, cfg.Pump.QueueSize, perUser, cfg.Pump.PerUserBurst, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go messagePump.Run(ctx)

	// --- Deadline sweep ---
	go func() {
		ticker := time.NewTicker(cfg.SettlementTick())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if closed, err := settle.CloseExpired(ctx); err != nil {
					logger.Error("deadline sweep failed", "error", err)
				} else if closed > 0 {
					logger.Info("deadline sweep closed markets", "count", closed)
				}
			}
		}
	}()

	// --- HTTP server ---
	handler := api.NewHandler(markets, settle, messagePump, hub)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("predex engine listening", "port", cfg.HTTP.Port, "backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	fmt.Println("predex engine stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore builds the configured persistence stack: postgres (optionally
// behind a Redis cache), sqlite, or in-memory.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, []func(), error) {
	var cleanup []func()

	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, cleanup, fmt.Errorf("postgres schema: %w", err)
		}
		logger.Info("connected to PostgreSQL")

		var st store.Store = pg
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				return nil, cleanup, fmt.Errorf("redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL(), logger)
			logger.Info("Redis cache enabled")
		}
		return st, cleanup, nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { st.Close() })
		logger.Info("using SQLite store", "path", cfg.Storage.SQLitePath)
		return st, cleanup, nil

	case "memory":
		logger.Warn("using in-memory store, data will not persist")
		return store.NewMemoryStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
