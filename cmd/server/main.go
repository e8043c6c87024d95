package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/betpool/wager-engine/internal/api"
	"github.com/betpool/wager-engine/internal/config"
	"github.com/betpool/wager-engine/internal/currency"
	"github.com/betpool/wager-engine/internal/ledger"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/payment"
	"github.com/betpool/wager-engine/internal/settlement"
	"github.com/betpool/wager-engine/internal/store"
	"github.com/betpool/wager-engine/internal/wager"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize stores ---
	var (
		ledgerStore store.LedgerStore
		marketStore store.MarketStore
		cleanup     []func()
	)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ledgerStore = store.NewPostgresLedgerStore(pool)
		marketStore = store.NewPostgresMarketStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap market reads with a Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			marketStore = store.NewCachedMarketStore(marketStore, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory stores (data will not persist)")
		ledgerStore = store.NewMemoryLedgerStore()
		marketStore = store.NewMemoryMarketStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Notification fanout: WebSocket hub plus optional NATS bus ---
	hub := notify.NewHub()
	go hub.Run()

	notifier := notify.Fanout{hub}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		notifier = append(notifier, notify.NewNATSBus(nc))
		slog.Info("NATS bus enabled", "url", cfg.NatsURL)
	}

	// --- Engine services ---
	currencies := currency.DefaultRegistry()
	ledgerSvc := ledger.New(ledgerStore, currencies, "COIN")
	wagerSvc := wager.New(marketStore, ledgerSvc, currencies, notifier)
	settlementSvc := settlement.New(marketStore, ledgerSvc, notifier)
	bridge := payment.NewBridge(marketStore, payment.NopProvider{}, notifier, cfg.PaymentGrace)

	// Background sweeper: expires stale pending-payment bets and closes
	// events whose deadline has passed.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go bridge.Run(sweepCtx, cfg.SweepInterval)

	// --- HTTP server ---
	handler := api.NewServer(wagerSvc, settlementSvc, bridge, ledgerSvc, hub)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("wager-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down wager-engine...")
	stopSweep()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("wager-engine stopped")
}
