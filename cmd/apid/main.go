package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	accountingpg "github.com/rphhhh-ubt/fantola-sub001/internal/accounting/postgres"
	accountingsqlite "github.com/rphhhh-ubt/fantola-sub001/internal/accounting/sqlite"
	"github.com/rphhhh-ubt/fantola-sub001/internal/cache"
	"github.com/rphhhh-ubt/fantola-sub001/internal/config"
	"github.com/rphhhh-ubt/fantola-sub001/internal/health"
	"github.com/rphhhh-ubt/fantola-sub001/internal/httpserver"
	"github.com/rphhhh-ubt/fantola-sub001/internal/logging"
	"github.com/rphhhh-ubt/fantola-sub001/internal/metrics"
	"github.com/rphhhh-ubt/fantola-sub001/internal/payments"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
	"github.com/rphhhh-ubt/fantola-sub001/internal/ratelimit"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logCloser.Close()

	table, err := plans.Load(cfg.PlansFile)
	if err != nil {
		logger.Fatalf("[ERROR] apid: load plans: %v", err)
	}

	store, db, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("[ERROR] apid: open store: %v", err)
	}
	defer store.Close()

	collector := metrics.NewCollector()
	checker := health.New(health.Config{})
	if db != nil {
		checker.Register("accounting_db", true, db)
	}

	// Redis backs rate limiting and the cache when configured; otherwise
	// both fall back to their in-process implementations.
	var (
		rlStore ratelimit.Store
		kv      cache.KV
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		checker.Register("redis", false, health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		rlStore = ratelimit.NewRedisStore(rdb)
		kv = cache.NewRedisKV(rdb)
		logger.Printf("[INFO] apid: redis backend addr=%s db=%d", cfg.RedisAddr, cfg.RedisDB)
	} else {
		rlStore = ratelimit.NewMemoryStore()
		kv = cache.NewMemoryKV()
		logger.Printf("[INFO] apid: in-process rate limit and cache backends")
	}

	c := cache.New(kv, cache.Config{
		Namespace:  cfg.CacheNamespace,
		DefaultTTL: cfg.CacheTTL,
		Metrics:    collector,
		Logger:     logger,
	})

	tokenSvc := tokens.New(store, table, collector, cache.UserInvalidator{Cache: c}, logger)
	paymentSvc := payments.New(store, tokenSvc, nil, table, collector, logger)

	limiter := ratelimit.NewLimiter(rlStore, table)
	defer limiter.Close()
	rlMiddleware := ratelimit.NewMiddleware(limiter, true, httpserver.Identity(store), collector, logger)

	srv := httpserver.New(httpserver.Config{
		Store:     store,
		Tokens:    tokenSvc,
		Payments:  paymentSvc,
		Limiter:   limiter,
		RateLimit: rlMiddleware,
		Cache:     c,
		Table:     table,
		Collector: collector,
		Health:    checker,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LedgerRetentionDays > 0 {
		go purgeLoop(ctx, store, cfg.LedgerRetentionDays, logger)
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		logger.Printf("[INFO] apid: listening addr=%s env=%s driver=%s", cfg.ListenAddr, cfg.Environment, cfg.DBDriver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("[ERROR] apid: serve: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("[INFO] apid: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[ERROR] apid: shutdown: %v", err)
	}
}

// openStore builds the accounting store for the configured driver. The
// returned *sql.DB is the health-probe handle; postgres exposes its own.
func openStore(cfg config.Config) (accounting.Store, *sql.DB, error) {
	switch cfg.DBDriver {
	case "postgres":
		st, err := accountingpg.New(cfg.PostgresDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle, 30, 5)
		if err != nil {
			return nil, nil, err
		}
		return st, st.DB(), nil
	default:
		st, err := accountingsqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.DB(), nil
	}
}

// purgeLoop enforces ledger retention once a day.
func purgeLoop(ctx context.Context, store accounting.Store, days int, logger *log.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		n, err := store.PurgeLedgerBefore(ctx, cutoff)
		if err != nil {
			logger.Printf("[ERROR] apid: ledger purge: %v", err)
		} else if n > 0 {
			logger.Printf("[INFO] apid: purged %d ledger entries older than %s", n, cutoff.Format(time.RFC3339))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
