package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	shield "github.com/tanmaij/minute-shield"
	"github.com/tanmaij/minute-shield/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	instrumented := shield.NewInstrumentedStore(store, shield.NewStoreMetrics(reg))

	limiter, err := shield.New(instrumented, cfg.Limit, cfg.PeriodMinutes, shield.WithLogger(logger))
	if err != nil {
		return err
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return err
	}
	var identify shield.IdentifierFunc = shield.ByClientIP
	if len(proxies) > 0 {
		identify = shield.ByClientIPTrusting(proxies...)
	}

	opts := []shield.MiddlewareOption{
		shield.WithMiddlewareLogger(logger),
		shield.WithStoreTimeout(cfg.StoreTimeout),
	}
	if cfg.FailClosed {
		opts = append(opts, shield.WithFailClosed())
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(shield.Middleware(limiter, identify, opts...))
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pong"))
		})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("the shield is guarding",
			slog.String("addr", cfg.ListenAddr),
			slog.String("store", cfg.Store),
			slog.Int("limit", cfg.Limit),
			slog.Int("period_minutes", cfg.PeriodMinutes),
			slog.Int("trusted_proxies", len(proxies)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (shield.CounterStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := shield.NewRedisStore(rdb)
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		return store, func() {
			if err := rdb.Close(); err != nil {
				logger.Error("failed to close redis client", slog.Any("error", err))
			}
		}, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connect failed: %w", err)
		}
		store := shield.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		purgeCtx, cancelPurge := context.WithCancel(ctx)
		go purgeLoop(purgeCtx, store, cfg.CleanupInterval, logger)
		return store, func() {
			cancelPurge()
			pool.Close()
		}, nil

	default:
		store := shield.NewMemoryStore(
			shield.WithCleanupInterval(cfg.CleanupInterval),
			shield.WithMemoryLogger(logger),
		)
		return store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}, nil
	}
}

func purgeLoop(ctx context.Context, store *shield.PostgresStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := store.Purge(ctx)
			if err != nil {
				logger.Error("purge expired counters failed", slog.Any("error", err))
				continue
			}
			logger.Debug("purged expired counters", slog.Int64("removed", removed))
		case <-ctx.Done():
			return
		}
	}
}
