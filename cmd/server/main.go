package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"oeufmaster/backend/internal/config"
	"oeufmaster/backend/internal/events"
	"oeufmaster/backend/internal/httpapi"
	"oeufmaster/backend/internal/ledger"
	"oeufmaster/backend/internal/service"
	"oeufmaster/backend/internal/store"
	"oeufmaster/backend/internal/store/memory"
	pgstore "oeufmaster/backend/internal/store/postgres"
	litestore "oeufmaster/backend/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers := []func() error{closeRepo}

	publisher, closePublisher := openPublisher(ctx, cfg, logger)
	if closePublisher != nil {
		closers = append(closers, closePublisher)
	}

	coordinator := ledger.NewCoordinator(repo, publisher, logger)
	svc := service.New(repo, coordinator, publisher, logger, service.Options{
		ConflictRetries: cfg.ConflictRetries,
		OrderUnitPrice:  cfg.OrderUnitPrice,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("oeufmaster backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serveErr:
		if err != nil {
			closeAll(closers, logger)
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	closeAll(closers, logger)

	logger.Info("server stopped")
	return nil
}

// openRepository picks postgres when DATABASE_URL is set, then sqlite when
// SQLITE_PATH is set, and otherwise the seeded in-memory store.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to fall back to memory: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("repository: postgres")
		return pg, pg.Close, nil
	case cfg.SQLitePath != "":
		lite, err := litestore.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("repository: sqlite", zap.String("path", cfg.SQLitePath))
		return lite, lite.Close, nil
	default:
		logger.Info("repository: in-memory")
		return memory.NewSeeded(logger), func() error { return nil }, nil
	}
}

// openPublisher always logs events and also broadcasts them on redis when it
// is reachable.
func openPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (events.Publisher, func() error) {
	logging := events.NewLogPublisher(logger)
	if cfg.RedisAddr == "" {
		logger.Info("events: log only")
		return logging, nil
	}

	redisPublisher := events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventsChannel)
	if err := redisPublisher.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, events stay local", zap.Error(err))
		_ = redisPublisher.Close()
		return logging, nil
	}
	logger.Info("events: redis", zap.String("channel", cfg.EventsChannel))
	return events.Multi{logging, redisPublisher}, redisPublisher.Close
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}

func closeAll(closers []func() error, logger *zap.Logger) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
}
