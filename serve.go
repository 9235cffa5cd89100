package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/pi-docket/ConvertX-CN/api"
	"github.com/pi-docket/ConvertX-CN/config"
	"github.com/pi-docket/ConvertX-CN/dispatcher"
	"github.com/pi-docket/ConvertX-CN/engines"
	"github.com/pi-docket/ConvertX-CN/jobs"
	"github.com/pi-docket/ConvertX-CN/services"
	"github.com/pi-docket/ConvertX-CN/tracing"
	"github.com/pi-docket/ConvertX-CN/worker"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newStorage(cfg *config.Config) (services.Storage, error) {
	if cfg.StorageDriver == "s3" {
		s3, err := services.NewS3Storage(cfg)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return services.NewLocalStorage(cfg.UploadDir, cfg.OutputDir), nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting ConvertX conversion service", "addr", cfg.Addr(), "backend", cfg.BackendURL)

	if cfg.TracingEnabled {
		shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, os.Stdout)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdownTracer(context.Background())
	}

	list, err := engines.LoadFile(cfg.EnginesFile)
	if err != nil {
		return err
	}
	table := engines.NewTable(list...)
	logger.Info("engine catalogue loaded", "engines", len(list))

	storage, err := newStorage(cfg)
	if err != nil {
		return err
	}
	logger.Info("storage ready", "driver", cfg.StorageDriver)

	var (
		sinkList []services.JobSink
		limiter  gin.HandlerFunc
	)
	if cfg.RedisEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis", "addr", cfg.RedisAddr)

		sinkList = append(sinkList, services.NewStatusCache(redisClient, cfg.RedisPrefix, cfg.Retention()))
		if cfg.RateLimit > 0 {
			limiter = api.NewRateLimiter(api.RateLimiterConfig{
				RedisClient: redisClient,
				Limit:       cfg.RateLimit,
				Window:      cfg.RateLimitWindow,
				KeyPrefix:   cfg.RedisKey("ratelimit:submit:"),
			})
		}
	}
	if cfg.DatabaseEnabled {
		db, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare database schema: %w", err)
		}
		sinkList = append(sinkList, db)
		logger.Info("connected to database")
	}
	sinks := services.NewSinks(logger, sinkList...)

	store := jobs.NewStore(jobs.WithLogger(logger))
	backend := services.NewBackendService(cfg.BackendURL)
	pool := worker.NewPool(worker.PoolConfig{
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout(),
	}, store, storage, backend, sinks, logger)
	pool.Start(context.Background())

	sweeper := worker.NewSweeper(store, storage, sinks, cfg.Retention(), logger)
	if err := sweeper.Start(cfg.SweepInterval); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	d := dispatcher.New(engines.NewResolver(table), store, storage, pool, sinks, logger)
	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(d, table, sweeper, backend, api.Options{
		MaxFileSize:   cfg.MaxFileSize,
		SubmitLimiter: limiter,
	}, logger)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.NewRouter(handler, logger),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received, stopping service")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown timeout, cancelled in-flight conversions", "error", err)
	} else {
		logger.Info("all workers stopped gracefully")
	}
	<-sweeper.Stop().Done()

	logger.Info("conversion service stopped")
	return nil
}
