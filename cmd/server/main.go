package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lumenforge/generation-service/config"
	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/database"
	"github.com/lumenforge/generation-service/internal/handlers"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/localqueue"
	"github.com/lumenforge/generation-service/internal/middleware"
	"github.com/lumenforge/generation-service/internal/notify"
	"github.com/lumenforge/generation-service/internal/ratelimit"
	"github.com/lumenforge/generation-service/internal/recovery"
	"github.com/lumenforge/generation-service/internal/router"
	"github.com/lumenforge/generation-service/internal/scheduler"
	"github.com/lumenforge/generation-service/internal/telemetry"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting generation service")

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	if cfg.Database.URL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	logger.Info().Msg("Database connected")

	taskBroker := broker.New(cfg.Redis)
	defer taskBroker.Close()

	counterClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer counterClient.Close()
	limiter := ratelimit.New(counterClient)

	jobs := jobstore.New(pool)
	fallback := localqueue.New(pool, logger)
	taskRouter := router.New(cfg.Routing, taskBroker, fallback, logger)

	notifyStore := notify.NewStore(pool)
	dispatcher := notify.NewDispatcher(notifyStore, notify.BuildChannels(cfg.Notify.Channels), logger)

	scanner := recovery.NewScanner(jobs, taskRouter, logger, cfg.Recovery)

	runner := scheduler.NewRunner(logger)
	runner.Register("recovery", cfg.Recovery.Interval, scanner.Run)
	runner.Register("fallback_drain", cfg.Fallback.DrainInterval, func(ctx context.Context) error {
		_, err := fallback.Drain(ctx, taskBroker, cfg.Fallback.DrainBatch)
		return err
	})
	runner.Register("notification_purge", cfg.Notify.PurgeInterval, func(ctx context.Context) error {
		_, err := dispatcher.PurgeStale(ctx, cfg.Notify.RetentionDays)
		return err
	})
	runner.Register("queue_depth", 30*time.Second, func(ctx context.Context) error {
		return taskBroker.SampleDepth(ctx, cfg.Worker.Queues)
	})
	runner.Start(ctx)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	setupMiddleware(engine, logger)

	h := handlers.New(jobs, taskRouter, notifyStore, handlers.HealthDeps{
		Database: func(ctx context.Context) error { return database.Status(ctx, pool) },
		Broker:   taskBroker.Ping,
	})

	engine.GET("/health", h.HealthCheck)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	scopes := cfg.RateLimit.Scopes

	internal := engine.Group("/internal")
	internal.Use(middleware.InternalAuthMiddleware())
	internal.Use(middleware.UserContextMiddleware())
	internal.Use(middleware.ServiceRateLimit(50, 100))
	{
		internal.GET("/health", h.HealthCheck)

		jobsGroup := internal.Group("/jobs")
		jobsGroup.Use(middleware.RateLimit(limiter, scopes["generation"], "generation"))
		{
			jobsGroup.POST("", h.CreateJob)
			jobsGroup.GET("/:jobId", h.GetJob)
			jobsGroup.POST("/:jobId/cancel", h.CancelJob)
		}

		notifications := internal.Group("/notifications")
		notifications.Use(middleware.RateLimit(limiter, scopes["default"], "default"))
		{
			notifications.GET("", h.ListNotifications)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Telemetry shutdown failed")
	}

	logger.Info().Msg("Server exited")
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "generation-service").Logger()
	return &logger
}

func setupMiddleware(engine *gin.Engine, logger *zerolog.Logger) {
	engine.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}
