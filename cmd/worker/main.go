package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/lumenforge/generation-service/config"
	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/database"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/notify"
	"github.com/lumenforge/generation-service/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting generation worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.URL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	taskBroker := broker.New(cfg.Redis)
	defer taskBroker.Close()

	jobs := jobstore.New(pool)
	notifyStore := notify.NewStore(pool)
	dispatcher := notify.NewDispatcher(notifyStore, notify.BuildChannels(cfg.Notify.Channels), logger)

	if cfg.Worker.PipelineURL == "" {
		logger.Fatal().Msg("PIPELINE_URL not set")
	}
	pipeline := worker.NewHTTPPipeline(cfg.Worker.PipelineURL)
	handlers := worker.BuildHandlers(pipeline)

	w := worker.New(taskBroker, jobs, handlers, dispatcher, logger, worker.Config{
		Queues:       cfg.Worker.Queues,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
	})
	w.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down worker...")
	cancel()
	w.Stop()
	logger.Info().Msg("Worker exited")
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

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "generation-worker").Logger()
	return &logger
}
