package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/perfumery-backoffice/internal/config"
	"github.com/joao-fontenele/perfumery-backoffice/internal/messaging"
	"github.com/joao-fontenele/perfumery-backoffice/internal/orders"
	"github.com/joao-fontenele/perfumery-backoffice/internal/telemetry"
	"github.com/joao-fontenele/perfumery-backoffice/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "worker", cfg.ServiceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL, cfg.Schema)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.EventsTopic, cfg.GroupID, logger)
	defer func() { _ = consumer.Close() }()

	projector := worker.NewHistoryProjector(orders.NewHistoryRepository(db), logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting history worker", "brokers", cfg.KafkaBrokers, "topic", cfg.EventsTopic, "group", cfg.GroupID)

	if err := consumer.Consume(ctx, projector.Handle); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
