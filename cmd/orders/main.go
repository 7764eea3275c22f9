package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/perfumery-backoffice/internal/config"
	"github.com/joao-fontenele/perfumery-backoffice/internal/messaging"
	"github.com/joao-fontenele/perfumery-backoffice/internal/orders"
	"github.com/joao-fontenele/perfumery-backoffice/internal/payments"
	"github.com/joao-fontenele/perfumery-backoffice/internal/telemetry"
	"github.com/joao-fontenele/perfumery-backoffice/internal/webhook"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "orders")

	cfg, err := config.LoadOrders()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "orders", cfg.ServiceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("orders", cfg.ServiceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL, cfg.Schema)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Events are optional; without a broker the history projection stays empty.
	var publisher orders.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic, messaging.WithWriteTimeout(cfg.KafkaWriteTimeout))
		defer func() { _ = producer.Close() }()
		publisher = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events will not be published")
	}

	repo := orders.NewOrderRepository(db)
	history := orders.NewHistoryRepository(db)

	ordersHandler, err := orders.NewHandler(repo, history, publisher, logger)
	if err != nil {
		logger.Error("failed to create orders handler", "error", err)
		os.Exit(1)
	}

	paymentsClient := payments.NewClient(cfg.MPAPIURL, cfg.MPAccessToken, telemetry.NewHTTPClient(10*time.Second))

	webhookHandler, err := webhook.NewHandler(paymentsClient, repo, publisher, cfg.RecordFailedPayments, logger)
	if err != nil {
		logger.Error("failed to create webhook handler", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(ordersHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(ordersHandler.HandleGet))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(ordersHandler.HandleUpdateStatus))
	mux.HandleFunc("PATCH /orders/{id}/notes", telemetry.WithHTTPRoute(ordersHandler.HandleUpdateNotes))
	mux.HandleFunc("GET /orders/{id}/history", telemetry.WithHTTPRoute(ordersHandler.HandleHistory))
	mux.HandleFunc("POST /webhooks/mercadopago", telemetry.WithHTTPRoute(webhookHandler.HandleNotification))
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.NewServerHandler(mux, "orders"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", cfg.Port, "schema", cfg.Schema, "record_failed_payments", cfg.RecordFailedPayments)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
