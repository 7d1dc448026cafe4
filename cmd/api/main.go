package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/app"
	"github.com/MatinCapisano/PatitasBigotes/internal/clock"
	"github.com/MatinCapisano/PatitasBigotes/internal/config"
	"github.com/MatinCapisano/PatitasBigotes/internal/metrics"
	"github.com/MatinCapisano/PatitasBigotes/internal/storage/postgres"
	transporthttp "github.com/MatinCapisano/PatitasBigotes/internal/transport/http"
	"github.com/MatinCapisano/PatitasBigotes/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if len(cfg.WebhookSecrets) == 0 {
		logger.Warn("WEBHOOK_SECRETS not set, webhook endpoint will reject all providers")
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logger.Fatal("db ping", zap.Error(err))
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	clk := clock.NewSystem()
	reservationRepo := postgres.NewReservationRepository(pool)
	webhookRepo := postgres.NewWebhookRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)

	ledger := app.NewLedgerService(reservationRepo, clk, logger, m, app.WithReservationTTL(cfg.ReservationTTL))
	inbox := app.NewInboxService(webhookRepo, clk, logger, m)
	reconciler := app.NewReconcilerService(orderRepo, ledger, clk, logger, m)
	sweeper := app.NewSweeper(reservationRepo, reconciler, inbox, clk, logger, m, app.SweeperConfig{
		Interval:        cfg.SweepInterval,
		BatchSize:       cfg.SweepBatchSize,
		ReactivationTTL: cfg.ReactivationTTL,
		StuckThreshold:  cfg.StuckEventThreshold,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", transporthttp.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/reservations", transporthttp.HandleReserveStock(ledger))
	mux.Handle("/orders/", transporthttp.HandleOrderReservations(ledger))
	mux.Handle("/payments/webhook/", transporthttp.HandleProviderWebhook(inbox, reconciler, cfg.WebhookSecrets))
	mux.Handle("/admin/webhook-events", transporthttp.HandleAdminWebhookEvents(inbox))
	mux.Handle("/admin/webhook-events/", transporthttp.HandleRetryWebhookEvent(inbox, reconciler))
	mux.Handle("/", transporthttp.NotFoundHandler())

	handler := transporthttp.Instrument(mux, logger, m)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	logger.Info("api listening", zap.String("port", cfg.Port))

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	stopSweeper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}
