package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/infrastructure/cache"
	"storefront-checkout/internal/infrastructure/notify"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/server"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return err
	}
	dbService := database.New(db, cfg.Database.Name, logger)
	defer dbService.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var gateway payment.Gateway
	if cfg.Gateway.Mode == "live" {
		gateway = payment.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)
	} else {
		logger.Warn("using mock payment gateway")
		gateway = payment.NewMockGateway()
	}

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.Mail.SMTPHost != "" {
		sender = notify.NewSMTPSender(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.SMTPUser, cfg.Mail.SMTPPass)
	}

	events := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer events.Close()

	var cartCache cache.CartCache = cache.NopCache{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		cartCache = cache.NewRedisCache(client)
	}

	orders := repo.NewOrderRepo(db)
	checkout := service.NewCheckoutService(service.Dependencies{
		DB:          db,
		Orders:      orders,
		Stock:       repo.NewStockRepo(db),
		Commissions: repo.NewCommissionRepo(db),
		Carts:       repo.NewCartRepo(db),
		Gateway:     gateway,
		Notifier:    notify.NewDispatcher(sender, cfg.Mail.From),
		Events:      events,
		CartCache:   cartCache,
		Metrics:     m,
		Logger:      logger,
	}, service.OptionsFromConfig(cfg))

	sweeper := worker.NewReconciliationWorker(orders, checkout, worker.Options{
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.ReconcileStaleAfter,
		PendingTTL: cfg.PendingOrderTTL,
	}, m, logger)
	go sweeper.Run(ctx)

	srv := server.New(cfg, checkout, dbService, m, reg, logger).HTTPServer(cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
