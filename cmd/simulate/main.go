package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/cache"
	"storefront-checkout/internal/infrastructure/notify"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/worker"
)

// simulate drives checkouts through the mock gateway, which randomly declines
// or swallows the attach response after charging, then lets the worker recover
// the phantom charges. Every other buyer comes in through a reseller referral.
func main() {
	orders := flag.Int("orders", 20, "number of checkouts to simulate")
	stock := flag.Int("stock", 25, "starting stock for the simulated variant")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	if err := simulate(context.Background(), cfg, logger, *orders, *stock); err != nil {
		fmt.Fprintln(os.Stderr, "simulation failed:", err)
		os.Exit(1)
	}
}

func simulate(ctx context.Context, cfg *config.Config, logger *slog.Logger, n, startingStock int) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return err
	}

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start in-process redis: %w", err)
		}
		defer mr.Close()
		redisAddr = mr.Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	cartCache := cache.NewRedisCache(client)

	orderRepo := repo.NewOrderRepo(db)
	stockRepo := repo.NewStockRepo(db)
	commissionRepo := repo.NewCommissionRepo(db)
	cartRepo := repo.NewCartRepo(db)
	gateway := payment.NewMockGateway()
	m := metrics.New(prometheus.NewRegistry())

	checkout := service.NewCheckoutService(service.Dependencies{
		DB:          db,
		Orders:      orderRepo,
		Stock:       stockRepo,
		Commissions: commissionRepo,
		Carts:       cartRepo,
		Gateway:     gateway,
		Notifier:    notify.NewDispatcher(notify.NewLogSender(logger), cfg.Mail.From),
		CartCache:   cartCache,
		Metrics:     m,
		Logger:      logger,
	}, service.OptionsFromConfig(cfg))

	runID := time.Now().Unix()
	variant := "SIM-" + time.Now().Format("150405")
	if err := stockRepo.SetQuantity(ctx, variant, "M", startingStock); err != nil {
		return err
	}
	reseller := &domain.Reseller{
		ID:           uuid.New(),
		ReferralCode: fmt.Sprintf("SIMREF%d", runID),
		Name:         "Sim Reseller",
		Email:        "reseller@example.com",
	}
	if err := commissionRepo.CreateReseller(ctx, reseller); err != nil {
		return err
	}

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS, STOCK %d, REFERRAL %s) ---\n", n, startingStock, reseller.ReferralCode)
	for i := 0; i < n; i++ {
		orderNumber := fmt.Sprintf("SIM%d%03d", runID, i+1)
		email := fmt.Sprintf("buyer%d-%d@example.com", runID, i+1)
		line := domain.StockLine{VariantID: variant, Size: "M", Quantity: 1}
		if err := cartRepo.Add(ctx, email, line); err != nil {
			return err
		}
		if err := cartCache.Set(ctx, email, []domain.StockLine{line}); err != nil {
			return err
		}

		referral := ""
		if i%2 == 0 {
			referral = reseller.ReferralCode
		}
		created, err := checkout.Create(ctx, service.CreateRequest{
			OrderNumber: orderNumber,
			Items: []service.LineItem{
				{VariantID: variant, Size: "M", UnitPrice: decimal.RequireFromString("499.95"), Quantity: 1},
			},
			Customer:     domain.Customer{Email: email, FirstName: "Sim"},
			ReferralCode: referral,
		})
		if err != nil {
			fmt.Printf("[%d] %s create FAILED: %v\n", i+1, orderNumber, err)
			continue
		}

		fmt.Printf("[%d] %s attaching card ... ", i+1, orderNumber)
		_, err = checkout.AttachMethod(ctx, service.AttachRequest{
			OrderNumber: orderNumber,
			Method:      payment.MethodInput{Kind: domain.MethodCard, CardNumber: "4343434343434345", Expiry: "12/30", CVC: "123"},
		})
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			res, err := checkout.Reconcile(ctx, service.ReconcileRequest{OrderNumber: orderNumber})
			switch {
			case err == nil:
				fmt.Printf("%s\n", res.Order.Status)
			case errors.Is(err, service.ErrNotFinal):
				fmt.Printf("still %s\n", res.PaymentStatus)
			default:
				fmt.Printf("reconcile FAILED: %v\n", err)
			}
		}

		fresh, err := checkout.Status(ctx, orderNumber)
		if err == nil {
			fmt.Printf("    -> DB Status: %s\n", fresh.Status)
		}
		if err := printLeftovers(ctx, commissionRepo, cartRepo, cartCache, created.Order.ID, email); err != nil {
			return err
		}
	}

	fmt.Println("--- SWEEPING STUCK ORDERS ---")
	sweeper := worker.NewReconciliationWorker(orderRepo, checkout, worker.Options{
		StaleAfter: 0,
		PendingTTL: time.Hour,
	}, m, logger)
	report, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	for outcome, count := range report {
		fmt.Printf("    %-18s %d\n", outcome, count)
	}

	left, err := stockRepo.Quantity(ctx, variant, "M")
	if err != nil {
		return err
	}
	fmt.Printf("--- DONE: %s M stock left %d ---\n", variant, left)
	return nil
}

// printLeftovers shows what a checkout left behind: the reseller's commission,
// the buyer's cart rows and whether the cached cart survived.
func printLeftovers(ctx context.Context, commissions repo.CommissionRepo, carts repo.CartRepo, cartCache cache.CartCache, orderID uuid.UUID, email string) error {
	commission := "none"
	c, err := commissions.FindByOrderID(ctx, orderID)
	switch {
	case err == nil:
		commission = fmt.Sprintf("%s (%s, withdrawable %s)", c.Amount.StringFixed(2), c.Status, c.WithdrawableAt.Format("2006-01-02"))
	case !errors.Is(err, repo.ErrCommissionNotFound):
		return err
	}

	rows, err := carts.Count(ctx, email)
	if err != nil {
		return err
	}

	cached := "cached"
	if _, err := cartCache.Get(ctx, email); errors.Is(err, cache.ErrCacheMiss) {
		cached = "invalidated"
	} else if err != nil {
		return err
	}

	fmt.Printf("    -> commission %s, cart rows %d, cart cache %s\n", commission, rows, cached)
	return nil
}
