package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/service"
)

type Server struct {
	checkout      service.CheckoutService
	db            database.Service
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	allowOrigins  []string
	webhookSecret string
}

func New(
	cfg *config.Config,
	checkout service.CheckoutService,
	db database.Service,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	return &Server{
		checkout:      checkout,
		db:            db,
		metrics:       m,
		gatherer:      gatherer,
		logger:        logger,
		allowOrigins:  cfg.CORSAllowedOrigins,
		webhookSecret: cfg.WebhookSecret,
	}
}

// HTTPServer wraps the routes in an http.Server listening on cfg.Port.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
