package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacqui/squarelet/pkg/billing"
	"github.com/jacqui/squarelet/pkg/cache"
	"github.com/jacqui/squarelet/pkg/config"
	"github.com/jacqui/squarelet/pkg/httputil"
	"github.com/jacqui/squarelet/pkg/mail"
	"github.com/jacqui/squarelet/pkg/observability"
	"github.com/jacqui/squarelet/pkg/orgs"
	"github.com/jacqui/squarelet/pkg/plans"
	"github.com/jacqui/squarelet/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var invalidator cache.Invalidator = cache.NopInvalidator{}
	if cfg.Redis.URL != "" {
		redisInvalidator, err := cache.NewRedisInvalidator(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer redisInvalidator.Close()
		invalidator = redisInvalidator
	}

	planStore, err := plans.NewStore(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to create plan store")
	}
	if cfg.Billing.PlanSeedPath != "" {
		seeds, err := plans.LoadSeed(cfg.Billing.PlanSeedPath)
		if err != nil {
			logger.WithError(err).Fatal("failed to load plan catalog")
		}
		if err := planStore.Seed(seeds); err != nil {
			logger.WithError(err).Fatal("failed to seed plan catalog")
		}
		logger.WithField("plans", len(seeds)).Info("plan catalog seeded")
	}

	orgService := orgs.NewPostgresService(db, planStore, invalidator, logger)
	gateway := billing.NewStripeGateway(cfg.Stripe.APIKey, cfg.Stripe.APIVersion, cfg.Stripe.BaseURL, logger)
	mailer := mail.NewLogDispatcher(logger)
	billingService := billing.NewService(orgService, planStore, gateway, mailer, metrics, logger)
	policy := billing.NewRetryPolicy(billing.DefaultRetryConfig())

	router := mux.NewRouter()
	billing.NewWebhookHandlers(billingService, policy, logger).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, err)
			return
		}
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("squarelet billing server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
}
