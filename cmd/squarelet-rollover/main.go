package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/jacqui/squarelet/pkg/billing"
	"github.com/jacqui/squarelet/pkg/cache"
	"github.com/jacqui/squarelet/pkg/observability"
	"github.com/jacqui/squarelet/pkg/storage/postgres"
)

var (
	dbURL    = flag.String("db-url", getEnv("SQUARELET_POSTGRES_URL", "postgres://localhost/squarelet?sslmode=disable"), "PostgreSQL connection URL")
	redisURL = flag.String("redis-url", getEnv("SQUARELET_REDIS_URL", ""), "Redis URL for cache invalidations (optional)")
	schedule = flag.String("schedule", "5 0 * * *", "Cron schedule for the rollover job (default: 00:05 UTC)")
	runOnce  = flag.Bool("run-once", false, "Run the rollover once and exit")
	logLevel = flag.String("log-level", getEnv("SQUARELET_LOG_LEVEL", "info"), "Log level")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger(*logLevel, os.Stdout)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	dbCfg := postgres.DefaultConfig()
	dbCfg.URL = *dbURL
	db, err := postgres.Open(dbCfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	var invalidator cache.Invalidator = cache.NopInvalidator{}
	if *redisURL != "" {
		redisInvalidator, err := cache.NewRedisInvalidator(*redisURL, "", -1, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer redisInvalidator.Close()
		invalidator = redisInvalidator
	}

	rollover := billing.NewRollover(db, invalidator, metrics, logger)

	if *runOnce {
		count, err := rollover.Run(context.Background())
		if err != nil {
			logger.WithError(err).Fatal("rollover failed")
		}
		logger.WithField("organizations", count).Info("rollover completed")
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, func() {
		if _, err := rollover.Run(context.Background()); err != nil {
			logger.WithError(err).Error("scheduled rollover failed")
		}
	}); err != nil {
		logger.WithError(err).Fatal("failed to schedule rollover")
	}

	c.Start()
	logger.WithField("schedule", *schedule).Info("rollover scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	<-c.Stop().Done()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
