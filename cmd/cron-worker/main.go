package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/tabsplit-backend/internal/aggregation"
	"github.com/angelmondragon/tabsplit-backend/internal/app"
	"github.com/angelmondragon/tabsplit-backend/internal/cron"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
)

func main() {
	rt, err := app.Boot(context.Background(), app.Options{Kind: "cron-worker", WithRedis: true})
	app.Fatal(logger.New(logger.Options{ServiceName: "cron-worker"}), "failed to boot cron worker", err)
	defer rt.Close()
	logg, cfg := rt.Logger, rt.Config

	pipeline, err := rt.Pipeline(prometheus.DefaultRegisterer)
	app.Fatal(logg, "failed to build pipeline", err)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	aggregationJob, err := aggregation.NewJob(aggregation.JobParams{
		Logger:      logg,
		DB:          rt.DB,
		Intents:     pipeline.Intents,
		Queue:       pipeline.Queue,
		Metrics:     pipeline.Metrics,
		BatchLimit:  cfg.Digest.BatchLimit,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Priority:    cfg.Delivery.Priority,
	})
	app.Fatal(logg, "failed to create aggregation job", err)

	aggregationService := newCronService(rt, cronMetrics, schedule{
		name:     "aggregation",
		lockTTL:  cfg.Digest.LockTTL,
		interval: cfg.Digest.TickInterval(),
		jobs:     []cron.Job{aggregationJob},
	})
	maintenanceService := newCronService(rt, cronMetrics, schedule{
		name:     "maintenance",
		lockTTL:  cfg.Retention.LockTTL,
		interval: cfg.Retention.SweepInterval,
		jobs:     maintenanceJobs(rt, pipeline),
	})

	ctx, stop := rt.Context(nil)
	defer stop()
	logg.Info(ctx, "starting cron worker")

	if err := rt.Serve(ctx, prometheus.DefaultGatherer, aggregationService.Run, maintenanceService.Run); err != nil {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		rt.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
}
