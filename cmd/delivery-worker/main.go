package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/tabsplit-backend/internal/app"
	"github.com/angelmondragon/tabsplit-backend/internal/delivery"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/mailer"
)

func main() {
	rt, err := app.Boot(context.Background(), app.Options{Kind: "delivery-worker"})
	app.Fatal(logger.New(logger.Options{ServiceName: "delivery-worker"}), "failed to boot delivery worker", err)
	defer rt.Close()
	logg, cfg := rt.Logger, rt.Config

	sender, err := mailer.New(cfg.Mail, logg)
	app.Fatal(logg, "failed to create mail sender", err)

	pipeline, err := rt.Pipeline(prometheus.DefaultRegisterer)
	app.Fatal(logg, "failed to build pipeline", err)

	worker, err := delivery.NewWorker(delivery.WorkerParams{
		Queue:   pipeline.Queue,
		Audit:   pipeline.Audit,
		OptOut:  pipeline.OptOut,
		Sender:  sender,
		Logger:  logg,
		Metrics: pipeline.Metrics,
		Config:  cfg.Delivery,
	})
	app.Fatal(logg, "failed to create delivery worker", err)

	ctx, stop := rt.Context(map[string]any{"mailDriver": cfg.Mail.Driver, "workers": cfg.Delivery.Workers})
	defer stop()
	logg.Info(ctx, "starting delivery worker")

	if err := rt.Serve(ctx, prometheus.DefaultGatherer, worker.Run); err != nil {
		logg.Error(ctx, "delivery worker stopped unexpectedly", err)
		rt.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "delivery worker shutting down gracefully")
}
