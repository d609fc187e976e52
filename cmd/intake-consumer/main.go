package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/tabsplit-backend/internal/app"
	"github.com/angelmondragon/tabsplit-backend/internal/intake"
	"github.com/angelmondragon/tabsplit-backend/pkg/idempotency"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/pubsub"
)

func main() {
	rt, err := app.Boot(context.Background(), app.Options{Kind: "intake-consumer", WithRedis: true})
	app.Fatal(logger.New(logger.Options{ServiceName: "intake-consumer"}), "failed to boot intake consumer", err)
	defer rt.Close()
	logg, cfg := rt.Logger, rt.Config

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	app.Fatal(logg, "failed to bootstrap pubsub", err)
	rt.OnClose(pubsubClient.Close)

	manager, err := idempotency.NewManager(rt.Redis, cfg.Eventing.IdempotencyTTL)
	app.Fatal(logg, "failed to create idempotency manager", err)

	pipeline, err := rt.Pipeline(prometheus.DefaultRegisterer)
	app.Fatal(logg, "failed to build pipeline", err)
	intakeService, err := rt.Intake(pipeline)
	app.Fatal(logg, "failed to create intake service", err)

	consumer, err := intake.NewConsumer(intakeService, pubsubClient.NotificationSubscription(), manager, logg)
	app.Fatal(logg, "failed to create intake consumer", err)

	ctx, stop := rt.Context(map[string]any{"subscription": cfg.PubSub.NotificationSubscription})
	defer stop()
	logg.Info(ctx, "starting intake consumer")

	if err := rt.Serve(ctx, prometheus.DefaultGatherer, consumer.Run); err != nil {
		logg.Error(ctx, "intake consumer stopped unexpectedly", err)
		rt.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "intake consumer shutting down gracefully")
}
