package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/tabsplit-backend/api/routes"
	"github.com/angelmondragon/tabsplit-backend/internal/app"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rt, err := app.Boot(context.Background(), app.Options{Kind: "api", WithRedis: true})
	app.Fatal(logger.New(logger.Options{ServiceName: "api"}), "failed to boot api", err)
	defer rt.Close()
	logg := rt.Logger

	pipeline, err := rt.Pipeline(prometheus.DefaultRegisterer)
	app.Fatal(logg, "failed to build pipeline", err)
	intakeService, err := rt.Intake(pipeline)
	app.Fatal(logg, "failed to create intake service", err)

	// Heroku style platforms inject PORT.
	port := os.Getenv("PORT")
	if port == "" {
		port = rt.Config.App.Port
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: routes.NewRouter(
			rt.Config,
			logg,
			rt.DB,
			rt.Redis,
			metrics.NewHTTPMetrics(prometheus.DefaultRegisterer),
			prometheus.DefaultGatherer,
			intakeService,
			pipeline.AuditService,
			pipeline.OptOut,
			pipeline.Queue,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := rt.Context(map[string]any{"addr": server.Addr})
	defer stop()
	logg.Info(ctx, "starting api server")

	// The api serves /metrics on its own router.
	err = rt.Serve(ctx, nil,
		func(context.Context) error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		func(ctx context.Context) error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	)
	if err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		rt.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
