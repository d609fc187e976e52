// Package app holds the startup sequence shared by every binary: env and
// config loading, logger, database, dev migrations and redis.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/tabsplit-backend/pkg/config"
	"github.com/angelmondragon/tabsplit-backend/pkg/db"
	"github.com/angelmondragon/tabsplit-backend/pkg/instance"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
	"github.com/angelmondragon/tabsplit-backend/pkg/migrate"
	"github.com/angelmondragon/tabsplit-backend/pkg/redis"
)

// Options select what Boot connects to.
type Options struct {
	Kind      string
	WithRedis bool
}

// Runtime is a booted process. Close releases everything Boot opened.
type Runtime struct {
	Kind   string
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	Redis  *redis.Client

	closers []func() error
}

// Boot loads configuration and opens the shared connections. On error the
// partially opened runtime is already closed.
func Boot(ctx context.Context, opts Options) (rt *Runtime, err error) {
	logg := logger.New(logger.Options{ServiceName: opts.Kind})
	if loadErr := godotenv.Load(); loadErr != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = opts.Kind

	rt = &Runtime{
		Kind:   opts.Kind,
		Config: cfg,
		Logger: logger.New(logger.Options{
			ServiceName: opts.Kind,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			Format:      cfg.App.LogFormat,
			WarnStack:   cfg.App.LogWarnStack,
		}),
	}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if rt.DB, err = db.New(ctx, cfg.DB, rt.Logger); err != nil {
		return rt, fmt.Errorf("bootstrap database: %w", err)
	}
	rt.closers = append(rt.closers, rt.DB.Close)

	if err = migrate.MaybeRunDev(ctx, cfg, rt.Logger, rt.DB); err != nil {
		return rt, fmt.Errorf("dev migrations: %w", err)
	}

	if opts.WithRedis {
		if rt.Redis, err = redis.New(ctx, cfg.Redis, rt.Logger); err != nil {
			return rt, fmt.Errorf("bootstrap redis: %w", err)
		}
		rt.closers = append(rt.closers, rt.Redis.Close)
	}
	return rt, nil
}

// OnClose registers fn to run on Close, before previously registered ones.
func (r *Runtime) OnClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) Close() {
	var errs error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, r.closers[i]())
	}
	r.closers = nil
	if errs != nil {
		r.Logger.Error(context.Background(), "shutdown cleanup failed", errs)
	}
}

// Context returns a context cancelled on SIGINT or SIGTERM, tagged with the
// process identity plus fields.
func (r *Runtime) Context(fields map[string]any) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = r.Logger.WithFields(ctx, map[string]any{
		"env":         r.Config.App.Env,
		"serviceKind": r.Kind,
		"instance":    instance.GetID(),
	})
	if len(fields) > 0 {
		ctx = r.Logger.WithFields(ctx, fields)
	}
	return ctx, stop
}

// Runner is a long-lived loop that returns once ctx is done.
type Runner func(ctx context.Context) error

// Serve runs every runner plus the /metrics listener until the first one
// fails or ctx is cancelled. Cancellation is a clean exit.
func (r *Runtime) Serve(ctx context.Context, gatherer prometheus.Gatherer, runners ...Runner) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, run := range runners {
		group.Go(func() error { return run(groupCtx) })
	}
	if addr := r.Config.Service.MetricsAddr; addr != "" && gatherer != nil {
		group.Go(func() error { return metrics.Serve(groupCtx, addr, gatherer) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Fatal logs err and exits. It is a no-op for a nil err.
func Fatal(logg *logger.Logger, msg string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), msg, err)
	os.Exit(1)
}
