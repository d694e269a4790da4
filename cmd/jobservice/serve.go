package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/jobservice/internal/api"
	"github.com/livinlefevreloca/jobservice/internal/dispatcher"
	"github.com/livinlefevreloca/jobservice/internal/inbox"
	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/metrics"
	"github.com/livinlefevreloca/jobservice/internal/scheduler"
	"github.com/livinlefevreloca/jobservice/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, callback dispatcher and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	logger.Info("starting jobservice")

	// Step 1: Open the store and apply the schema
	be, err := openBackend(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer be.close()

	if !cfg.Database.SkipMigrations {
		logger.Info("running migrations", "migrations_dir", cfg.Database.MigrationsDir)
		if err := be.migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		logger.Info("skipping migrations", "reason", "configured to skip")
	}

	// Step 2: Telemetry
	shutdownTelemetry, err := metrics.Setup(cfg.Metrics, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	reg, err := metrics.RegisterJobCounts(otel.Meter(metrics.ScopeName), be.store.Counts)
	if err != nil {
		return fmt.Errorf("failed to register job gauge: %w", err)
	}
	defer reg.Unregister()

	// Step 3: Wire the components
	queue := inbox.New[*job.Job](cfg.Scheduler.InboxBufferSize, cfg.Scheduler.InboxSendTimeout, logger)

	disp, err := dispatcher.New(cfg.Dispatcher, be.store, queue, logger, dispatcher.WithMetrics(m))
	if err != nil {
		return err
	}

	sched, err := scheduler.NewScheduler(cfg.Scheduler, be.store, queue, logger, scheduler.WithMetrics(m))
	if err != nil {
		return err
	}

	svc, err := service.New(cfg.Jobs, be.store, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(svc, logger,
		api.WithStats("scheduler", func() any { return sched.Stats() }),
		api.WithStats("dispatcher", func() any { return disp.Stats() }),
		api.WithStats("inbox", func() any { return queue.Stats() }),
	)

	// Step 4: Run until a signal or a component fails
	disp.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Start(gctx)
	})

	if cfg.HTTP.Enabled {
		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.HTTP.Addr())
			if err := server.ListenAndServe(cfg.HTTP.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		sched.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// Step 5: Drain callbacks; anything cut off is recovered on next start
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.StopTimeout)
	defer cancel()
	if err := disp.Stop(stopCtx); err != nil {
		logger.Warn("dispatcher did not drain before deadline", "error", err)
	}
	queue.Close()

	if runErr != nil {
		return runErr
	}
	logger.Info("jobservice stopped")
	return nil
}
