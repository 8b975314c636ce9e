package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tagmanager/internal/handlers"
	"tagmanager/internal/jobs"
	"tagmanager/internal/queue"
	"tagmanager/internal/server"
	"tagmanager/internal/service"
	"tagmanager/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled cycles, consume triggers and serve the control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(ctx, a)
	},
}

func serve(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)

	scheduler := jobs.NewScheduler(a.cfg.Schedule.Cron, a.scheduledTrigger(), a.logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	if a.cfg.Schedule.RunOnStart {
		scheduler.RunNow()
	}

	if a.redis != nil {
		consumer := queue.NewConsumer(a.redis, a.cfg.Redis.Stream, a.cfg.Redis.Group, a.cfg.Redis.Consumer,
			a.cfg.Redis.ClaimInterval, a.logger, tasks.NewProcessor(a.cycles, a.logger))
		consumer.SetMaxDeliveries(a.cfg.Redis.MaxDeliveries)
		g.Go(func() error {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	var httpServer *server.HTTPServer
	if a.cfg.HTTP.Enabled {
		opts := handlers.Options{
			Environment: a.cfg.Environment,
			AdminSecret: a.cfg.Security.AdminSecret,
			Cache:       a.redis,
		}
		if a.triggers != nil {
			opts.Queue = a.triggers
		}
		httpServer = server.NewHTTPServer(a.cfg, a.logger,
			handlers.NewHandlerSet(a.logger, a.cycles, a.gateway, opts), a.metrics.Handler())
		g.Go(httpServer.Start)
	}

	<-ctx.Done()
	a.logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		a.logger.Warn().Msg("scheduled cycle still running at shutdown")
	}

	err := g.Wait()
	a.logger.Info().Msg("server exited cleanly")
	return err
}

// scheduledTrigger enqueues cycles when a trigger stream exists so any
// instance can pick them up, and runs them in process otherwise.
func (a *app) scheduledTrigger() jobs.Trigger {
	if a.triggers != nil {
		return func(ctx context.Context) error {
			return a.triggers.Enqueue(ctx, queue.TaskIngest, "cron")
		}
	}
	return func(ctx context.Context) error {
		_, err := a.cycles.RunCycle(ctx, "cron")
		if errors.Is(err, service.ErrCycleRunning) {
			a.logger.Info().Msg("previous cycle still running, skipping tick")
			return nil
		}
		return err
	}
}
