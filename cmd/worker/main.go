package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"generation-tracker/internal/archive"
	"generation-tracker/internal/config"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/queue"
	"generation-tracker/internal/store"
	"generation-tracker/internal/telemetry"
	"generation-tracker/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: "generation-worker"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient := store.NewRedisClient(cfg)
	defer redisClient.Close()
	st := store.NewRedisStore(redisClient)

	opts := worker.RunnerOptions{Retention: cfg.JobRetention, StaleAfter: cfg.WorkerStaleAfter, Logger: log}
	if cfg.PostgresDSN != "" {
		arch, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer arch.Close()
		if err := arch.RunMigrations(ctx); err != nil {
			log.WithError(err).Fatal("migrations")
		}
		opts.Archive = arch
	}

	registry, cleanup, err := worker.BuildRegistry(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build handlers")
	}
	defer cleanup()

	runner := worker.NewRunner(st, registry, opts)
	q := queue.NewRedisQueue(redisClient, cfg.DispatchQueue, cfg.DispatchVisibility)

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		id := fmt.Sprintf("%s-%d", workerID, i)
		proc := worker.NewProcessorWithID(q, runner, cfg.WorkerPollInterval, log, id)
		g.Go(func() error {
			if err := proc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	log.WithField("worker_id", workerID).WithField("concurrency", concurrency).WithField("queue", cfg.DispatchQueue).Info("worker started")
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
	log.Info("worker stopped")
}
