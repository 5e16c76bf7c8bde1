package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "generation-tracker/internal/api"
	"generation-tracker/internal/archive"
	"generation-tracker/internal/config"
	"generation-tracker/internal/jobs"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/queue"
	"generation-tracker/internal/ratelimit"
	"generation-tracker/internal/store"
	"generation-tracker/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: "generation-api"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	redisClient := store.NewRedisClient(cfg)
	defer redisClient.Close()
	st := store.NewRedisStore(redisClient)
	if err := st.Ping(ctx); err != nil {
		log.WithError(err).Warn("redis not reachable at startup")
	}

	var (
		history    api.History
		runArchive worker.Archive
	)
	if cfg.PostgresDSN != "" {
		arch, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer arch.Close()
		if err := arch.RunMigrations(ctx); err != nil {
			log.WithError(err).Fatal("migrations")
		}
		history, runArchive = arch, arch
	}

	registry, cleanup, err := worker.BuildRegistry(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build handlers")
	}
	defer cleanup()

	var (
		dispatcher jobs.Dispatcher
		inline     *worker.InlineDispatcher
	)
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		dispatcher = worker.NewQueueDispatcher(queue.NewRedisQueue(redisClient, cfg.DispatchQueue, cfg.DispatchVisibility))
	default:
		runner := worker.NewRunner(st, registry, worker.RunnerOptions{
			Retention: cfg.JobRetention,
			Archive:   runArchive,
			Logger:    log,
		})
		inline = worker.NewInlineDispatcher(runner, log)
		dispatcher = inline
	}

	tracker := jobs.NewTracker(st, jobs.Options{
		Retention:  cfg.JobRetention,
		Validator:  registry,
		Dispatcher: dispatcher,
		Logger:     log,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(tracker, api.Options{
		Limiter: limiter,
		History: history,
		Health:  st,
		Logger:  log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).WithField("dispatch", cfg.DispatchMode).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if inline != nil {
		if err := inline.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("running generations were interrupted")
		}
	}
}
