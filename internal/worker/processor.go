package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"generation-tracker/internal/logger"
	"generation-tracker/internal/telemetry"
)

// JobQueue is the consumer side of the dispatch queue.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Visibility() time.Duration
}

// Processor drives the worker execution loop in queue mode.
type Processor struct {
	queue        JobQueue
	runner       *Runner
	pollInterval time.Duration
	log          *logger.Logger
	workerID     string
}

func NewProcessor(q JobQueue, runner *Runner, pollInterval time.Duration, log *logger.Logger) *Processor {
	return NewProcessorWithID(q, runner, pollInterval, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(q JobQueue, runner *Runner, pollInterval time.Duration, log *logger.Logger, workerID string) *Processor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	if workerID != "" {
		log = &logger.Logger{Entry: log.WithField("worker_id", workerID)}
	}
	return &Processor{
		queue:        q,
		runner:       runner,
		pollInterval: pollInterval,
		log:          log,
		workerID:     workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.log.WithField("count", len(reclaimed)).Warn("requeued expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.WithError(err).Warn("dequeue")
			if !p.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		if jobID == "" {
			if !p.wait(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = p.runLeased(ctx, jobID)
		switch {
		case err == nil, errors.Is(err, ErrJobGone):
		case errors.Is(err, ErrJobBusy):
			// The owning worker keeps extending the lease and acks it.
			continue
		default:
			// An unfinalized job keeps its lease and is retried after it expires.
			p.log.WithJob(jobID, "").WithError(err).Error("run job")
			continue
		}
		if err := p.queue.Ack(ctx, jobID); err != nil {
			p.log.WithJob(jobID, "").WithError(err).Warn("ack")
		}
	}
}

// runLeased runs the job while a heartbeat keeps its lease from expiring.
func (p *Processor) runLeased(ctx context.Context, jobID string) error {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, jobID)
	}()
	err := p.runner.Run(ctx, jobID)
	stop()
	wg.Wait()
	return err
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	lease := p.queue.Visibility()
	every := lease / 3
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.queue.ExtendLease(ctx, jobID, lease); err != nil && ctx.Err() == nil {
				p.log.WithJob(jobID, "").WithError(err).Warn("extend lease")
			}
		}
	}
}

func (p *Processor) wait(ctx context.Context) bool {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
