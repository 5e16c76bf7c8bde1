package worker

import (
	"context"
	"errors"
	"sync"

	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
)

// ErrShuttingDown is returned by Dispatch once the dispatcher stopped accepting work.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// InlineDispatcher runs jobs on detached goroutines inside the API process.
// The goroutines are tied to the dispatcher's base context, not to the
// request that started the job.
type InlineDispatcher struct {
	runner *Runner
	log    *logger.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInlineDispatcher(runner *Runner, log *logger.Logger) *InlineDispatcher {
	if log == nil {
		log = logger.Discard()
	}
	base, cancel := context.WithCancel(context.Background())
	return &InlineDispatcher{runner: runner, log: log, base: base, cancel: cancel}
}

// Dispatch starts the job and returns immediately.
func (d *InlineDispatcher) Dispatch(_ context.Context, job models.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShuttingDown
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(d.base, job.ID); err != nil {
			d.log.WithJob(job.ID, job.Kind).WithError(err).Error("inline run")
		}
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are cancelled and recorded as interrupted.
func (d *InlineDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Enqueuer is the producer side of the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// QueueDispatcher hands jobs to worker processes through Redis.
type QueueDispatcher struct {
	queue Enqueuer
}

func NewQueueDispatcher(q Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job models.Job) error {
	return d.queue.Enqueue(ctx, job.ID)
}
