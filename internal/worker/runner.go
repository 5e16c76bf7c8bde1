package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"generation-tracker/internal/jobs"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
	"generation-tracker/internal/store"
	"generation-tracker/internal/telemetry"
)

// Archive receives every job that reaches a terminal state.
type Archive interface {
	RecordTerminal(ctx context.Context, job models.Job) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Errors returned by Run for jobs that must not be executed.
var (
	// ErrJobGone means the record expired or cannot be decoded; the job is dropped.
	ErrJobGone = errors.New("job record missing or unreadable")
	// ErrJobBusy means the record is processing and was written recently by another worker.
	ErrJobBusy = errors.New("job is already processing")
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Retention time.Duration
	// StaleAfter is how long a processing record may go unwritten before a
	// redelivered job is treated as abandoned.
	StaleAfter time.Duration
	Archive    Archive
	Logger     *logger.Logger
	Now        func() time.Time
}

// Runner executes one job from pending to a terminal state.
type Runner struct {
	store     store.Store
	registry  *Registry
	retention time.Duration
	stale     time.Duration
	archive   Archive
	log       *logger.Logger
	now       func() time.Time
}

func NewRunner(st store.Store, registry *Registry, opts RunnerOptions) *Runner {
	r := &Runner{
		store:     st,
		registry:  registry,
		retention: opts.Retention,
		stale:     opts.StaleAfter,
		archive:   opts.Archive,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if r.retention <= 0 {
		r.retention = time.Hour
	}
	if r.stale <= 0 {
		r.stale = time.Hour
	}
	if r.log == nil {
		r.log = logger.Discard()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

const (
	msgUnsupportedKind = "Unsupported generation kind."
	msgInternal        = "An unexpected error occurred during generation."
	msgInterrupted     = "Generation was interrupted. Please try again."
	maxMessageLen      = 300
	terminalWriteGrace = 10 * time.Second
)

// Run drives the job to completed or failed. Handler errors end up in the
// record; the returned error reports that the record could not be loaded
// or finalized, or wraps ErrJobGone or ErrJobBusy.
//
// A pending record is executed. A processing record was started by another
// run: it is left alone while fresh and failed as interrupted once stale, so
// vendor work is never submitted twice.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	rec, err := jobs.LoadRecorder(ctx, r.store, jobID, r.retention, r.now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, jobs.ErrCorruptRecord) {
			r.log.WithJob(jobID, "").WithError(err).Warn("dropping job without a usable record")
			return fmt.Errorf("%w: %w", ErrJobGone, err)
		}
		r.log.WithJob(jobID, "").WithError(err).Error("load job")
		return err
	}
	job := rec.Job()
	log := r.log.WithJob(job.ID, job.Kind)
	switch {
	case job.Status.IsTerminal():
		log.Info("job already finished, skipping")
		return nil
	case job.Status == models.StatusProcessing:
		idle := r.now().Sub(job.UpdatedAt)
		if idle < r.stale {
			log.WithField("idle", idle.String()).Info("job is processing elsewhere")
			return ErrJobBusy
		}
		log.WithField("idle", idle.String()).Warn("abandoned job, failing it")
		return r.finish(ctx, log, rec, job, time.Now(), nil, &userError{msg: msgInterrupted, cause: ErrJobBusy})
	}
	ctx = logger.WithContext(ctx, log)

	started := time.Now()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	var result map[string]any
	h, ok := r.registry.Lookup(job.Kind)
	if !ok {
		err = &userError{msg: msgUnsupportedKind}
	} else if err = rec.Processing(ctx, "starting", "Generation started"); err == nil {
		log.Info("generation running")
		result, err = r.safeHandle(ctx, h, job, rec)
	}
	return r.finish(ctx, log, rec, job, started, result, err)
}

// finish writes the terminal state for the outcome of a run.
func (r *Runner) finish(ctx context.Context, log *logger.Logger, rec *jobs.Recorder, job models.Job, started time.Time, result map[string]any, err error) error {
	// Terminal writes outlive a cancelled run context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteGrace)
	defer cancel()

	status := models.StatusCompleted
	if err == nil {
		err = rec.Complete(wctx, result)
		if err != nil && !errors.Is(err, jobs.ErrTerminal) {
			log.WithError(err).Error("write completed state")
			status = models.StatusFailed
			if ferr := rec.Fail(wctx, msgInternal); ferr != nil {
				return fmt.Errorf("finalize job %s: %w", job.ID, err)
			}
		}
	} else {
		status = models.StatusFailed
		msg := PublicMessage(err)
		log.WithError(err).WithField("message", msg).Warn("generation failed")
		if ferr := rec.Fail(wctx, msg); ferr != nil && !errors.Is(ferr, jobs.ErrTerminal) {
			log.WithError(ferr).Error("write failed state")
			return fmt.Errorf("finalize job %s: %w", job.ID, ferr)
		}
	}

	if rec.LostLogs() > 0 {
		log.Warn("closing status line was not recorded")
	}
	final := rec.Job()
	if final.Status.IsTerminal() {
		status = final.Status
	}
	if status == models.StatusCompleted {
		telemetry.JobsCompleted.WithLabelValues(job.Kind).Inc()
		log.WithField("duration", time.Since(started).String()).Info("generation completed")
	} else {
		telemetry.JobsFailed.WithLabelValues(job.Kind).Inc()
	}
	telemetry.JobDuration.WithLabelValues(job.Kind, string(status)).Observe(time.Since(started).Seconds())
	r.archiveJob(wctx, log, final)
	return nil
}

func (r *Runner) safeHandle(ctx context.Context, h Handler, job models.Job, rec *jobs.Recorder) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).WithField("panic", fmt.Sprint(p)).WithField("stack", string(debug.Stack())).Error("handler panic")
			result = nil
			err = &userError{msg: msgInternal, cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return h.Handle(ctx, job, rec)
}

func (r *Runner) archiveJob(ctx context.Context, log *logger.Logger, job models.Job) {
	if r.archive == nil {
		return
	}
	if err := r.archive.RecordTerminal(ctx, job); err != nil {
		log.WithError(err).Warn("archive terminal job")
		return
	}
	detail := "generation completed"
	if job.Status == models.StatusFailed {
		detail = job.Error
	}
	if err := r.archive.AppendAudit(ctx, job.ID, string(job.Status), detail); err != nil {
		log.WithError(err).Warn("append audit")
	}
}

// userError carries a message meant for end users alongside the real cause.
type userError struct {
	msg   string
	cause error
}

func (e *userError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *userError) Unwrap() error { return e.cause }

func (e *userError) PublicMessage() string { return e.msg }

// PublicMessage derives the text stored in a failed record: the first
// error in the chain that offers a public message, otherwise the innermost
// error's text. The result is a single line of bounded length.
func PublicMessage(err error) string {
	if err == nil {
		return "Generation failed."
	}
	var pm interface{ PublicMessage() string }
	if errors.As(err, &pm) {
		return clean(pm.PublicMessage())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return msgInterrupted
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return clean(err.Error())
}

func clean(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return "Generation failed."
	}
	if utf8.RuneCountInString(msg) > maxMessageLen {
		runes := []rune(msg)
		msg = string(runes[:maxMessageLen-3]) + "..."
	}
	return msg
}
