// Package jobs tracks generation jobs in the status store: it creates pending
// records, hands them to a dispatcher and serves side-effect-free reads to
// polling clients.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
	"generation-tracker/internal/store"
	"generation-tracker/internal/telemetry"
)

// Validator checks start input for a job kind before anything is written.
type Validator interface {
	Validate(kind string, input map[string]any) error
}

// Dispatcher schedules a pending job for background execution without waiting on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job) error
}

// Options configures a Tracker.
type Options struct {
	Retention  time.Duration
	Validator  Validator
	Dispatcher Dispatcher
	Logger     *logger.Logger
	Now        func() time.Time
	NewID      func() string
}

// Tracker is the caller-facing entry point: Start, Status and Updates.
type Tracker struct {
	store      store.Store
	retention  time.Duration
	validator  Validator
	dispatcher Dispatcher
	log        *logger.Logger
	now        func() time.Time
	newID      func() string
}

// NewTracker builds a tracker over st.
func NewTracker(st store.Store, opts Options) *Tracker {
	t := &Tracker{
		store:      st,
		retention:  opts.Retention,
		validator:  opts.Validator,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if t.retention <= 0 {
		t.retention = time.Hour
	}
	if t.log == nil {
		t.log = logger.Discard()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = func() string { return uuid.New().String() }
	}
	return t
}

// Start validates input, writes a pending record and dispatches the job.
// Only validation and store failures are returned; later failures land in the record.
func (t *Tracker) Start(ctx context.Context, kind string, input map[string]any) (models.Job, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return models.Job{}, &ValidationError{Field: "kind", Message: "is required"}
	}
	if input == nil {
		input = map[string]any{}
	}
	if t.validator != nil {
		if err := t.validator.Validate(kind, input); err != nil {
			return models.Job{}, err
		}
	}

	now := t.now().UTC()
	job := models.Job{
		ID:        t.newID(),
		Kind:      kind,
		Status:    models.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode job: %w", err)
	}
	if err := t.store.Set(ctx, recordKey(job.ID), string(raw), t.retention); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	log := t.log.WithJob(job.ID, kind)
	rec := NewRecorder(t.store, job, t.retention, t.now)
	if err := rec.Log(ctx, "Generation queued"); err != nil {
		log.WithError(err).Warn("append initial status entry")
	}
	telemetry.JobsStarted.WithLabelValues(kind).Inc()

	if t.dispatcher != nil {
		if err := t.dispatcher.Dispatch(ctx, job); err != nil {
			log.WithError(err).Error("dispatch failed")
			if ferr := rec.Fail(ctx, MsgDispatchError); ferr != nil {
				log.WithError(ferr).Error("record dispatch failure")
			}
			telemetry.JobsFailed.WithLabelValues(kind).Inc()
			return rec.Job(), nil
		}
	}
	log.Info("generation started")
	return job, nil
}

// Status returns the current record. Unknown or expired IDs and undecodable
// records come back as failed-shaped jobs; only store outages return an error.
func (t *Tracker) Status(ctx context.Context, id string) (models.Job, error) {
	if strings.TrimSpace(id) == "" {
		return t.failedShape(id, MsgNotFound), nil
	}
	raw, err := t.store.Get(ctx, recordKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return t.failedShape(id, MsgNotFound), nil
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.log.WithJob(id, "").WithError(err).Error("corrupt job record")
		return t.failedShape(id, MsgCorrupted), nil
	}
	return job, nil
}

// Updates returns the polling view. It never fails: read errors produce an
// empty view with IsComplete=false so that pollers keep going.
func (t *Tracker) Updates(ctx context.Context, id string) models.UpdateView {
	log := t.log.WithJob(id, "")
	empty := models.UpdateView{StatusLog: []models.LogEntry{}}

	job, err := t.Status(ctx, id)
	if err != nil {
		log.WithError(err).Warn("read updates: status")
		return empty
	}

	view := models.UpdateView{
		Status:     job.Status,
		Stage:      job.Stage,
		Progress:   job.Progress,
		StatusLog:  []models.LogEntry{},
		IsComplete: job.Status.IsTerminal(),
	}

	lines, err := t.store.LRange(ctx, streamKey(id, models.StreamStatus), 0, -1)
	if err != nil {
		log.WithError(err).Warn("read updates: status log")
		return empty
	}
	for i, line := range lines {
		var entry models.LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			log.WithError(err).WithField("index", i).Warn("skip corrupt status entry")
			continue
		}
		view.StatusLog = append(view.StatusLog, entry)
	}

	latest := []struct {
		stream models.Stream
		dst    *string
	}{
		{models.StreamThinking, &view.LatestThinking},
		{models.StreamCode, &view.LatestCode},
		{models.StreamImage, &view.LatestImage},
	}
	for _, l := range latest {
		vals, err := t.store.LRange(ctx, streamKey(id, l.stream), -1, -1)
		if err != nil {
			log.WithError(err).WithField("stream", l.stream).Warn("read updates: stream")
			return empty
		}
		if len(vals) > 0 {
			*l.dst = vals[0]
		}
	}
	return view
}

// Recorder returns a writer for an existing job. Used by workers.
func (t *Tracker) Recorder(ctx context.Context, id string) (*Recorder, error) {
	return LoadRecorder(ctx, t.store, id, t.retention, t.now)
}

// failedShape carries no timestamps so repeated reads stay identical.
func (t *Tracker) failedShape(id, message string) models.Job {
	return models.Job{
		ID:     id,
		Status: models.StatusFailed,
		Error:  message,
	}
}
