package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"generation-tracker/internal/models"
	"generation-tracker/internal/store"
)

const recordPrefix = "generation:"

func recordKey(id string) string {
	return recordPrefix + id
}

func streamKey(id string, s models.Stream) string {
	return recordPrefix + id + ":" + string(s)
}

// Recorder is the single writer for one job. Handlers receive it from the runner
// and use it to publish status, progress and partial artifacts.
type Recorder struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	job      models.Job
	lostLogs int
}

// NewRecorder wraps an already loaded job.
func NewRecorder(st store.Store, job models.Job, ttl time.Duration, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: st, job: job, ttl: ttl, now: now}
}

// LoadRecorder reads the job record and returns a recorder for it.
func LoadRecorder(ctx context.Context, st store.Store, id string, ttl time.Duration, now func() time.Time) (*Recorder, error) {
	raw, err := st.Get(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptRecord, id, err)
	}
	return NewRecorder(st, job, ttl, now), nil
}

// Job returns a snapshot of the record as last written.
func (r *Recorder) Job() models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// Processing moves the job into processing under the given stage label.
func (r *Recorder) Processing(ctx context.Context, stage, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	next := r.job
	next.Status = models.StatusProcessing
	next.Stage = stage
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	if message == "" {
		return nil
	}
	return r.appendLog(ctx, message)
}

// Progress records a fraction in [0,1]. Values lower than the current one are ignored.
func (r *Recorder) Progress(ctx context.Context, p float64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	next := r.job
	if next.Status == models.StatusPending {
		next.Status = models.StatusProcessing
	}
	if p > next.Progress {
		next.Progress = p
	}
	if next.Status != r.job.Status || next.Progress != r.job.Progress {
		if err := r.commit(ctx, next); err != nil {
			return err
		}
	}
	if message == "" {
		return nil
	}
	return r.appendLog(ctx, message)
}

// Log appends a status line tagged with the current stage.
func (r *Recorder) Log(ctx context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	return r.appendLog(ctx, message)
}

// Thinking appends a reasoning snapshot.
func (r *Recorder) Thinking(ctx context.Context, text string) error {
	return r.appendStream(ctx, models.StreamThinking, text)
}

// Code appends a partial code snapshot.
func (r *Recorder) Code(ctx context.Context, text string) error {
	return r.appendStream(ctx, models.StreamCode, text)
}

// Image appends the URL of a finished intermediate image.
func (r *Recorder) Image(ctx context.Context, url string) error {
	return r.appendStream(ctx, models.StreamImage, url)
}

// SetExternalRef stores the vendor-side job ID.
func (r *Recorder) SetExternalRef(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	next := r.job
	next.ExternalRef = ref
	return r.commit(ctx, next)
}

// Complete writes the terminal completed record. The recorder only turns
// terminal once the record is stored, so a failed write can be followed by Fail.
func (r *Recorder) Complete(ctx context.Context, result map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if result == nil {
		result = map[string]any{}
	}
	next := r.job
	next.Status = models.StatusCompleted
	next.Progress = 1
	next.Result = result
	next.Error = ""
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	r.finalLog(ctx, "Generation completed")
	return nil
}

// Fail writes the terminal failed record. message is shown to end users verbatim.
func (r *Recorder) Fail(ctx context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if message == "" {
		message = "Generation failed."
	}
	next := r.job
	next.Status = models.StatusFailed
	next.Result = nil
	next.Error = message
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	r.finalLog(ctx, "Generation failed: "+message)
	return nil
}

// finalLog appends the closing status line. The record is already terminal,
// so a failed append is only counted.
func (r *Recorder) finalLog(ctx context.Context, message string) {
	if err := r.appendLog(ctx, message); err != nil {
		r.lostLogs++
	}
}

// LostLogs reports closing status lines that could not be appended.
func (r *Recorder) LostLogs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lostLogs
}

func (r *Recorder) appendStream(ctx context.Context, s models.Stream, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := r.store.RPush(ctx, streamKey(r.job.ID, s), value, r.ttl); err != nil {
		return fmt.Errorf("append %s: %w", s, err)
	}
	return nil
}

// appendLog requires r.mu.
func (r *Recorder) appendLog(ctx context.Context, message string) error {
	raw, err := json.Marshal(models.LogEntry{Message: message, Stage: r.job.Stage, At: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if err := r.store.RPush(ctx, streamKey(r.job.ID, models.StreamStatus), string(raw), r.ttl); err != nil {
		return fmt.Errorf("append status: %w", err)
	}
	return nil
}

// commit stores next and adopts it as the current record. It requires r.mu.
func (r *Recorder) commit(ctx context.Context, next models.Job) error {
	next.UpdatedAt = r.now().UTC()
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := r.store.Set(ctx, recordKey(next.ID), string(raw), r.ttl); err != nil {
		return fmt.Errorf("save job %s: %w", next.ID, err)
	}
	r.job = next
	return nil
}
