package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-tracker/internal/jobs"
	"generation-tracker/internal/models"
	"generation-tracker/internal/store"
	"generation-tracker/internal/vendor"
)

func TestRunnerCompletesJob(t *testing.T) {
	h := newHarness(t, funcHandler{kind: "echo", fn: func(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error) {
		require.NoError(t, rec.Progress(ctx, 0.5, "halfway"))
		return map[string]any{"echo": job.Input["text"]}, nil
	}})

	job := h.run(t, "echo", map[string]any{"text": "hi"})
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, "hi", job.Result["echo"])
	assert.Equal(t, 1.0, job.Progress)

	view := h.tracker.Updates(context.Background(), job.ID)
	require.True(t, view.IsComplete)
	msgs := make([]string, 0, len(view.StatusLog))
	for _, e := range view.StatusLog {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"Generation queued", "Generation started", "halfway", "Generation completed"}, msgs)

	require.Len(t, h.archive.jobs, 1)
	assert.Equal(t, models.StatusCompleted, h.archive.jobs[0].Status)
	assert.Equal(t, []string{job.ID + ":completed"}, h.archive.events)
}

func TestRunnerRecordsHandlerError(t *testing.T) {
	h := newHarness(t, funcHandler{kind: "bad", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		return nil, fmt.Errorf("upload: %w", errors.New("bucket unreachable"))
	}})

	job := h.run(t, "bad", nil)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "bucket unreachable", job.Error)
	assert.Nil(t, job.Result)
	require.Len(t, h.archive.jobs, 1)
}

func TestRunnerRecoversPanic(t *testing.T) {
	h := newHarness(t, panicHandler{})

	job := h.run(t, "boom", nil)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, msgInternal, job.Error)
	assert.NotContains(t, job.Error, "goroutine")
}

func TestRunnerUnsupportedKind(t *testing.T) {
	h := newHarness(t)

	job := h.run(t, "hologram", nil)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, msgUnsupportedKind, job.Error)
}

func TestRunnerSkipsTerminalJob(t *testing.T) {
	calls := 0
	h := newHarness(t, funcHandler{kind: "once", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	}})

	job := h.run(t, "once", nil)
	require.Equal(t, models.StatusCompleted, job.Status)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))
	assert.Equal(t, 1, calls)
}

func TestRunnerMissingJob(t *testing.T) {
	h := newHarness(t)
	err := h.runner.Run(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrJobGone)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunnerCorruptRecord(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(context.Background(), "generation:garbled", "{oops", time.Hour))

	err := h.runner.Run(context.Background(), "garbled")
	assert.ErrorIs(t, err, ErrJobGone)
	assert.ErrorIs(t, err, jobs.ErrCorruptRecord)
}

func TestRunnerFallsBackWhenCompletedWriteFails(t *testing.T) {
	ctx := context.Background()
	st := failingTerminalWrites(store.NewMemoryStore(), models.StatusCompleted)
	reg := NewRegistry(funcHandler{kind: "ok", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		return map[string]any{"url": "https://cdn.example/a.mp4"}, nil
	}})
	tracker := jobs.NewTracker(st, jobs.Options{})
	runner := NewRunner(st, reg, RunnerOptions{})

	job, err := tracker.Start(ctx, "ok", nil)
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, job.ID))

	got, err := tracker.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, msgInternal, got.Error)
	assert.Nil(t, got.Result)

	view := tracker.Updates(ctx, job.ID)
	require.True(t, view.IsComplete)
	for _, e := range view.StatusLog {
		assert.NotEqual(t, "Generation completed", e.Message)
	}
	assert.Equal(t, "Generation failed: "+msgInternal, view.StatusLog[len(view.StatusLog)-1].Message)
}

func TestRunnerReportsUnwritableTerminalState(t *testing.T) {
	ctx := context.Background()
	st := failingTerminalWrites(store.NewMemoryStore(), models.StatusCompleted, models.StatusFailed)
	reg := NewRegistry(funcHandler{kind: "ok", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		return map[string]any{}, nil
	}})
	tracker := jobs.NewTracker(st, jobs.Options{})
	runner := NewRunner(st, reg, RunnerOptions{})

	job, err := tracker.Start(ctx, "ok", nil)
	require.NoError(t, err)

	err = runner.Run(ctx, job.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobGone)
	assert.NotErrorIs(t, err, ErrJobBusy)

	got, err := tracker.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func TestRunnerLeavesFreshProcessingJobAlone(t *testing.T) {
	ctx := context.Background()
	calls := 0
	h := newHarness(t, funcHandler{kind: "slow", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	}})
	job, err := h.tracker.Start(ctx, "slow", nil)
	require.NoError(t, err)
	rec, err := h.tracker.Recorder(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, rec.Processing(ctx, "rendering", "Rendering on another worker"))

	assert.ErrorIs(t, h.runner.Run(ctx, job.ID), ErrJobBusy)
	assert.Zero(t, calls)

	got, err := h.tracker.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, "rendering", got.Stage)
}

func TestRunnerFailsAbandonedJob(t *testing.T) {
	ctx := context.Background()
	calls := 0
	h := newHarness(t, funcHandler{kind: "slow", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	}})
	job, err := h.tracker.Start(ctx, "slow", nil)
	require.NoError(t, err)
	rec, err := h.tracker.Recorder(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, rec.Processing(ctx, "rendering", ""))

	later := NewRunner(h.store, h.registry, RunnerOptions{
		StaleAfter: 10 * time.Minute,
		Archive:    h.archive,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	})
	require.NoError(t, later.Run(ctx, job.ID))
	assert.Zero(t, calls, "abandoned work is not resubmitted")

	got, err := h.tracker.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, msgInterrupted, got.Error)
	require.Len(t, h.archive.jobs, 1)
}

func TestRunnerHandlerCannotFinalizeTwice(t *testing.T) {
	h := newHarness(t, funcHandler{kind: "eager", fn: func(ctx context.Context, _ models.Job, rec *jobs.Recorder) (map[string]any, error) {
		require.NoError(t, rec.Fail(ctx, "gave up early"))
		return map[string]any{"ignored": true}, nil
	}})

	job := h.run(t, "eager", nil)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "gave up early", job.Error)
}

func TestRunnerArchiveFailureDoesNotAffectRecord(t *testing.T) {
	h := newHarness(t, funcHandler{kind: "ok", fn: func(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}})
	h.archive.err = errors.New("postgres down")

	job := h.run(t, "ok", nil)
	assert.Equal(t, models.StatusCompleted, job.Status)
}

func TestPublicMessage(t *testing.T) {
	vendorErr := &vendor.Error{Vendor: "runway", Message: "task not found or expired", Permanent: true, Err: vendor.ErrNotFound}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"vendor error", vendorErr, "Runway: task not found or expired"},
		{"wrapped vendor error", fmt.Errorf("poll: %w", vendorErr), "Runway: task not found or expired"},
		{"innermost cause", fmt.Errorf("a: %w", fmt.Errorf("b: %w", errors.New("disk full"))), "disk full"},
		{"multiline", errors.New("line one\n  line two"), "line one line two"},
		{"cancelled", fmt.Errorf("run: %w", context.Canceled), msgInterrupted},
		{"deadline", context.DeadlineExceeded, msgInterrupted},
		{"blank", errors.New("  "), "Generation failed."},
		{"nil", nil, "Generation failed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PublicMessage(tt.err))
		})
	}

	long := PublicMessage(errors.New(strings.Repeat("x", 1000)))
	assert.Len(t, long, maxMessageLen)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry(
		NewVideoHandler(nil, VideoOptions{}),
		NewImageHandler(&fakeImages{}, newMemoryUploader(), 1, 0),
		NewSpeechHandler(&fakeSynth{}, newMemoryUploader()),
		NewWebsiteHandler(&fakeLLM{}),
	)
	assert.Equal(t, []string{"image", "speech", "video", "website"}, reg.Kinds())

	tests := []struct {
		name  string
		kind  string
		input map[string]any
		field string
	}{
		{"unknown kind", "hologram", nil, "kind"},
		{"video vendor missing", "video", map[string]any{"prompt": "x"}, "vendor"},
		{"video vendor unknown", "video", map[string]any{"vendor": "acme"}, "vendor"},
		{"creatomate template", "video", map[string]any{"vendor": "creatomate"}, "template_id"},
		{"runway image", "video", map[string]any{"vendor": "runway", "prompt": "a cat"}, "image_url"},
		{"runway bad url", "video", map[string]any{"vendor": "runway", "image_url": "not a url"}, "image_url"},
		{"image prompt blank", "image", map[string]any{"prompt": "   "}, "prompt"},
		{"image count", "image", map[string]any{"prompt": "a cat", "count": 9}, "count"},
		{"image count type", "image", map[string]any{"prompt": "a cat", "count": "two"}, "count"},
		{"speech voice", "speech", map[string]any{"text": "hello"}, "voice_id"},
		{"website prompt", "website", map[string]any{}, "prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.kind, tt.input)
			require.Error(t, err)
			var verr *jobs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, reg.Validate("video", map[string]any{"vendor": "creatomate", "template_id": "tpl"}))
	assert.NoError(t, reg.Validate("video", map[string]any{"vendor": "stability", "image_url": "https://img.example/a.png"}))
	assert.NoError(t, reg.Validate("image", map[string]any{"prompt": "a cat", "count": 2}))
	assert.NoError(t, reg.Validate("speech", map[string]any{"text": "hello", "voice_id": "v1"}))
	assert.NoError(t, reg.Validate("website", map[string]any{"prompt": "a bakery landing page"}))
}

func TestTrackerRejectsInvalidInputWithRegistry(t *testing.T) {
	h := newHarness(t)
	tracker := jobs.NewTracker(h.store, jobs.Options{Validator: NewRegistry(NewSpeechHandler(&fakeSynth{}, nil))})

	_, err := tracker.Start(context.Background(), "speech", map[string]any{"text": ""})
	require.Error(t, err)
	assert.True(t, jobs.IsValidation(err))
}

func TestRunnerInterruptedByShutdown(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, funcHandler{kind: "slow", fn: func(ctx context.Context, _ models.Job, _ *jobs.Recorder) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	job, err := h.tracker.Start(ctx, "slow", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx, job.ID) }()
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after cancel")
	}
	got, err := h.tracker.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, msgInterrupted, got.Error)
}
