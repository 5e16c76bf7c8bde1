package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"generation-tracker/internal/jobs"
	"generation-tracker/internal/models"
	"generation-tracker/internal/store"
	"generation-tracker/internal/vendor"
)

// harness wires a tracker and a runner over an in-memory store without a
// dispatcher, so tests run jobs synchronously.
type harness struct {
	store    *store.MemoryStore
	registry *Registry
	tracker  *jobs.Tracker
	runner   *Runner
	archive  *fakeArchive
}

func newHarness(t *testing.T, handlers ...Handler) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	reg := NewRegistry(handlers...)
	arch := &fakeArchive{}
	return &harness{
		store:    st,
		registry: reg,
		tracker:  jobs.NewTracker(st, jobs.Options{Retention: time.Hour}),
		runner:   NewRunner(st, reg, RunnerOptions{Retention: time.Hour, Archive: arch}),
		archive:  arch,
	}
}

func (h *harness) run(t *testing.T, kind string, input map[string]any) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.tracker.Start(ctx, kind, input)
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(ctx, job.ID))
	got, err := h.tracker.Status(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) stream(t *testing.T, id string, s models.Stream) []string {
	t.Helper()
	vals, err := h.store.LRange(context.Background(), "generation:"+id+":"+string(s), 0, -1)
	require.NoError(t, err)
	return vals
}

func noSleep(context.Context, time.Duration) error { return nil }

// scriptedAdapter replays poll results in order, repeating the last one.
type scriptedAdapter struct {
	name      string
	ref       string
	submitErr error
	steps     []pollStep

	mu    sync.Mutex
	polls int
}

type pollStep struct {
	res vendor.PollResult
	err error
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Submit(context.Context, vendor.RenderRequest) (string, error) {
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return a.ref, nil
}

func (a *scriptedAdapter) Poll(context.Context, string) (vendor.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.polls
	a.polls++
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	return a.steps[i].res, a.steps[i].err
}

func (a *scriptedAdapter) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newMemoryUploader() *memoryUploader {
	return &memoryUploader{objects: make(map[string][]byte)}
}

func (u *memoryUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail != nil {
		return "", u.fail
	}
	u.objects[key] = body
	return "mem://" + key, nil
}

func (u *memoryUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.objects))
	for k := range u.objects {
		out = append(out, k)
	}
	return out
}

type fakeImages struct {
	data []byte
	err  error
}

func (f *fakeImages) GenerateImage(context.Context, string, string) ([]byte, error) {
	return f.data, f.err
}

type fakeSynth struct {
	err error
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voice string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte(voice + ":" + text), "audio/mpeg", nil
}

// fakeLLM answers planning with plan and streams thinking and html in chunkSize pieces.
type fakeLLM struct {
	plan      string
	thinking  string
	html      string
	chunkSize int
	streamErr error
}

func (f *fakeLLM) GenerateJSON(context.Context, string) (string, error) {
	return f.plan, nil
}

func (f *fakeLLM) Stream(_ context.Context, prompt string, onChunk func(string) error) (string, error) {
	if f.streamErr != nil {
		return "", f.streamErr
	}
	text := f.thinking
	if strings.HasPrefix(prompt, "Write a complete") {
		text = f.html
	}
	size := f.chunkSize
	if size <= 0 {
		size = len(text)
	}
	for i := 0; i < len(text); i += size {
		end := i + size
		if end > len(text) {
			end = len(text)
		}
		if err := onChunk(text[i:end]); err != nil {
			return "", err
		}
	}
	return text, nil
}

func (f *fakeLLM) Close() error { return nil }

type fakeArchive struct {
	mu     sync.Mutex
	jobs   []models.Job
	events []string
	err    error
}

func (a *fakeArchive) RecordTerminal(_ context.Context, job models.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.jobs = append(a.jobs, job)
	return nil
}

func (a *fakeArchive) AppendAudit(_ context.Context, jobID, event, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, fmt.Sprintf("%s:%s", jobID, event))
	return nil
}

// panicHandler blows up inside Handle.
type panicHandler struct{}

func (panicHandler) Kind() string                 { return "boom" }
func (panicHandler) Validate(map[string]any) error { return nil }
func (panicHandler) Handle(context.Context, models.Job, *jobs.Recorder) (map[string]any, error) {
	panic("nil map write")
}

// funcHandler adapts a function to Handler for runner tests.
type funcHandler struct {
	kind string
	fn   func(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error)
}

func (f funcHandler) Kind() string                 { return f.kind }
func (f funcHandler) Validate(map[string]any) error { return nil }
func (f funcHandler) Handle(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error) {
	return f.fn(ctx, job, rec)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// terminalWriteStore refuses record writes carrying one of the listed statuses.
type terminalWriteStore struct {
	store.Store

	mu   sync.Mutex
	fail map[models.Status]bool
}

func failingTerminalWrites(st store.Store, statuses ...models.Status) *terminalWriteStore {
	fail := make(map[models.Status]bool, len(statuses))
	for _, s := range statuses {
		fail[s] = true
	}
	return &terminalWriteStore{Store: st, fail: fail}
}

func (s *terminalWriteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var rec struct {
		Status models.Status `json:"status"`
	}
	if json.Unmarshal([]byte(value), &rec) == nil {
		s.mu.Lock()
		refuse := s.fail[rec.Status]
		s.mu.Unlock()
		if refuse {
			return fmt.Errorf("%w: connection reset", store.ErrUnavailable)
		}
	}
	return s.Store.Set(ctx, key, value, ttl)
}
