package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"generation-tracker/internal/artifact"
	"generation-tracker/internal/jobs"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
	"generation-tracker/internal/vendor"
)

// VideoHandler submits renders to a video vendor and polls them to completion.
type VideoHandler struct {
	adapters   map[string]vendor.RenderAdapter
	poll       vendor.PollConfig
	sleep      vendor.Sleeper
	uploader   artifact.Uploader
	httpClient *http.Client
	maxBytes   int64
}

// VideoOptions configures a VideoHandler. Sleep defaults to a real timer.
type VideoOptions struct {
	Poll     vendor.PollConfig
	Sleep    vendor.Sleeper
	Uploader artifact.Uploader
	MaxBytes int64
}

func NewVideoHandler(adapters []vendor.RenderAdapter, opts VideoOptions) *VideoHandler {
	h := &VideoHandler{
		adapters:   make(map[string]vendor.RenderAdapter),
		poll:       opts.Poll,
		sleep:      opts.Sleep,
		uploader:   opts.Uploader,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		maxBytes:   opts.MaxBytes,
	}
	for _, a := range adapters {
		h.adapters[a.Name()] = a
	}
	if h.poll.MaxAttempts <= 0 {
		h.poll = vendor.DefaultPollConfig()
	}
	if h.sleep == nil {
		h.sleep = vendor.SleepContext
	}
	return h
}

type videoInput struct {
	Vendor        string         `json:"vendor" validate:"required,oneof=creatomate stability runway"`
	Prompt        string         `json:"prompt" validate:"max=2000"`
	ImageURL      string         `json:"image_url" validate:"omitempty,url"`
	TemplateID    string         `json:"template_id" validate:"required_if=Vendor creatomate"`
	Modifications map[string]any `json:"modifications"`
	AspectRatio   string         `json:"aspect_ratio" validate:"omitempty,oneof=16:9 9:16 1:1 1280:720 720:1280"`
	Duration      int            `json:"duration" validate:"omitempty,min=1,max=10"`
}

func (h *VideoHandler) Kind() string { return "video" }

func (h *VideoHandler) Validate(input map[string]any) error {
	_, err := h.decode(input)
	return err
}

func (h *VideoHandler) decode(input map[string]any) (videoInput, error) {
	in, err := decodeInput[videoInput](input)
	if err != nil {
		return in, err
	}
	if in.Vendor != "creatomate" && in.ImageURL == "" {
		return in, &jobs.ValidationError{Field: "image_url", Message: "is required"}
	}
	return in, nil
}

func (h *VideoHandler) Handle(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error) {
	log := logger.FromContext(ctx)
	in, err := h.decode(job.Input)
	if err != nil {
		return nil, err
	}
	adapter, ok := h.adapters[in.Vendor]
	if !ok {
		return nil, &userError{msg: fmt.Sprintf("Video vendor %q is not configured.", in.Vendor)}
	}

	if err := rec.Processing(ctx, "submitting", "Submitting render request"); err != nil {
		return nil, err
	}
	ref, err := adapter.Submit(ctx, vendor.RenderRequest{
		Prompt:          in.Prompt,
		ImageURL:        in.ImageURL,
		TemplateID:      in.TemplateID,
		Modifications:   in.Modifications,
		AspectRatio:     in.AspectRatio,
		DurationSeconds: in.Duration,
	})
	if err != nil {
		return nil, err
	}
	if err := rec.SetExternalRef(ctx, ref); err != nil {
		return nil, err
	}
	if err := rec.Processing(ctx, "rendering", "Render submitted, waiting for the video"); err != nil {
		return nil, err
	}
	_ = rec.Progress(ctx, 0.1, "")

	res, err := vendor.Poll(ctx, adapter, ref, h.poll, h.sleep, func(attempt int, res vendor.PollResult, err error) {
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("poll attempt failed")
			return
		}
		if res.Progress > 0 {
			_ = rec.Progress(ctx, 0.1+0.8*res.Progress, "")
		}
		if !res.Done && attempt%6 == 0 {
			_ = rec.Log(ctx, fmt.Sprintf("Still rendering (check %d of %d)", attempt, h.poll.MaxAttempts))
		}
	})
	if err != nil {
		return nil, err
	}

	if err := rec.Processing(ctx, "saving", "Saving video"); err != nil {
		return nil, err
	}
	url, err := h.persist(ctx, job.ID, res)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":          url,
		"vendor":       in.Vendor,
		"external_ref": ref,
	}, nil
}

// persist stores the finished video. Vendor URLs are kept as-is when copying fails.
func (h *VideoHandler) persist(ctx context.Context, jobID string, res vendor.PollResult) (string, error) {
	log := logger.FromContext(ctx)
	if len(res.Data) > 0 {
		if h.uploader == nil {
			return "", &userError{msg: "No artifact storage is configured for this video."}
		}
		key := fmt.Sprintf("generations/%s/video.%s", jobID, artifact.Extension(res.ContentType, "mp4"))
		return h.uploader.Upload(ctx, key, res.Data, res.ContentType)
	}
	if res.URL == "" {
		return "", &userError{msg: "The video service returned no video."}
	}
	if h.uploader == nil {
		return res.URL, nil
	}
	data, contentType, err := artifact.Fetch(ctx, h.httpClient, res.URL, h.maxBytes)
	if err != nil {
		log.WithError(err).Warn("copy vendor video, keeping vendor URL")
		return res.URL, nil
	}
	if contentType == "" {
		contentType = "video/mp4"
	}
	key := fmt.Sprintf("generations/%s/video.%s", jobID, artifact.Extension(contentType, "mp4"))
	url, err := h.uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		log.WithError(err).Warn("upload vendor video, keeping vendor URL")
		return res.URL, nil
	}
	return url, nil
}
