package worker

import (
	"context"
	"fmt"

	"generation-tracker/internal/artifact"
	"generation-tracker/internal/jobs"
	"generation-tracker/internal/models"
	"generation-tracker/internal/vendor"
)

// SpeechHandler turns text into an audio file.
type SpeechHandler struct {
	synth    vendor.SpeechSynthesizer
	uploader artifact.Uploader
}

func NewSpeechHandler(synth vendor.SpeechSynthesizer, uploader artifact.Uploader) *SpeechHandler {
	return &SpeechHandler{synth: synth, uploader: uploader}
}

type speechInput struct {
	Text    string `json:"text" validate:"notblank,max=5000"`
	VoiceID string `json:"voice_id" validate:"notblank"`
}

func (h *SpeechHandler) Kind() string { return "speech" }

func (h *SpeechHandler) Validate(input map[string]any) error {
	_, err := decodeInput[speechInput](input)
	return err
}

func (h *SpeechHandler) Handle(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error) {
	in, err := decodeInput[speechInput](job.Input)
	if err != nil {
		return nil, err
	}
	if h.uploader == nil {
		return nil, &userError{msg: "No artifact storage is configured for audio."}
	}
	if err := rec.Processing(ctx, "synthesizing", "Synthesizing speech"); err != nil {
		return nil, err
	}
	audio, contentType, err := h.synth.Synthesize(ctx, in.Text, in.VoiceID)
	if err != nil {
		return nil, err
	}
	if err := rec.Processing(ctx, "saving", "Saving audio"); err != nil {
		return nil, err
	}
	_ = rec.Progress(ctx, 0.8, "")

	if contentType == "" {
		contentType = "audio/mpeg"
	}
	key := fmt.Sprintf("generations/%s/speech.%s", job.ID, artifact.Extension(contentType, "mp3"))
	url, err := h.uploader.Upload(ctx, key, audio, contentType)
	if err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}
	return map[string]any{
		"url":          url,
		"content_type": contentType,
		"characters":   len([]rune(in.Text)),
	}, nil
}
