package worker

import (
	"context"

	"generation-tracker/internal/artifact"
	"generation-tracker/internal/config"
	"generation-tracker/internal/llm"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/vendor"
)

// BuildRegistry constructs every handler whose vendor credentials are present.
// The returned cleanup releases vendor clients.
func BuildRegistry(ctx context.Context, cfg config.Config, log *logger.Logger) (*Registry, func(), error) {
	uploader, err := artifact.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := func(baseURL, key string) vendor.ClientOptions {
		return vendor.ClientOptions{
			BaseURL:          baseURL,
			APIKey:           key,
			Timeout:          cfg.VendorRequestTimeout,
			RatePerSecond:    cfg.VendorRatePerSecond,
			MaxDownloadBytes: cfg.ArtifactMaxBytes,
		}
	}

	reg := NewRegistry()
	cleanup := func() {}

	var adapters []vendor.RenderAdapter
	if cfg.CreatomateAPIKey != "" {
		adapters = append(adapters, vendor.NewCreatomate(opts(cfg.CreatomateBaseURL, cfg.CreatomateAPIKey)))
	}
	if cfg.StabilityAPIKey != "" {
		adapters = append(adapters, vendor.NewStability(opts(cfg.StabilityBaseURL, cfg.StabilityAPIKey)))
	}
	if cfg.RunwayAPIKey != "" {
		adapters = append(adapters, vendor.NewRunway(opts(cfg.RunwayBaseURL, cfg.RunwayAPIKey)))
	}
	if len(adapters) > 0 {
		reg.Register(NewVideoHandler(adapters, VideoOptions{
			Poll:     vendor.PollConfig{Interval: cfg.VendorPollInterval, MaxAttempts: cfg.VendorPollMaxAttempts},
			Uploader: uploader,
			MaxBytes: cfg.ArtifactMaxBytes,
		}))
	}
	if cfg.OpenAIAPIKey != "" {
		images := vendor.NewOpenAIImages(opts(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), cfg.OpenAIImageModel)
		reg.Register(NewImageHandler(images, uploader, cfg.ImageConcurrency, cfg.ThumbnailWidth))
	}
	if cfg.ElevenLabsAPIKey != "" {
		reg.Register(NewSpeechHandler(vendor.NewElevenLabs(opts(cfg.ElevenLabsBaseURL, cfg.ElevenLabsAPIKey)), uploader))
	}
	if cfg.GeminiAPIKey != "" {
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		reg.Register(NewWebsiteHandler(client))
		cleanup = func() { _ = client.Close() }
	}

	log.WithField("kinds", reg.Kinds()).Info("generation handlers registered")
	return reg, cleanup, nil
}
