package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"generation-tracker/internal/artifact"
	"generation-tracker/internal/jobs"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
	"generation-tracker/internal/vendor"
)

// ImageHandler generates a batch of images concurrently, storing each image
// and a thumbnail, and publishing every finished image to the image stream.
type ImageHandler struct {
	gen         vendor.ImageGenerator
	uploader    artifact.Uploader
	concurrency int
	thumbWidth  int
}

func NewImageHandler(gen vendor.ImageGenerator, uploader artifact.Uploader, concurrency, thumbWidth int) *ImageHandler {
	if concurrency <= 0 {
		concurrency = 2
	}
	if thumbWidth <= 0 {
		thumbWidth = 320
	}
	return &ImageHandler{gen: gen, uploader: uploader, concurrency: concurrency, thumbWidth: thumbWidth}
}

type imageInput struct {
	Prompt string `json:"prompt" validate:"notblank,max=4000"`
	Count  int    `json:"count" validate:"omitempty,min=1,max=4"`
	Size   string `json:"size" validate:"omitempty,oneof=1024x1024 1536x1024 1024x1536 1792x1024 1024x1792"`
}

type generatedImage struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (h *ImageHandler) Kind() string { return "image" }

func (h *ImageHandler) Validate(input map[string]any) error {
	_, err := decodeInput[imageInput](input)
	return err
}

func (h *ImageHandler) Handle(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error) {
	in, err := decodeInput[imageInput](job.Input)
	if err != nil {
		return nil, err
	}
	if h.uploader == nil {
		return nil, &userError{msg: "No artifact storage is configured for images."}
	}
	n := in.Count
	if n == 0 {
		n = 1
	}
	if err := rec.Processing(ctx, "images", fmt.Sprintf("Generating %d image(s)", n)); err != nil {
		return nil, err
	}

	images := make([]generatedImage, n)
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			img, err := h.generateOne(gctx, job.ID, i, in)
			if err != nil {
				return err
			}
			images[i] = img
			if err := rec.Image(gctx, img.URL); err != nil {
				return err
			}
			mu.Lock()
			done++
			msg := fmt.Sprintf("Image %d of %d ready", done, n)
			p := float64(done) / float64(n)
			mu.Unlock()
			return rec.Progress(gctx, p*0.95, msg)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	urls := make([]any, 0, n)
	for _, img := range images {
		urls = append(urls, map[string]any{"url": img.URL, "thumbnail_url": img.ThumbnailURL})
	}
	return map[string]any{"images": urls, "count": n}, nil
}

func (h *ImageHandler) generateOne(ctx context.Context, jobID string, i int, in imageInput) (generatedImage, error) {
	log := logger.FromContext(ctx)
	data, err := h.gen.GenerateImage(ctx, in.Prompt, in.Size)
	if err != nil {
		return generatedImage{}, err
	}
	contentType := http.DetectContentType(data)
	key := fmt.Sprintf("generations/%s/image-%d.%s", jobID, i+1, artifact.Extension(contentType, "png"))
	url, err := h.uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		return generatedImage{}, fmt.Errorf("store image %d: %w", i+1, err)
	}

	out := generatedImage{URL: url}
	thumb, err := artifact.Thumbnail(data, h.thumbWidth)
	if err != nil {
		log.WithError(err).WithField("image", i+1).Warn("thumbnail")
		return out, nil
	}
	thumbKey := fmt.Sprintf("generations/%s/image-%d-thumb.jpg", jobID, i+1)
	if out.ThumbnailURL, err = h.uploader.Upload(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
		log.WithError(err).WithField("image", i+1).Warn("upload thumbnail")
	}
	return out, nil
}
