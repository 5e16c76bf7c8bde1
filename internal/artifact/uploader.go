package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"generation-tracker/internal/config"
)

// Uploader persists finished artifacts and returns a reference callers can use.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New chooses S3 when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: cfg.ArtifactS3Bucket, publicURL: cfg.ArtifactPublicURL}, nil
	}
	baseDir := cfg.ArtifactOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	return &LocalUploader{BaseDir: baseDir, PublicURL: cfg.ArtifactPublicURL}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// LocalUploader writes artifacts under BaseDir.
type LocalUploader struct {
	BaseDir   string
	PublicURL string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = SanitizeKey(key)
	path := filepath.Join(l.BaseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.PublicURL != "" {
		return joinURL(l.PublicURL, key), nil
	}
	return path, nil
}

// S3Uploader stores artifacts in a bucket.
type S3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = SanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicURL != "" {
		return joinURL(s.publicURL, key), nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Fetch downloads url, refusing bodies larger than limit bytes.
func Fetch(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, string, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	if limit <= 0 {
		limit = 200 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// SanitizeKey keeps keys relative and free of traversal.
func SanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// Extension picks a file extension for a content type.
func Extension(contentType, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "video/mp4":
		return "mp4"
	case "audio/mpeg":
		return "mp3"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "text/html":
		return "html"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return fallback
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

// ErrEmpty is returned when asked to store an empty artifact.
var ErrEmpty = errors.New("artifact is empty")
