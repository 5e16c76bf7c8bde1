package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VENDOR_POLL_INTERVAL", "")
	t.Setenv("DISPATCH_MODE", "")
	cfg := Load()

	assert.Equal(t, DispatchInline, cfg.DispatchMode)
	assert.Equal(t, 10*time.Second, cfg.VendorPollInterval)
	assert.Equal(t, 90, cfg.VendorPollMaxAttempts)
	assert.Equal(t, time.Hour, cfg.JobRetention)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_MODE", "QUEUE")
	t.Setenv("VENDOR_POLL_INTERVAL", "2s")
	t.Setenv("VENDOR_POLL_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")
	cfg := Load()

	assert.Equal(t, DispatchQueue, cfg.DispatchMode)
	assert.Equal(t, 2*time.Second, cfg.VendorPollInterval)
	assert.Equal(t, 90, cfg.VendorPollMaxAttempts)
	assert.True(t, cfg.ArtifactS3PathStyle)
}

func TestLoadWorkerSettings(t *testing.T) {
	t.Setenv("DISPATCH_VISIBILITY_TIMEOUT", "")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	cfg := Load()

	assert.Equal(t, 30*time.Minute, cfg.DispatchVisibility)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, time.Hour, cfg.WorkerStaleAfter)
}
