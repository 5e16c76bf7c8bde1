package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Dispatch modes select where background work runs.
const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"
)

// Config holds shared runtime configuration for the API, worker and CLI.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	DispatchMode       string
	DispatchQueue      string
	DispatchVisibility time.Duration
	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	WorkerID           string
	WorkerStaleAfter   time.Duration
	JobRetention       time.Duration
	ShutdownGrace      time.Duration
	RateLimitCapacity  int
	RateLimitRefill    float64

	VendorPollInterval    time.Duration
	VendorPollMaxAttempts int
	VendorRequestTimeout  time.Duration
	VendorRatePerSecond   float64

	CreatomateAPIKey  string
	CreatomateBaseURL string
	StabilityAPIKey   string
	StabilityBaseURL  string
	RunwayAPIKey      string
	RunwayBaseURL     string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIImageModel  string
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ImageConcurrency  int

	GeminiAPIKey string
	GeminiModel  string

	ArtifactOutputDir   string
	ArtifactPublicURL   string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
	ThumbnailWidth      int
	ArtifactMaxBytes    int64
}

// Load reads configuration from environment variables (and an optional .env file)
// with sane defaults for local development.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		DispatchMode:       strings.ToLower(getEnv("DISPATCH_MODE", DispatchInline)),
		DispatchQueue:      getEnv("DISPATCH_QUEUE", "generation:dispatch"),
		DispatchVisibility: getEnvDuration("DISPATCH_VISIBILITY_TIMEOUT", 30*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerID:           getEnv("WORKER_ID", ""),
		WorkerStaleAfter:   getEnvDuration("WORKER_STALE_AFTER", time.Hour),
		JobRetention:       getEnvDuration("JOB_RETENTION", time.Hour),
		ShutdownGrace:      getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		VendorPollInterval:    getEnvDuration("VENDOR_POLL_INTERVAL", 10*time.Second),
		VendorPollMaxAttempts: getEnvInt("VENDOR_POLL_MAX_ATTEMPTS", 90),
		VendorRequestTimeout:  getEnvDuration("VENDOR_REQUEST_TIMEOUT", 60*time.Second),
		VendorRatePerSecond:   getEnvFloat("VENDOR_RATE_PER_SEC", 5),

		CreatomateAPIKey:  getEnv("CREATOMATE_API_KEY", ""),
		CreatomateBaseURL: getEnv("CREATOMATE_BASE_URL", "https://api.creatomate.com/v1"),
		StabilityAPIKey:   getEnv("STABILITY_API_KEY", ""),
		StabilityBaseURL:  getEnv("STABILITY_BASE_URL", "https://api.stability.ai"),
		RunwayAPIKey:      getEnv("RUNWAY_API_KEY", ""),
		RunwayBaseURL:     getEnv("RUNWAY_BASE_URL", "https://api.dev.runwayml.com/v1"),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIImageModel:  getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io/v1"),
		ImageConcurrency:  getEnvInt("IMAGE_CONCURRENCY", 2),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		ArtifactOutputDir:   getEnv("ARTIFACT_OUTPUT_DIR", "./output"),
		ArtifactPublicURL:   getEnv("ARTIFACT_PUBLIC_URL", ""),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
		ThumbnailWidth:      getEnvInt("THUMBNAIL_WIDTH", 320),
		ArtifactMaxBytes:    int64(getEnvInt("ARTIFACT_MAX_BYTES", 200*1024*1024)),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
