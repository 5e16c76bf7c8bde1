package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Entry so packages can carry service-level fields.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	Output      io.Writer
	ServiceName string
}

// New creates a Logger. Unknown levels fall back to info.
func New(cfg Config) *Logger {
	log := logrus.New()
	if cfg.Output != nil {
		log.SetOutput(cfg.Output)
	} else {
		log.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	service := cfg.ServiceName
	if service == "" {
		service = "generation-tracker"
	}
	return &Logger{Entry: log.WithField("service", service)}
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *Logger {
	return New(Config{Output: io.Discard})
}

// WithJob tags entries with the job identity.
func (l *Logger) WithJob(jobID, kind string) *Logger {
	fields := logrus.Fields{"job_id": jobID}
	if kind != "" {
		fields["kind"] = kind
	}
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

type ctxKey struct{}

// WithContext stores the logger in ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a default one.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return defaultLogger
}

var defaultLogger = New(Config{})
