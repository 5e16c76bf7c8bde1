package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps transport failures talking to the backing store.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the key-value/list surface the job tracker depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// RPush appends value to the list at key. A positive ttl refreshes the list expiry.
	RPush(ctx context.Context, key, value string, ttl time.Duration) error
	// LRange uses Redis index semantics: stop is inclusive and negative indexes count from the end.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Ping(ctx context.Context) error
}
