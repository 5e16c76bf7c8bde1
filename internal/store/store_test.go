package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	_, err := st.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Set(ctx, "k", "v", time.Minute))
	v, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, st.RPush(ctx, "l", "a", time.Minute))
	require.NoError(t, st.RPush(ctx, "l", "b", time.Minute))
	items, err := st.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, items)

	last, err := st.LRange(ctx, "l", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, last)

	mr.FastForward(2 * time.Minute)
	_, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	items, err = st.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	mr.Close()

	_, err := st.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, st.Set(context.Background(), "k", "v", 0), ErrUnavailable)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewMemoryStoreWithClock(func() time.Time { return now })

	require.NoError(t, st.Set(ctx, "k", "v", time.Hour))
	require.NoError(t, st.RPush(ctx, "l", "a", time.Hour))

	now = now.Add(59 * time.Minute)
	v, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	now = now.Add(time.Minute)
	_, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := st.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryStoreLRange(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, st.RPush(ctx, "l", v, 0))
	}

	tests := []struct {
		name        string
		start, stop int64
		want        []string
	}{
		{"all", 0, -1, []string{"a", "b", "c", "d"}},
		{"last", -1, -1, []string{"d"}},
		{"middle", 1, 2, []string{"b", "c"}},
		{"stop past end", 2, 10, []string{"c", "d"}},
		{"start past end", 5, 10, []string{}},
		{"inverted", 3, 1, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.LRange(ctx, "l", tt.start, tt.stop)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
