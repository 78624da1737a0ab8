package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/outbound/internal/cache"
	"github.com/busybox42/outbound/internal/mta"
)

func TestHourlyAllow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	h := NewHourly(cache.NewMemory())
	h.now = func() time.Time { return now }
	id := mta.Identity{ID: 1}

	for i := 0; i < 3; i++ {
		ok, err := h.Allow(ctx, id, "mx.example.com", 3)
		require.NoError(t, err)
		assert.True(t, ok, "message %d", i+1)
	}
	ok, err := h.Allow(ctx, id, "mx.example.com", 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth message in the hour is throttled")

	ok, err = h.Allow(ctx, mta.Identity{ID: 2}, "mx.example.com", 3)
	require.NoError(t, err)
	assert.True(t, ok, "other identities have their own bucket")

	now = now.Add(time.Hour)
	ok, err = h.Allow(ctx, id, "mx.example.com", 3)
	require.NoError(t, err)
	assert.True(t, ok, "new hour starts a new bucket")

	n, err := h.Count(ctx, id, "mx.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHourlyUnlimitedAndZero(t *testing.T) {
	ctx := context.Background()
	h := NewHourly(cache.NewMemory())
	id := mta.Identity{ID: 1}

	for i := 0; i < 10; i++ {
		ok, err := h.Allow(ctx, id, "mx.example.com", Unlimited)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	n, err := h.Count(ctx, id, "mx.example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := h.Allow(ctx, id, "mx.example.com", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}
