package availability

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/outbound/internal/cache"
	"github.com/busybox42/outbound/internal/mta"
)

var identity = mta.Identity{ID: 7, Address: net.ParseIP("198.51.100.7")}

func TestTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(cache.NewMemory(), time.Minute)

	assert.False(t, tr.IsUnavailable(ctx, identity, "mx.example.com"))

	tr.MarkUnavailable(ctx, identity, "MX.Example.com.")
	assert.True(t, tr.IsUnavailable(ctx, identity, "mx.example.com"))
	assert.False(t, tr.IsUnavailable(ctx, mta.Identity{ID: 8}, "mx.example.com"), "blocks are per identity")
	assert.False(t, tr.IsUnavailable(ctx, identity, "mx2.example.com"))

	require.NoError(t, tr.Clear(ctx, identity, "mx.example.com"))
	assert.False(t, tr.IsUnavailable(ctx, identity, "mx.example.com"))
}

type brokenCache struct{ cache.Cache }

func (brokenCache) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestTrackerCacheFailureCountsAsAvailable(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(brokenCache{}, 0)
	tr.MarkUnavailable(ctx, identity, "mx.example.com")
	assert.False(t, tr.IsUnavailable(ctx, identity, "mx.example.com"))
	assert.Equal(t, DefaultBlockFor, tr.blockFor)
}
