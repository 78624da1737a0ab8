// Package availability tracks recent "service unavailable" replies per
// outbound identity and destination host.
package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/busybox42/outbound/internal/cache"
	"github.com/busybox42/outbound/internal/mta"
)

// DefaultBlockFor is how long a host stays blocked after a 421 reply.
const DefaultBlockFor = time.Minute

// Tracker records unavailability signals in a shared cache so every process
// delivering through the same identity sees them.
type Tracker struct {
	cache    cache.Cache
	blockFor time.Duration
	prefix   string
	logger   *slog.Logger
}

// NewTracker creates a tracker on top of c.
func NewTracker(c cache.Cache, blockFor time.Duration) *Tracker {
	if blockFor <= 0 {
		blockFor = DefaultBlockFor
	}
	return &Tracker{
		cache:    c,
		blockFor: blockFor,
		prefix:   "outbound:unavailable:",
		logger:   slog.Default().With("component", "availability-tracker"),
	}
}

func (t *Tracker) key(identity mta.Identity, host string) string {
	return t.prefix + identity.Key() + ":" + mta.NormalizeHost(host)
}

// MarkUnavailable blocks host for identity. A host already blocked keeps its
// original window, so it is retried at most once per window.
func (t *Tracker) MarkUnavailable(ctx context.Context, identity mta.Identity, host string) {
	stored, err := t.cache.SetNX(ctx, t.key(identity, host), time.Now().UTC().Format(time.RFC3339), t.blockFor)
	if err != nil {
		t.logger.Warn("Failed to record service unavailability",
			"identity", identity.String(),
			"host", host,
			"error", err)
		return
	}
	if stored {
		t.logger.Info("Destination marked unavailable",
			"identity", identity.String(),
			"host", host,
			"block_for", t.blockFor)
	}
}

// IsUnavailable reports whether identity recently received a service
// unavailable reply from host. Cache failures count as available.
func (t *Tracker) IsUnavailable(ctx context.Context, identity mta.Identity, host string) bool {
	blocked, err := t.cache.Exists(ctx, t.key(identity, host))
	if err != nil {
		t.logger.Warn("Failed to check service unavailability",
			"identity", identity.String(),
			"host", host,
			"error", err)
		return false
	}
	return blocked
}

// Clear removes a block.
func (t *Tracker) Clear(ctx context.Context, identity mta.Identity, host string) error {
	return t.cache.Delete(ctx, t.key(identity, host))
}
