// Package throttle enforces the hourly message limit per outbound identity
// and destination host.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/outbound/internal/cache"
	"github.com/busybox42/outbound/internal/mta"
)

// Unlimited disables the hourly limit.
const Unlimited = -1

// Hourly counts messages per identity and host in hourly buckets.
type Hourly struct {
	cache cache.Cache
	now   func() time.Time
}

// NewHourly creates an hourly throttle backed by c.
func NewHourly(c cache.Cache) *Hourly {
	return &Hourly{cache: c, now: time.Now}
}

func (h *Hourly) key(identity mta.Identity, host string, bucket time.Time) string {
	return fmt.Sprintf("outbound:hourly:%s:%s:%s", identity.Key(), mta.NormalizeHost(host), bucket.Format("2006010215"))
}

// Allow counts one message for (identity, host) in the current hour and
// reports whether it stays within limit. A negative limit always allows and
// counts nothing.
func (h *Hourly) Allow(ctx context.Context, identity mta.Identity, host string, limit int) (bool, error) {
	if limit < 0 {
		return true, nil
	}
	if limit == 0 {
		return false, nil
	}
	bucket := h.now().UTC().Truncate(time.Hour)
	n, err := h.cache.Incr(ctx, h.key(identity, host, bucket), 2*time.Hour)
	if err != nil {
		return false, fmt.Errorf("hourly throttle: %w", err)
	}
	return n <= int64(limit), nil
}

// Count returns the number of messages counted in the current hour.
func (h *Hourly) Count(ctx context.Context, identity mta.Identity, host string) (int64, error) {
	bucket := h.now().UTC().Truncate(time.Hour)
	v, err := h.cache.Get(ctx, h.key(identity, host, bucket))
	if errors.Is(err, cache.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	_, err = fmt.Sscan(v, &n)
	return n, err
}
