// Package metrics keeps delivery outcome counters in Valkey so they survive
// restarts and can be shared by several engine instances.
package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Counter names
const (
	Delivered = "delivered"
	Failed    = "failed"
	Deferred  = "deferred"
	Throttled = "throttled"
	Discarded = "discarded"
)

var counters = []string{Delivered, Failed, Deferred, Throttled, Discarded}

const (
	hourFormat      = "2006-01-02:15"
	hourlyTTL       = 25 * time.Hour
	maxRecentErrors = 100
)

// DeliveryMetrics holds delivery statistics
type DeliveryMetrics struct {
	TotalDelivered int64     `json:"total_delivered"`
	TotalFailed    int64     `json:"total_failed"`
	TotalDeferred  int64     `json:"total_deferred"`
	TotalThrottled int64     `json:"total_throttled"`
	TotalDiscarded int64     `json:"total_discarded"`
	LastUpdated    time.Time `json:"last_updated"`
}

// HourlyStats holds hourly delivery counts
type HourlyStats struct {
	Hour      string `json:"hour"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Deferred  int64  `json:"deferred"`
	Throttled int64  `json:"throttled"`
}

// RecentError is one entry of the recent delivery error list
type RecentError struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// ValkeyStore provides metrics storage using Valkey
type ValkeyStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkeyStore creates a new Valkey-backed metrics store
func NewValkeyStore(addr, password string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, err
	}
	return NewValkeyStoreWithClient(client), nil
}

// NewValkeyStoreWithClient wraps an existing client.
func NewValkeyStoreWithClient(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{
		client: client,
		prefix: "outbound:metrics:",
		now:    time.Now,
	}
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) hourKey(t time.Time, counter string) string {
	return s.prefix + "hourly:" + t.UTC().Format(hourFormat) + ":" + counter
}

// incr bumps a total and its hourly bucket in one round trip.
func (s *ValkeyStore) incr(ctx context.Context, counter string) error {
	now := s.now()
	hourKey := s.hourKey(now, counter)

	cmds := valkey.Commands{
		s.client.B().Incr().Key(s.prefix + counter).Build(),
		s.client.B().Incr().Key(hourKey).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(int64(hourlyTTL.Seconds())).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(now.UTC().Format(time.RFC3339)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// IncrDelivered increments the delivered counter
func (s *ValkeyStore) IncrDelivered(ctx context.Context) error {
	return s.incr(ctx, Delivered)
}

// IncrFailed increments the failed counter
func (s *ValkeyStore) IncrFailed(ctx context.Context) error {
	return s.incr(ctx, Failed)
}

// IncrDeferred increments the deferred counter
func (s *ValkeyStore) IncrDeferred(ctx context.Context) error {
	return s.incr(ctx, Deferred)
}

// IncrThrottled increments the throttled counter
func (s *ValkeyStore) IncrThrottled(ctx context.Context) error {
	return s.incr(ctx, Throttled)
}

// IncrDiscarded increments the discarded counter
func (s *ValkeyStore) IncrDiscarded(ctx context.Context) error {
	return s.incr(ctx, Discarded)
}

// getInts reads keys with MGET. Missing keys read as zero.
func (s *ValkeyStore) getInts(ctx context.Context, keys ...string) ([]int64, error) {
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(keys))
	for i, v := range values {
		if i >= len(out) {
			break
		}
		if str, err := v.ToString(); err == nil {
			out[i], _ = strconv.ParseInt(str, 10, 64)
		}
	}
	return out, nil
}

// GetMetrics retrieves current delivery metrics
func (s *ValkeyStore) GetMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	keys := make([]string, len(counters))
	for i, c := range counters {
		keys[i] = s.prefix + c
	}
	totals, err := s.getInts(ctx, keys...)
	if err != nil {
		return nil, err
	}

	m := &DeliveryMetrics{
		TotalDelivered: totals[0],
		TotalFailed:    totals[1],
		TotalDeferred:  totals[2],
		TotalThrottled: totals[3],
		TotalDiscarded: totals[4],
	}
	if lastUpdated, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString(); err == nil {
		m.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	}
	return m, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours, oldest
// first.
func (s *ValkeyStore) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := s.now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		values, err := s.getInts(ctx,
			s.hourKey(hour, Delivered),
			s.hourKey(hour, Failed),
			s.hourKey(hour, Deferred),
			s.hourKey(hour, Throttled))
		if err != nil {
			return nil, err
		}
		stats[i] = HourlyStats{
			Hour:      hour.UTC().Format("15:00"),
			Delivered: values[0],
			Failed:    values[1],
			Deferred:  values[2],
			Throttled: values[3],
		}
	}
	return stats, nil
}

// AddRecentError stores a recent delivery error
func (s *ValkeyStore) AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error {
	data, err := json.Marshal(RecentError{
		MessageID: messageID,
		Recipient: recipient,
		Error:     errorMsg,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := valkey.Commands{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(maxRecentErrors - 1).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentErrors retrieves recent delivery errors, newest first
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	if limit <= 0 || limit > maxRecentErrors {
		limit = maxRecentErrors
	}
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(result))
	for _, item := range result {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
