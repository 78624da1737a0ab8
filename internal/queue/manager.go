// Package queue drives the outbound message queue: locked pickups from the
// store, retry scheduling and the processor loops that hand messages to
// delivery workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/store"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned by pickups while the store circuit breaker is open.
var ErrBreakerOpen = errors.New("queue store circuit breaker open")

// Config holds the queue manager settings.
type Config struct {
	// RetrySchedule is indexed by the number of deferrals a message already
	// has. The last entry repeats.
	RetrySchedule []time.Duration
	// ThrottleDelay is how long a throttled message waits before it is
	// picked up again.
	ThrottleDelay time.Duration
	// MaxQueueTime is how long a message may stay queued before it is
	// timed out. Zero disables the check.
	MaxQueueTime time.Duration

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		RetrySchedule: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			3 * time.Hour,
			6 * time.Hour,
		},
		ThrottleDelay:      time.Minute,
		MaxQueueTime:       72 * time.Hour,
		BreakerMaxRequests: 3,
		BreakerInterval:    time.Minute,
		BreakerTimeout:     30 * time.Second,
	}
}

// EnqueueRequest describes a message to add to the queue.
type EnqueueRequest struct {
	ID               string // generated when empty
	SendID           string
	MailFrom         string
	RcptTo           []string
	DataPath         string
	IdentityGroupID  int
	AttemptSendAfter time.Time
}

// Manager wraps a store with retry scheduling and a circuit breaker around
// pickups.
type Manager struct {
	store   store.Store
	config  Config
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a queue manager over s.
func NewManager(s store.Store, config Config) *Manager {
	def := DefaultConfig()
	if len(config.RetrySchedule) == 0 {
		config.RetrySchedule = def.RetrySchedule
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = def.ThrottleDelay
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = def.BreakerMaxRequests
	}
	if config.BreakerInterval <= 0 {
		config.BreakerInterval = def.BreakerInterval
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = def.BreakerTimeout
	}

	logger := slog.Default().With("component", "queue-manager")
	m := &Manager{
		store:  s,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "queue-store",
		MaxRequests: config.BreakerMaxRequests,
		Interval:    config.BreakerInterval,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the store.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			breakerState.Set(float64(to))
		},
	})
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() store.Store {
	return m.store
}

// Enqueue validates and stores a new message and its queue entry. It returns
// the message id.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.SendID == "" {
		return "", fmt.Errorf("%w: send id is required", store.ErrInvalidInput)
	}
	if len(req.RcptTo) == 0 {
		return "", fmt.Errorf("%w: at least one recipient is required", store.ErrInvalidInput)
	}
	if err := sameDomain(req.RcptTo); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := m.now()
	if req.AttemptSendAfter.IsZero() {
		req.AttemptSendAfter = now
	}

	msg := store.Message{
		ID:       req.ID,
		SendID:   req.SendID,
		MailFrom: req.MailFrom,
		RcptTo:   req.RcptTo,
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to save message %s: %w", req.ID, err)
	}
	qm := store.QueuedMessage{
		Message:          msg,
		QueuedAt:         now,
		AttemptSendAfter: req.AttemptSendAfter,
		DataPath:         req.DataPath,
		IdentityGroupID:  req.IdentityGroupID,
	}
	if err := m.store.SaveQueuedMessage(ctx, qm); err != nil {
		return "", fmt.Errorf("failed to queue message %s: %w", req.ID, err)
	}

	messagesEnqueued.Inc()
	m.logger.Debug("message enqueued",
		"message_id", req.ID,
		"send_id", req.SendID,
		"recipients", len(req.RcptTo))
	return req.ID, nil
}

// sameDomain rejects recipient lists that would need more than one MX lookup.
// A message is routed by its recipients' domain as a whole.
func sameDomain(rcpts []string) error {
	var domain string
	for _, rcpt := range rcpts {
		d := mta.Domain(rcpt)
		if d == "" {
			return fmt.Errorf("%w: invalid recipient %q", store.ErrInvalidInput, rcpt)
		}
		if domain == "" {
			domain = d
		} else if d != domain {
			return fmt.Errorf("%w: recipients span %s and %s", store.ErrInvalidInput, domain, d)
		}
	}
	return nil
}

// PickupForSending locks and returns up to maxMessages due messages of
// active sends.
func (m *Manager) PickupForSending(ctx context.Context, maxMessages int) ([]store.QueuedMessage, error) {
	return m.pickup(ctx, "send", maxMessages, m.store.PickupForSending)
}

// PickupForDiscarding locks and returns up to maxMessages messages of sends
// marked for discard.
func (m *Manager) PickupForDiscarding(ctx context.Context, maxMessages int) ([]store.QueuedMessage, error) {
	return m.pickup(ctx, "discard", maxMessages, m.store.PickupForDiscarding)
}

func (m *Manager) pickup(ctx context.Context, kind string, maxMessages int,
	fn func(context.Context, int) ([]store.QueuedMessage, error)) ([]store.QueuedMessage, error) {
	if maxMessages <= 0 {
		return nil, fmt.Errorf("%w: max messages must be positive, got %d", store.ErrInvalidInput, maxMessages)
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return fn(ctx, maxMessages)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			pickupErrors.WithLabelValues(kind, "breaker_open").Inc()
			return nil, ErrBreakerOpen
		}
		pickupErrors.WithLabelValues(kind, "store").Inc()
		return nil, fmt.Errorf("%s pickup failed: %w", kind, err)
	}

	batch, _ := result.([]store.QueuedMessage)
	messagesPicked.WithLabelValues(kind).Add(float64(len(batch)))
	if len(batch) > 0 {
		m.logger.Debug("picked up messages", "kind", kind, "count", len(batch), "max", maxMessages)
	}
	return batch, nil
}

// ReleaseLock returns a message to the queue unchanged.
func (m *Manager) ReleaseLock(ctx context.Context, id string) error {
	if err := m.store.ReleaseLock(ctx, id); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", id, err)
	}
	messagesReleased.Inc()
	return nil
}

// Delete removes a message from the queue.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	messagesDeleted.Inc()
	return nil
}

// Get returns a queued message by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.QueuedMessage, error) {
	return m.store.GetMessageByID(ctx, id)
}

// RetryDelay returns the wait before the next attempt of a message that has
// been deferred deferredCount times.
func (m *Manager) RetryDelay(deferredCount int) time.Duration {
	schedule := m.config.RetrySchedule
	if deferredCount < 0 {
		deferredCount = 0
	}
	if deferredCount >= len(schedule) {
		deferredCount = len(schedule) - 1
	}
	return schedule[deferredCount]
}

// Defer reschedules msg according to the retry schedule and unlocks it.
// The caller records the deferred transaction.
func (m *Manager) Defer(ctx context.Context, msg store.QueuedMessage, reason string) error {
	delay := m.RetryDelay(msg.DeferredCount)
	if err := m.reschedule(ctx, msg, delay); err != nil {
		return err
	}
	messagesDeferred.Inc()
	m.logger.Info("message deferred",
		"message_id", msg.ID,
		"reason", reason,
		"attempt", msg.DeferredCount+1,
		"retry_in", delay.String())
	return nil
}

// Throttle reschedules msg after the throttle delay and unlocks it.
func (m *Manager) Throttle(ctx context.Context, msg store.QueuedMessage) error {
	if err := m.reschedule(ctx, msg, m.config.ThrottleDelay); err != nil {
		return err
	}
	messagesThrottled.Inc()
	return nil
}

// reschedule fails with store.ErrNotFound when the message was deleted while
// it was locked; it is never put back.
func (m *Manager) reschedule(ctx context.Context, msg store.QueuedMessage, delay time.Duration) error {
	if err := m.store.Reschedule(ctx, msg.ID, m.now().Add(delay)); err != nil {
		return fmt.Errorf("failed to reschedule %s: %w", msg.ID, err)
	}
	return nil
}

// Expired reports whether msg has been queued longer than the maximum queue
// time.
func (m *Manager) Expired(msg store.QueuedMessage) bool {
	if m.config.MaxQueueTime <= 0 || msg.QueuedAt.IsZero() {
		return false
	}
	return m.now().Sub(msg.QueuedAt) > m.config.MaxQueueTime
}

// Stats returns a snapshot of the queue table.
func (m *Manager) Stats(ctx context.Context) (store.QueueStats, error) {
	return m.store.QueueStats(ctx)
}
