package logging

import (
	"log/slog"
	"time"
)

// DeliveryLogger provides structured logging for delivery lifecycle events
type DeliveryLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewDeliveryLogger creates a new delivery logger
func NewDeliveryLogger(logger *slog.Logger) *DeliveryLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryLogger{
		logger: logger.With("component", "message-lifecycle"),
		now:    time.Now,
	}
}

// DeliveryEvent contains everything known about one delivery attempt
type DeliveryEvent struct {
	MessageID  string
	SendID     string
	From       string
	To         []string
	Identity   string
	Host       string
	Response   string
	Reason     string
	RetryCount int
	QueuedAt   time.Time
	NextRetry  time.Time
}

func (dl *DeliveryLogger) fields(eventType, status string, ev DeliveryEvent) []any {
	now := dl.now()
	queueDelay := time.Duration(0)
	if !ev.QueuedAt.IsZero() {
		queueDelay = now.Sub(ev.QueuedAt)
	}
	fields := []any{
		"event_type", eventType,
		"message_id", ev.MessageID,
		"send_id", ev.SendID,
		"from", ev.From,
		"to", ev.To,
		"recipient_count", len(ev.To),
		"retry_count", ev.RetryCount,
		"queue_delay_ms", queueDelay.Milliseconds(),
		"status", status,
	}
	if ev.Identity != "" {
		fields = append(fields, "identity", ev.Identity)
	}
	if ev.Host != "" {
		fields = append(fields, "delivery_host", ev.Host)
	}
	if ev.Response != "" {
		fields = append(fields, "server_response", sanitizeMessage(ev.Response))
	}
	if ev.Reason != "" {
		fields = append(fields, "reason", sanitizeMessage(ev.Reason))
	}
	return fields
}

// LogDelivery logs a message accepted by the remote side
func (dl *DeliveryLogger) LogDelivery(ev DeliveryEvent) {
	dl.logger.Info("message_delivery", dl.fields("delivery", "delivered", ev)...)
}

// LogDeferral logs when a message is deferred for retry
func (dl *DeliveryLogger) LogDeferral(ev DeliveryEvent) {
	fields := dl.fields("deferral", "deferred", ev)
	if !ev.NextRetry.IsZero() {
		fields = append(fields,
			"next_retry", ev.NextRetry.Format(time.RFC3339),
			"next_retry_in_seconds", int(ev.NextRetry.Sub(dl.now()).Seconds()))
	}
	dl.logger.Warn("message_deferral", fields...)
}

// LogBounce logs when a message permanently fails
func (dl *DeliveryLogger) LogBounce(ev DeliveryEvent) {
	dl.logger.Error("message_bounce", dl.fields("bounce", "bounced", ev)...)
}

// LogThrottle logs a message held back by the hourly limit
func (dl *DeliveryLogger) LogThrottle(ev DeliveryEvent) {
	dl.logger.Info("message_throttle", dl.fields("throttle", "throttled", ev)...)
}

// LogDiscard logs a message drained from a discarded send
func (dl *DeliveryLogger) LogDiscard(ev DeliveryEvent) {
	dl.logger.Info("message_discard", dl.fields("discard", "discarded", ev)...)
}

// LogTimeout logs a message that stayed queued too long
func (dl *DeliveryLogger) LogTimeout(ev DeliveryEvent) {
	dl.logger.Warn("message_timeout", dl.fields("timeout", "timed_out", ev)...)
}
