package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/busybox42/outbound/internal/dns"
	"github.com/busybox42/outbound/internal/logging"
	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/pool"
	"github.com/busybox42/outbound/internal/queue"
	"github.com/busybox42/outbound/internal/rules"
	"github.com/busybox42/outbound/internal/store"
)

// Rules supplies the per-destination limits used while delivering.
type Rules interface {
	GetMaxMessagesPerConnection(ctx context.Context, host string, identity mta.Identity) (int, error)
	GetMaxMessagesPerHour(ctx context.Context, host string, identity mta.Identity) (int, error)
}

// Throttle enforces the hourly message limit.
type Throttle interface {
	Allow(ctx context.Context, identity mta.Identity, host string, limit int) (bool, error)
}

// Resolver returns the mail exchangers of a domain, best first.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]mta.MXRecord, error)
}

// Identities picks the sending identity for a message's group.
type Identities interface {
	Pick(groupID int) (mta.Identity, bool)
}

// Pool hands out connections.
type Pool interface {
	Acquire(ctx context.Context, identity mta.Identity, candidates []mta.MXRecord, onDefer func(reason string)) (*pool.Conn, error)
	Release(c *pool.Conn)
	Discard(c *pool.Conn)
}

// MetricsRecorder interface for recording delivery metrics
type MetricsRecorder interface {
	IncrDelivered(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
	IncrThrottled(ctx context.Context) error
	IncrDiscarded(ctx context.Context) error
	AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error
}

// Deps are the collaborators of a Worker. Metrics and Logger are optional.
type Deps struct {
	Queue      *queue.Manager
	Rules      Rules
	Throttle   Throttle
	Resolver   Resolver
	Pool       Pool
	Exchanger  *Exchanger
	Bodies     BodyStore
	Identities Identities
	Metrics    MetricsRecorder
	Logger     *logging.DeliveryLogger
}

// Worker delivers and discards picked-up messages. It implements
// queue.Handler.
type Worker struct {
	Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker creates a worker.
func NewWorker(d Deps) *Worker {
	if d.Logger == nil {
		d.Logger = logging.NewDeliveryLogger(slog.Default())
	}
	return &Worker{
		Deps:   d,
		logger: slog.Default().With("component", "delivery-worker"),
		now:    time.Now,
	}
}

// outcome is what a worker knows about an attempt when it records it.
type outcome struct {
	identity mta.Identity
	host     string
	response string
}

// Deliver runs one delivery attempt. Only unrecoverable rule configuration
// errors are returned; every other outcome is recorded and the message is
// deleted, rescheduled or unlocked.
func (w *Worker) Deliver(ctx context.Context, msg store.QueuedMessage) error {
	// Bookkeeping must complete even when shutdown cancels ctx.
	bg := context.WithoutCancel(ctx)

	if w.Queue.Expired(msg) {
		w.finish(bg, msg, store.TransactionTimedOut, outcome{response: "exceeded maximum time in queue"})
		return nil
	}

	identity, ok := w.Identities.Pick(msg.IdentityGroupID)
	if !ok {
		w.deferMessage(bg, msg, outcome{response: "No outbound identity"})
		return nil
	}

	var domain string
	if len(msg.RcptTo) > 0 {
		domain = mta.Domain(msg.RcptTo[0])
	}
	if domain == "" {
		w.finish(bg, msg, store.TransactionFailed, outcome{identity: identity, response: "invalid recipient address"})
		return nil
	}

	mxs, err := w.Resolver.LookupMX(ctx, domain)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			w.release(bg, msg)
		case errors.Is(err, dns.ErrNoDestination):
			w.finish(bg, msg, store.TransactionFailed, outcome{identity: identity, response: err.Error()})
		default:
			w.deferMessage(bg, msg, outcome{identity: identity, response: "DNS lookup failed: " + err.Error()})
		}
		return nil
	}
	primary := mta.NormalizeHost(mxs[0].Host)

	body, err := w.Bodies.Open(ctx, msg)
	if err != nil {
		w.finish(bg, msg, store.TransactionFailed, outcome{identity: identity, response: err.Error()})
		return nil
	}
	defer body.Close()

	var deferReason string
	conn, err := w.Pool.Acquire(ctx, identity, mxs, func(reason string) { deferReason = reason })
	if err != nil {
		return w.abort(bg, msg, err)
	}
	if conn == nil {
		if deferReason != "" {
			w.deferMessage(bg, msg, outcome{identity: identity, host: primary, response: deferReason})
		} else {
			// At capacity: try again on a later pickup.
			w.release(bg, msg)
		}
		return nil
	}

	// The hourly quota is only counted once a connection is in hand, so
	// releases and deferrals above never use it up.
	allowed, err := w.allow(ctx, msg, identity, primary)
	if err != nil {
		w.Pool.Release(conn)
		return w.abort(bg, msg, err)
	}
	if !allowed {
		w.Pool.Release(conn)
		w.throttle(bg, msg, outcome{identity: identity, host: primary, response: "hourly message limit reached"})
		return nil
	}

	return w.exchange(ctx, bg, msg, conn, body)
}

// allow counts one message against the hourly quota of the primary host. A
// throttle backend failure allows the delivery.
func (w *Worker) allow(ctx context.Context, msg store.QueuedMessage, identity mta.Identity, primary string) (bool, error) {
	limit, err := w.Rules.GetMaxMessagesPerHour(ctx, primary, identity)
	if err != nil {
		return false, err
	}
	allowed, err := w.Throttle.Allow(ctx, identity, primary, limit)
	if err != nil {
		w.logger.Warn("hourly throttle unavailable, allowing delivery",
			"message_id", msg.ID,
			"host", primary,
			"error", err)
		return true, nil
	}
	return allowed, nil
}

func (w *Worker) exchange(ctx, bg context.Context, msg store.QueuedMessage, conn *pool.Conn, body io.Reader) error {
	start := w.now()
	res := w.Exchanger.Send(ctx, conn, msg, body)
	deliveryDuration.Observe(w.now().Sub(start).Seconds())

	out := outcome{identity: conn.Identity, host: conn.Host(), response: res.Response}
	switch {
	case res.Status == store.TransactionDeferred && ctx.Err() != nil:
		// Interrupted by shutdown, not by the remote side.
		w.Pool.Discard(conn)
		w.release(bg, msg)
		return nil
	case res.Status == store.TransactionSuccess || res.Status == store.TransactionFailed:
		w.finish(bg, msg, res.Status, out)
	default:
		w.deferMessage(bg, msg, out)
	}
	return w.recycle(bg, conn)
}

// recycle returns conn to the pool or retires it once it has carried the
// maximum number of messages for its destination.
func (w *Worker) recycle(ctx context.Context, conn *pool.Conn) error {
	if !conn.Session.Connected() {
		w.Pool.Discard(conn)
		return nil
	}
	sent := conn.CountMessage()
	limit, err := w.Rules.GetMaxMessagesPerConnection(ctx, conn.Host(), conn.Identity)
	if err != nil {
		w.Pool.Discard(conn)
		if rules.IsFatal(err) {
			return err
		}
		w.logger.Error("failed to resolve messages per connection", "host", conn.Host(), "error", err)
		return nil
	}
	if limit > 0 && sent >= int64(limit) {
		connectionRotations.Inc()
		w.Pool.Discard(conn)
		return nil
	}
	w.Pool.Release(conn)
	return nil
}

// Discard drains a message of a discarded send.
func (w *Worker) Discard(ctx context.Context, msg store.QueuedMessage) error {
	bg := context.WithoutCancel(ctx)
	w.record(bg, msg, store.TransactionDiscarded, outcome{})
	if err := w.Queue.Delete(bg, msg.ID); err != nil {
		w.logger.Error("failed to delete discarded message", "message_id", msg.ID, "error", err)
	}
	w.incr(bg, store.TransactionDiscarded)
	w.Logger.LogDiscard(w.event(msg, outcome{}))
	return nil
}

// abort unlocks msg after a limit lookup failed. Fatal errors are returned
// so the processor stops.
func (w *Worker) abort(ctx context.Context, msg store.QueuedMessage, err error) error {
	w.release(ctx, msg)
	if rules.IsFatal(err) {
		return err
	}
	w.logger.Error("failed to resolve delivery limits", "message_id", msg.ID, "error", err)
	return nil
}

func (w *Worker) release(ctx context.Context, msg store.QueuedMessage) {
	if err := w.Queue.ReleaseLock(ctx, msg.ID); err != nil {
		w.logger.Error("failed to release message", "message_id", msg.ID, "error", err)
	}
}

// finish records a terminal outcome and removes the message.
func (w *Worker) finish(ctx context.Context, msg store.QueuedMessage, status store.TransactionStatus, out outcome) {
	w.record(ctx, msg, status, out)
	if err := w.Queue.Delete(ctx, msg.ID); err != nil {
		w.logger.Error("failed to delete message", "message_id", msg.ID, "error", err)
	}
	w.incr(ctx, status)

	ev := w.event(msg, out)
	switch status {
	case store.TransactionSuccess:
		w.Logger.LogDelivery(ev)
	case store.TransactionTimedOut:
		w.Logger.LogTimeout(ev)
	default:
		w.Logger.LogBounce(ev)
		if w.Metrics != nil && len(msg.RcptTo) > 0 {
			if err := w.Metrics.AddRecentError(ctx, msg.ID, msg.RcptTo[0], out.response); err != nil {
				w.logger.Debug("failed to record recent error", "error", err)
			}
		}
	}
}

func (w *Worker) deferMessage(ctx context.Context, msg store.QueuedMessage, out outcome) {
	w.record(ctx, msg, store.TransactionDeferred, out)
	if err := w.Queue.Defer(ctx, msg, out.response); errors.Is(err, store.ErrNotFound) {
		w.logger.Info("message deleted during delivery", "message_id", msg.ID)
	} else if err != nil {
		w.logger.Error("failed to defer message", "message_id", msg.ID, "error", err)
	}
	w.incr(ctx, store.TransactionDeferred)

	ev := w.event(msg, out)
	ev.NextRetry = w.now().Add(w.Queue.RetryDelay(msg.DeferredCount))
	w.Logger.LogDeferral(ev)
}

func (w *Worker) throttle(ctx context.Context, msg store.QueuedMessage, out outcome) {
	w.record(ctx, msg, store.TransactionThrottled, out)
	if err := w.Queue.Throttle(ctx, msg); errors.Is(err, store.ErrNotFound) {
		w.logger.Info("message deleted during delivery", "message_id", msg.ID)
	} else if err != nil {
		w.logger.Error("failed to reschedule throttled message", "message_id", msg.ID, "error", err)
	}
	w.incr(ctx, store.TransactionThrottled)
	w.Logger.LogThrottle(w.event(msg, out))
}

func (w *Worker) record(ctx context.Context, msg store.QueuedMessage, status store.TransactionStatus, out outcome) {
	deliveryOutcomes.WithLabelValues(status.String()).Inc()
	tx := store.Transaction{
		MessageID:      msg.ID,
		SendID:         msg.SendID,
		Identity:       identityAddress(out.identity),
		Status:         status,
		ServerHostname: out.host,
		ServerResponse: out.response,
		CreatedAt:      w.now(),
	}
	if err := w.Queue.Store().RecordTransaction(ctx, tx); err != nil {
		w.logger.Error("failed to record transaction",
			"message_id", msg.ID,
			"status", status.String(),
			"error", err)
	}
}

func (w *Worker) incr(ctx context.Context, status store.TransactionStatus) {
	if w.Metrics == nil {
		return
	}
	var err error
	switch status {
	case store.TransactionSuccess:
		err = w.Metrics.IncrDelivered(ctx)
	case store.TransactionFailed, store.TransactionTimedOut:
		err = w.Metrics.IncrFailed(ctx)
	case store.TransactionDeferred:
		err = w.Metrics.IncrDeferred(ctx)
	case store.TransactionThrottled:
		err = w.Metrics.IncrThrottled(ctx)
	case store.TransactionDiscarded:
		err = w.Metrics.IncrDiscarded(ctx)
	}
	if err != nil {
		w.logger.Debug("failed to update delivery metrics", "error", err)
	}
}

func (w *Worker) event(msg store.QueuedMessage, out outcome) logging.DeliveryEvent {
	ev := logging.DeliveryEvent{
		MessageID:  msg.ID,
		SendID:     msg.SendID,
		From:       msg.MailFrom,
		To:         msg.RcptTo,
		Host:       out.host,
		Response:   out.response,
		RetryCount: msg.DeferredCount,
		QueuedAt:   msg.QueuedAt,
	}
	if out.identity.ID != 0 || out.identity.Address != nil {
		ev.Identity = out.identity.String()
	}
	return ev
}

func identityAddress(identity mta.Identity) string {
	if identity.Address != nil {
		return identity.Address.String()
	}
	if identity.ID != 0 {
		return identity.Key()
	}
	return ""
}
