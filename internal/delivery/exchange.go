package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"

	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/pool"
	"github.com/busybox42/outbound/internal/store"
)

// codeServiceNotAvailable is the reply a server sends before it closes the
// transmission channel.
const codeServiceNotAvailable = 421

// Unavailability records destinations that refused service.
type Unavailability interface {
	MarkUnavailable(ctx context.Context, identity mta.Identity, host string)
}

// Result is the classified outcome of one exchange.
type Result struct {
	Status   store.TransactionStatus
	Code     int
	Response string
}

// Exchanger runs mail transactions over pooled connections and classifies
// the replies.
type Exchanger struct {
	avail  Unavailability
	logger *slog.Logger
}

// NewExchanger creates an exchanger. avail may be nil.
func NewExchanger(avail Unavailability) *Exchanger {
	return &Exchanger{
		avail:  avail,
		logger: slog.Default().With("component", "smtp-exchange"),
	}
}

// Send transmits msg over conn.
func (e *Exchanger) Send(ctx context.Context, conn *pool.Conn, msg store.QueuedMessage, body io.Reader) Result {
	session, ok := conn.Session.(MessageSession)
	if !ok {
		return Result{Status: store.TransactionDeferred, Response: fmt.Sprintf("session type %T cannot send mail", conn.Session)}
	}

	err := session.Send(ctx, msg.MailFrom, msg.RcptTo, body)
	res := classify(err)
	if res.Code == codeServiceNotAvailable && e.avail != nil {
		e.avail.MarkUnavailable(ctx, conn.Identity, conn.Host())
	}
	if err != nil {
		e.logger.Debug("transaction failed",
			"message_id", msg.ID,
			"host", conn.Host(),
			"identity", conn.Identity.String(),
			"status", res.Status.String(),
			"response", res.Response)
	}
	return res
}

// classify maps a transaction error to a transaction status: no error is a
// success, 5xx replies are permanent, everything else is retried.
func classify(err error) Result {
	if err == nil {
		return Result{Status: store.TransactionSuccess, Code: 250, Response: "250 OK"}
	}

	var reply *textproto.Error
	if errors.As(err, &reply) {
		res := Result{Code: reply.Code, Response: fmt.Sprintf("%d %s", reply.Code, reply.Msg)}
		switch {
		case reply.Code >= 200 && reply.Code < 400:
			res.Status = store.TransactionSuccess
		case reply.Code >= 500:
			res.Status = store.TransactionFailed
		default:
			res.Status = store.TransactionDeferred
		}
		return res
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Status: store.TransactionDeferred, Response: "delivery interrupted: " + err.Error()}
	}
	return Result{Status: store.TransactionDeferred, Response: err.Error()}
}
