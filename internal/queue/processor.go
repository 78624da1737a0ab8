package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/busybox42/outbound/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ProcessorConfig holds configuration for the queue processor
type ProcessorConfig struct {
	Enabled       bool          `toml:"enabled"`
	Interval      time.Duration `toml:"interval"`
	MaxConcurrent int           `toml:"max_concurrent"`
	BatchSize     int           `toml:"batch_size"`
	// PickupRate caps pickup queries per second across both loops.
	PickupRate float64 `toml:"pickup_rate"`
	Discard    bool    `toml:"discard"`
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Enabled:       true,
		Interval:      10 * time.Second,
		MaxConcurrent: 5,
		BatchSize:     50,
		PickupRate:    5,
		Discard:       true,
	}
}

// Handler processes picked-up messages. A handler owns the message lock: it
// must delete, reschedule or release every message it is given. A returned
// error stops the processor and is reported by Run.
type Handler interface {
	Deliver(ctx context.Context, msg store.QueuedMessage) error
	Discard(ctx context.Context, msg store.QueuedMessage) error
}

// Processor runs the sending and discarding loops.
type Processor struct {
	manager *Manager
	config  ProcessorConfig
	handler Handler
	limiter *rate.Limiter
	logger  *slog.Logger

	processed atomic.Int64
	running   atomic.Bool
}

// NewProcessor creates a new queue processor
func NewProcessor(manager *Manager, config ProcessorConfig, handler Handler) *Processor {
	def := DefaultProcessorConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	limit := rate.Inf
	if config.PickupRate > 0 {
		limit = rate.Limit(config.PickupRate)
	}
	return &Processor{
		manager: manager,
		config:  config,
		handler: handler,
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default().With("component", "queue-processor"),
	}
}

// Processed returns the number of messages handed to the handler.
func (p *Processor) Processed() int64 {
	return p.processed.Load()
}

// Running reports whether Run is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Run processes the queue until ctx is cancelled or the handler returns an
// error. Cancellation is not an error.
func (p *Processor) Run(ctx context.Context) error {
	if !p.config.Enabled {
		p.logger.Info("Queue processor disabled, not starting")
		<-ctx.Done()
		return nil
	}

	p.logger.Info("Starting queue processor",
		"interval", p.config.Interval,
		"max_concurrent", p.config.MaxConcurrent,
		"batch_size", p.config.BatchSize)
	p.running.Store(true)
	defer p.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.loop(gctx, "send", p.manager.PickupForSending, p.handler.Deliver)
	})
	if p.config.Discard {
		g.Go(func() error {
			return p.loop(gctx, "discard", p.manager.PickupForDiscarding, p.handler.Discard)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	p.logger.Info("Queue processor stopped", "processed", p.processed.Load())
	return err
}

type pickupFunc func(context.Context, int) ([]store.QueuedMessage, error)

type handleFunc func(context.Context, store.QueuedMessage) error

func (p *Processor) loop(ctx context.Context, kind string, pickup pickupFunc, handle handleFunc) error {
	logger := p.logger.With("kind", kind)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		batch, err := pickup(ctx, p.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrBreakerOpen) {
				logger.Debug("pickup skipped, store breaker open")
			} else {
				logger.Error("pickup failed", "error", err)
			}
			if !sleep(ctx, p.config.Interval) {
				return nil
			}
			continue
		}

		if len(batch) > 0 {
			if err := p.process(ctx, kind, batch, handle); err != nil {
				return err
			}
		}

		// A full batch means more work is probably waiting.
		if len(batch) < p.config.BatchSize && !sleep(ctx, p.config.Interval) {
			return nil
		}
	}
}

// process hands a batch to the handler with bounded concurrency. Messages
// that were never started are unlocked before returning.
func (p *Processor) process(ctx context.Context, kind string, batch []store.QueuedMessage, handle handleFunc) error {
	start := time.Now()
	defer func() {
		batchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	started := make([]bool, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxConcurrent)
	for i := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			started[i] = true
			p.processed.Add(1)
			return handle(gctx, batch[i])
		})
	}
	err := g.Wait()

	for i, msg := range batch {
		if started[i] {
			continue
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := p.manager.ReleaseLock(releaseCtx, msg.ID); rerr != nil {
			p.logger.Error("failed to release unprocessed message", "message_id", msg.ID, "error", rerr)
		}
		cancel()
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
