// Package server assembles the delivery engine from its configuration and
// runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/outbound/internal/api"
	"github.com/busybox42/outbound/internal/availability"
	"github.com/busybox42/outbound/internal/cache"
	"github.com/busybox42/outbound/internal/config"
	"github.com/busybox42/outbound/internal/delivery"
	"github.com/busybox42/outbound/internal/dns"
	"github.com/busybox42/outbound/internal/logging"
	"github.com/busybox42/outbound/internal/metrics"
	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/pool"
	"github.com/busybox42/outbound/internal/queue"
	"github.com/busybox42/outbound/internal/rules"
	"github.com/busybox42/outbound/internal/store"
	"github.com/busybox42/outbound/internal/throttle"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the API.
var Version = "dev"

// Options override engine components. Zero values use the configured ones.
type Options struct {
	Dialer   pool.Dialer
	Resolver delivery.Resolver
	Bodies   delivery.BodyStore
}

// App is the assembled delivery engine.
type App struct {
	Config    *config.Config
	Store     store.Store
	Cache     cache.Cache
	Registry  *mta.Registry
	Rules     *rules.Engine
	Hourly    *throttle.Hourly
	Pool      *pool.Pool
	Queue     *queue.Manager
	Worker    *delivery.Worker
	Processor *queue.Processor
	Metrics   *metrics.ValkeyStore
	API       *api.Server

	fatal  chan error
	logger *slog.Logger
}

// New connects the store and cache and wires every engine component.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		Config: cfg,
		fatal:  make(chan error, 1),
		logger: slog.Default().With("component", "engine"),
	}

	var err error
	if a.Registry, err = cfg.Registry(); err != nil {
		return nil, fmt.Errorf("identities: %w", err)
	}

	if a.Store, err = store.Open(ctx, cfg.StoreConfig()); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.Rules.SeedDefault && cfg.Rules.Source != "file" {
		added, err := store.EnsureDefaultPattern(ctx, a.Store)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("seed default pattern: %w", err)
		}
		if added {
			a.logger.Info("Seeded default outbound pattern")
		}
	}

	if a.Cache, err = cache.Factory(cfg.CacheConfig()); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.Cache.Connect(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	var source rules.Source = a.Store
	if cfg.Rules.Source == "file" {
		source = &rules.FileSource{Path: cfg.Rules.File}
	}
	a.Rules = rules.NewEngine(source, rules.Config{
		FreshnessWindow: time.Duration(cfg.Rules.Freshness) * time.Second,
		OnFatal:         a.onFatal,
	})

	tracker := availability.NewTracker(a.Cache, time.Duration(cfg.Retry.UnavailableBlock)*time.Second)
	a.Hourly = throttle.NewHourly(a.Cache)

	dialer := opts.Dialer
	if dialer == nil {
		if dialer, err = delivery.NewSMTPDialer(cfg.DialerConfig()); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Pool = pool.New(cfg.PoolConfig(), dialer, a.Rules, tracker)

	resolver := opts.Resolver
	if resolver == nil {
		resolver = dns.NewResolver(cfg.DNSConfig())
	}
	bodies := opts.Bodies
	if bodies == nil {
		bodies = delivery.FileBodyStore{Root: cfg.Engine.DataDir}
	}

	a.Queue = queue.NewManager(a.Store, cfg.QueueConfig())

	deps := delivery.Deps{
		Queue:      a.Queue,
		Rules:      a.Rules,
		Throttle:   a.Hourly,
		Resolver:   resolver,
		Pool:       a.Pool,
		Exchanger:  delivery.NewExchanger(tracker),
		Bodies:     bodies,
		Identities: a.Registry,
		Logger:     logging.NewDeliveryLogger(slog.Default()),
	}
	if cfg.Metrics.ValkeyAddr != "" {
		ms, err := metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr, cfg.Metrics.ValkeyPassword)
		if err != nil {
			a.logger.Warn("Delivery metrics store unavailable", "addr", cfg.Metrics.ValkeyAddr, "error", err)
		} else {
			a.Metrics = ms
			deps.Metrics = ms
		}
	}
	a.Worker = delivery.NewWorker(deps)
	a.Processor = queue.NewProcessor(a.Queue, cfg.ProcessorConfig(), a.Worker)

	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Queue:      a.Queue,
			Rules:      a.Rules,
			Hourly:     a.Hourly,
			Identities: a.Registry,
			Pool:       a.Pool,
			Processor:  a.Processor,
			Version:    Version,
		}
		if a.Metrics != nil {
			apiDeps.Metrics = a.Metrics
		}
		if a.API, err = api.NewServer(api.Config{Enabled: true, ListenAddr: cfg.API.Listen}, apiDeps); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.logger.Info("Engine assembled",
		"store", a.Store.Type(),
		"cache", a.Cache.Type(),
		"rules_source", cfg.Rules.Source,
		"identities", len(a.Registry.Identities()))
	return a, nil
}

// onFatal records the first unrecoverable rule error. Run returns it.
func (a *App) onFatal(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Run processes the queue until ctx is cancelled or a fatal error stops the
// engine. Cancellation is not an error.
func (a *App) Run(ctx context.Context) error {
	if a.API != nil {
		if err := a.API.Start(); err != nil {
			return err
		}
		defer func() {
			if err := a.API.Stop(); err != nil {
				a.logger.Warn("API shutdown failed", "error", err)
			}
		}()
	}

	engineUp.Set(1)
	defer engineUp.Set(0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Processor.Run(gctx)
	})
	g.Go(func() error {
		a.Pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.reloadRules(gctx)
		return nil
	})
	g.Go(func() error {
		a.collectPoolStats(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-a.fatal:
			a.logger.Error("Stopping engine on fatal error", "error", err)
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	a.Pool.Close()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// reloadRules drops the cached rule lists every reload interval so edits to
// the pattern and rule tables take effect.
func (a *App) reloadRules(ctx context.Context) {
	interval := time.Duration(a.Config.Rules.ReloadInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Rules.Invalidate()
			ruleReloads.Inc()
		}
	}
}

func (a *App) collectPoolStats(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		recordPoolStats(a.Pool.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the store, cache and metrics connections.
func (a *App) Close() error {
	var errs []error
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Metrics != nil {
		a.Metrics.Close()
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
