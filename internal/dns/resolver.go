// Package dns resolves destination mail exchangers for recipient domains.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mjl-/adns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busybox42/outbound/internal/mta"
)

// ErrNoDestination means the domain does not accept mail: it does not exist
// or publishes a null MX. Messages to it cannot be delivered.
var ErrNoDestination = errors.New("domain has no mail destination")

var lookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outbound_dns_mx_lookups_total",
		Help: "MX lookups by result",
	},
	[]string{"result"},
)

// Config holds resolver settings.
type Config struct {
	CacheTTL  time.Duration
	CacheSize int
	Timeout   time.Duration
	Retries   int
}

// DefaultConfig returns the default resolver configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:  5 * time.Minute,
		CacheSize: 10000,
		Timeout:   10 * time.Second,
		Retries:   3,
	}
}

type mxLookupFunc func(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
type hostLookupFunc func(ctx context.Context, name string) ([]string, adns.Result, error)

type cacheEntry struct {
	records []mta.MXRecord
	expires time.Time
	lastHit time.Time
}

// Resolver looks up MX records with retries and caches the answers.
type Resolver struct {
	config     Config
	lookupMX   mxLookupFunc
	lookupHost hostLookupFunc
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewResolver creates a resolver using the system's DNS servers.
func NewResolver(config Config) *Resolver {
	def := DefaultConfig()
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = def.CacheSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = def.Retries
	}
	return &Resolver{
		config:     config,
		lookupMX:   adns.DefaultResolver.LookupMX,
		lookupHost: adns.DefaultResolver.LookupHost,
		logger:     slog.Default().With("component", "mx-resolver"),
		now:        time.Now,
		cache:      make(map[string]*cacheEntry),
	}
}

// LookupMX returns the mail exchangers for domain ordered by preference. A
// domain without MX records that has an address is its own exchanger.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]mta.MXRecord, error) {
	domain = mta.NormalizeHost(domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrNoDestination)
	}

	if records, ok := r.cached(domain); ok {
		lookups.WithLabelValues("hit").Inc()
		return records, nil
	}

	start := r.now()
	records, err := r.resolve(ctx, domain)
	if err != nil {
		lookups.WithLabelValues("error").Inc()
		return nil, err
	}
	lookups.WithLabelValues("miss").Inc()
	r.store(domain, records)

	r.logger.Debug("MX lookup completed",
		"domain", domain,
		"records", len(records),
		"latency", r.now().Sub(start))
	return append([]mta.MXRecord(nil), records...), nil
}

func (r *Resolver) resolve(ctx context.Context, domain string) ([]mta.MXRecord, error) {
	var (
		mxs []*net.MX
		err error
	)
	for attempt := 0; attempt < r.config.Retries; attempt++ {
		lookupCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		mxs, _, err = r.lookupMX(lookupCtx, domain)
		cancel()

		if err == nil || isNotFound(err) {
			break
		}

		r.logger.Debug("MX lookup attempt failed",
			"domain", domain,
			"attempt", attempt+1,
			"error", err)

		if attempt < r.config.Retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}

	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("mx lookup for %s: %w", domain, err)
	}

	if len(mxs) == 1 && (mxs[0].Host == "." || mxs[0].Host == "") {
		return nil, fmt.Errorf("%w: %s publishes a null MX", ErrNoDestination, domain)
	}

	if len(mxs) == 0 {
		return r.implicit(ctx, domain)
	}

	records := make([]mta.MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		records = append(records, mta.MXRecord{Host: mta.NormalizeHost(mx.Host), Preference: int(mx.Pref)})
	}
	mta.SortMX(records)
	return records, nil
}

// implicit applies the implicit MX rule: the domain itself, if it resolves.
func (r *Resolver) implicit(ctx context.Context, domain string) ([]mta.MXRecord, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	addrs, _, err := r.lookupHost(lookupCtx, domain)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoDestination, domain)
		}
		return nil, fmt.Errorf("address lookup for %s: %w", domain, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no address", ErrNoDestination, domain)
	}
	return []mta.MXRecord{{Host: domain, Preference: 0}}, nil
}

func isNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (r *Resolver) cached(domain string) ([]mta.MXRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[domain]
	if !ok {
		return nil, false
	}
	now := r.now()
	if !now.Before(e.expires) {
		delete(r.cache, domain)
		return nil, false
	}
	e.lastHit = now
	return append([]mta.MXRecord(nil), e.records...), true
}

func (r *Resolver) store(domain string, records []mta.MXRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.config.CacheSize {
		r.evictLRU()
	}
	now := r.now()
	r.cache[domain] = &cacheEntry{records: records, expires: now.Add(r.config.CacheTTL), lastHit: now}
}

func (r *Resolver) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, e := range r.cache {
		if oldestKey == "" || e.lastHit.Before(oldest) {
			oldestKey = key
			oldest = e.lastHit
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// Clear empties the cache.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]*cacheEntry)
	r.mu.Unlock()
}

// Temporary reports whether a lookup error may succeed on retry.
func Temporary(err error) bool {
	return err != nil && !errors.Is(err, ErrNoDestination)
}
