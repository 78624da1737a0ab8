// Package pool manages outbound protocol connections per outbound identity
// and destination host.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/outbound/internal/mta"
)

// Deferral reasons passed to the onDefer callback.
const (
	ReasonServiceUnavailable = "Service unavailable"
	ReasonConnectFailed      = "Connect failed"
	ReasonNoCandidates       = "No destination hosts"
)

// Dialer establishes new sessions.
type Dialer interface {
	Dial(ctx context.Context, identity mta.Identity, mx mta.MXRecord) (Session, error)
}

// Limits supplies the per-destination connection limit.
type Limits interface {
	GetMaxConnectionsToDestination(ctx context.Context, host string, identity mta.Identity) (int, error)
}

// Availability reports destinations that recently refused service.
type Availability interface {
	IsUnavailable(ctx context.Context, identity mta.Identity, host string) bool
}

// Config holds pool settings.
type Config struct {
	// MaxConnectAttempts caps concurrent connection attempts across all
	// destinations.
	MaxConnectAttempts int
	// PurgeInterval is how often in-use connections of a destination are
	// checked for dead sockets.
	PurgeInterval time.Duration
	// IdleTimeout closes idle connections unused for longer. Zero keeps
	// them until they die.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 6,
		PurgeInterval:      30 * time.Second,
		IdleTimeout:        5 * time.Minute,
	}
}

// Pool hands out reusable connections. Acquire and Release may be called
// from any number of workers.
type Pool struct {
	config Config
	dialer Dialer
	limits Limits
	avail  Availability
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	sets map[setKey]*connSet

	attempts attemptLimiter
	closed   atomic.Bool
}

// New creates a pool. avail may be nil when no availability tracking is
// wanted.
func New(config Config, dialer Dialer, limits Limits, avail Availability) *Pool {
	def := DefaultConfig()
	if config.MaxConnectAttempts <= 0 {
		config.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = def.PurgeInterval
	}
	return &Pool{
		config:   config,
		dialer:   dialer,
		limits:   limits,
		avail:    avail,
		logger:   slog.Default().With("component", "connection-pool"),
		now:      time.Now,
		sets:     make(map[setKey]*connSet),
		attempts: attemptLimiter{max: config.MaxConnectAttempts},
	}
}

func keyFor(identity mta.Identity, host string) setKey {
	return setKey{identityID: identity.ID, host: mta.NormalizeHost(host)}
}

func (p *Pool) set(key setKey) *connSet {
	p.mu.RLock()
	s, ok := p.sets[key]
	p.mu.RUnlock()
	if ok {
		return s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Double-check after acquiring write lock
	if s, ok = p.sets[key]; !ok {
		s = newConnSet(p.now(), p.config.PurgeInterval)
		p.sets[key] = s
	}
	return s
}

// Acquire returns a connection for identity to the first usable candidate.
// Candidates must be ordered by preference.
//
// A nil connection with a nil error means no connection is available right
// now; if onDefer was called the caller must defer the message, otherwise the
// pool is at capacity and the caller should retry later. A non-nil error is
// only returned when the connection limit cannot be resolved, which includes
// fatal rule configuration errors.
func (p *Pool) Acquire(ctx context.Context, identity mta.Identity, candidates []mta.MXRecord, onDefer func(reason string)) (*Conn, error) {
	if len(candidates) == 0 {
		acquireOutcomes.WithLabelValues("no_candidates").Inc()
		onDefer(ReasonNoCandidates)
		return nil, nil
	}

	for i, mx := range candidates {
		key := keyFor(identity, mx.Host)

		if p.avail != nil && p.avail.IsUnavailable(ctx, identity, key.host) {
			acquireOutcomes.WithLabelValues("service_unavailable").Inc()
			p.logger.Debug("Destination blocked, deferring",
				"identity", identity.String(),
				"host", key.host)
			onDefer(ReasonServiceUnavailable)
			return nil, nil
		}

		s := p.set(key)
		if c := p.reuse(s); c != nil {
			acquireOutcomes.WithLabelValues("reused").Inc()
			return c, nil
		}

		limit, err := p.limits.GetMaxConnectionsToDestination(ctx, key.host, identity)
		if err != nil {
			return nil, err
		}
		p.purgeIfDue(s)

		if !p.reserve(s, limit) {
			acquireOutcomes.WithLabelValues("at_capacity").Inc()
			return nil, nil
		}
		if !p.attempts.tryAcquire() {
			p.unreserve(s)
			acquireOutcomes.WithLabelValues("attempt_cap").Inc()
			return nil, nil
		}

		c, err := p.dial(ctx, identity, mx, key, s)
		if err == nil {
			acquireOutcomes.WithLabelValues("created").Inc()
			return c, nil
		}

		connectFailures.Inc()
		p.logger.Warn("Failed to connect to destination",
			"identity", identity.String(),
			"host", key.host,
			"preference", mx.Preference,
			"error", err)
		if i == len(candidates)-1 {
			acquireOutcomes.WithLabelValues("connect_failed").Inc()
			onDefer(ReasonConnectFailed)
			return nil, nil
		}
	}
	return nil, nil
}

// reuse pops idle connections until a live one is found.
func (p *Pool) reuse(s *connSet) *Conn {
	now := p.now()
	for {
		c := s.idle.pop()
		if c == nil {
			return nil
		}
		if !c.Session.Connected() {
			connectionsClosed.WithLabelValues("dead").Inc()
			c.close()
			continue
		}
		if p.config.IdleTimeout > 0 && now.Sub(c.lastUsed) > p.config.IdleTimeout {
			connectionsClosed.WithLabelValues("idle_timeout").Inc()
			c.close()
			continue
		}

		s.mu.Lock()
		s.inUse[c] = struct{}{}
		s.mu.Unlock()

		c.lastUsed = now
		connectionsReused.Inc()
		p.logger.Debug("Reusing pooled connection",
			"identity", c.Identity.String(),
			"host", c.key.host,
			"messages_sent", c.MessagesSent())
		return c
	}
}

// reserve claims a connection slot for a dial. The destination's in-use
// connections plus the pool-wide attempts in flight must stay below limit,
// and so must in-use plus the dials already reserved for this destination.
func (p *Pool) reserve(s *connSet, limit int) bool {
	inFlight := p.attempts.current()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inUse)+inFlight >= limit || len(s.inUse)+s.dialing >= limit {
		return false
	}
	s.dialing++
	return true
}

func (p *Pool) unreserve(s *connSet) {
	s.mu.Lock()
	s.dialing--
	s.mu.Unlock()
}

func (p *Pool) dial(ctx context.Context, identity mta.Identity, mx mta.MXRecord, key setKey, s *connSet) (*Conn, error) {
	defer p.attempts.release()

	start := p.now()
	sess, err := p.dialer.Dial(ctx, identity, mx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialing--
	if err != nil {
		return nil, err
	}

	now := p.now()
	c := &Conn{
		Identity:  identity,
		MX:        mx,
		Session:   sess,
		key:       key,
		createdAt: now,
		lastUsed:  now,
	}
	s.inUse[c] = struct{}{}
	connectionsCreated.Inc()
	p.logger.Info("Created new connection",
		"identity", identity.String(),
		"host", key.host,
		"connect_time", now.Sub(start))
	return c, nil
}

// purgeIfDue drops dead connections from the in-use set when the purge
// interval has elapsed.
func (p *Pool) purgeIfDue(s *connSet) {
	now := p.now()
	s.mu.Lock()
	if now.Before(s.nextPurge) {
		s.mu.Unlock()
		return
	}
	s.nextPurge = now.Add(p.config.PurgeInterval)
	dead := p.purgeLocked(s)
	s.mu.Unlock()

	for _, c := range dead {
		c.close()
	}
}

func (p *Pool) purgeLocked(s *connSet) []*Conn {
	var dead []*Conn
	for c := range s.inUse {
		if !c.Session.Connected() {
			delete(s.inUse, c)
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		connectionsClosed.WithLabelValues("purged").Add(float64(len(dead)))
		p.logger.Debug("Purged dead connections", "count", len(dead))
	}
	return dead
}

// Release returns c to the idle queue of its destination. Connections that
// are dead, were purged, or belong to a closed pool are closed instead.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	s := p.set(c.key)

	s.mu.Lock()
	_, present := s.inUse[c]
	delete(s.inUse, c)
	s.mu.Unlock()

	if !present {
		return
	}
	if p.closed.Load() || !c.Session.Connected() {
		connectionsClosed.WithLabelValues("released_dead").Inc()
		c.close()
		return
	}
	c.lastUsed = p.now()
	s.idle.push(c)
}

// Discard removes c from the pool and closes it.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}
	s := p.set(c.key)
	s.mu.Lock()
	delete(s.inUse, c)
	s.mu.Unlock()

	connectionsClosed.WithLabelValues("discarded").Inc()
	c.close()
}

// Sweep purges dead in-use connections and closes idle connections that are
// dead or past the idle timeout, for every destination.
func (p *Pool) Sweep() {
	now := p.now()
	p.mu.RLock()
	sets := make([]*connSet, 0, len(p.sets))
	for _, s := range p.sets {
		sets = append(sets, s)
	}
	p.mu.RUnlock()

	closed := 0
	for _, s := range sets {
		s.mu.Lock()
		s.nextPurge = now.Add(p.config.PurgeInterval)
		dead := p.purgeLocked(s)
		s.mu.Unlock()
		for _, c := range dead {
			c.close()
			closed++
		}

		for _, c := range s.idle.drain() {
			if !c.Session.Connected() || (p.config.IdleTimeout > 0 && now.Sub(c.lastUsed) > p.config.IdleTimeout) {
				connectionsClosed.WithLabelValues("idle_timeout").Inc()
				c.close()
				closed++
				continue
			}
			s.idle.push(c)
		}
	}
	if closed > 0 {
		p.logger.Debug("Swept pooled connections", "closed", closed)
	}
}

// Run sweeps the pool every purge interval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Close closes every idle connection. Connections still in use are closed
// when they are released.
func (p *Pool) Close() {
	p.closed.Store(true)

	p.mu.RLock()
	defer p.mu.RUnlock()
	closed := 0
	for _, s := range p.sets {
		for _, c := range s.idle.drain() {
			c.close()
			closed++
		}
	}
	p.logger.Info("Closed all pooled connections", "count", closed)
}

// DestinationStats describes the pool state of one destination.
type DestinationStats struct {
	IdentityID int    `json:"identity_id"`
	Host       string `json:"host"`
	Idle       int    `json:"idle"`
	InUse      int    `json:"in_use"`
	Dialing    int    `json:"dialing"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	AttemptsInFlight   int                `json:"attempts_in_flight"`
	MaxConnectAttempts int                `json:"max_connect_attempts"`
	Destinations       []DestinationStats `json:"destinations"`
}

// Stats returns a snapshot of every destination with connections.
func (p *Pool) Stats() Stats {
	st := Stats{
		AttemptsInFlight:   p.attempts.current(),
		MaxConnectAttempts: p.config.MaxConnectAttempts,
	}

	p.mu.RLock()
	for key, s := range p.sets {
		s.mu.Lock()
		ds := DestinationStats{
			IdentityID: key.identityID,
			Host:       key.host,
			InUse:      len(s.inUse),
			Dialing:    s.dialing,
		}
		s.mu.Unlock()
		ds.Idle = s.idle.len()
		if ds.Idle+ds.InUse+ds.Dialing > 0 {
			st.Destinations = append(st.Destinations, ds)
		}
	}
	p.mu.RUnlock()

	sort.Slice(st.Destinations, func(i, j int) bool {
		a, b := st.Destinations[i], st.Destinations[j]
		if a.IdentityID != b.IdentityID {
			return a.IdentityID < b.IdentityID
		}
		return a.Host < b.Host
	})
	return st
}
