// Package rules resolves the throughput policy that applies to an
// (outbound identity, destination host) pair.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/outbound/internal/mta"
)

// Defaults used when no rule of a type is attached to the matched pattern or
// its value is not a number.
const (
	DefaultMaxConnections           = 1
	DefaultMaxMessagesPerConnection = 1
	DefaultMaxMessagesPerHour       = -1

	DefaultFreshnessWindow = 5 * time.Minute
)

const globalScope = "global"

// Source supplies the pattern and rule lists.
type Source interface {
	LoadPatterns(ctx context.Context) ([]Pattern, error)
	LoadRules(ctx context.Context) ([]Rule, error)
}

// Config configures an Engine.
type Config struct {
	// FreshnessWindow bounds how long a cached match is honored.
	FreshnessWindow time.Duration
	// OnFatal is called once with the first FatalError the engine produces.
	OnFatal func(error)
	// Now overrides the clock.
	Now    func() time.Time
	Logger *slog.Logger
}

// Engine resolves rules for destinations. Pattern and rule lists are loaded
// once and kept until Invalidate is called. Matches are cached per host and
// identity (or globally for unrestricted patterns).
type Engine struct {
	source Source
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	onFatal   func(error)
	fatalOnce sync.Once

	loadMu sync.Mutex
	lists  atomic.Pointer[ruleSet]

	matches sync.Map // matchKey -> *matchEntry
}

type ruleSet struct {
	patterns []*compiledPattern
	index    map[int]int // pattern id -> position in patterns
	rules    map[int][]Rule
	// firstRestricted is the position of the first pattern restricted to
	// an identity, per identity id.
	firstRestricted map[int]int
}

type matchKey struct {
	host  string
	scope string
}

type matchEntry struct {
	patternID int
	at        time.Time
}

// NewEngine creates a rule engine on top of source.
func NewEngine(source Source, cfg Config) *Engine {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		source:  source,
		window:  cfg.FreshnessWindow,
		now:     cfg.Now,
		onFatal: cfg.OnFatal,
		logger:  cfg.Logger.With("component", "rule-engine"),
	}
}

// Invalidate drops the loaded lists and every cached match. The next call
// reloads from the source.
func (e *Engine) Invalidate() {
	e.loadMu.Lock()
	e.lists.Store(nil)
	e.matches.Range(func(k, _ any) bool {
		e.matches.Delete(k)
		return true
	})
	e.loadMu.Unlock()
	e.logger.Info("Rule lists invalidated")
}

func (e *Engine) load(ctx context.Context) (*ruleSet, error) {
	if set := e.lists.Load(); set != nil {
		return set, nil
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if set := e.lists.Load(); set != nil {
		return set, nil
	}

	patterns, err := e.source.LoadPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound patterns: %w", err)
	}
	rules, err := e.source.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound rules: %w", err)
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Priority != patterns[j].Priority {
			return patterns[i].Priority < patterns[j].Priority
		}
		return patterns[i].ID < patterns[j].ID
	})

	set := &ruleSet{
		index:           make(map[int]int, len(patterns)),
		rules:           make(map[int][]Rule),
		firstRestricted: make(map[int]int),
	}
	for _, p := range patterns {
		cp, err := compile(p)
		if err != nil {
			e.logger.Error("Skipping invalid outbound pattern", "pattern_id", p.ID, "error", err)
			continue
		}
		pos := len(set.patterns)
		set.patterns = append(set.patterns, cp)
		set.index[p.ID] = pos
		if p.IdentityID != nil {
			if _, ok := set.firstRestricted[*p.IdentityID]; !ok {
				set.firstRestricted[*p.IdentityID] = pos
			}
		}
	}
	for _, r := range rules {
		set.rules[r.PatternID] = append(set.rules[r.PatternID], r)
	}

	e.lists.Store(set)
	ruleListLoads.Inc()
	e.logger.Info("Loaded outbound rules", "patterns", len(set.patterns), "rules", len(rules))
	return set, nil
}

// Patterns returns the loaded patterns in evaluation order.
func (e *Engine) Patterns(ctx context.Context) ([]Pattern, error) {
	set, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Pattern, len(set.patterns))
	for i, cp := range set.patterns {
		out[i] = cp.Pattern
	}
	return out, nil
}

// GetRules returns every rule attached to the pattern matching host for
// identity, and the id of that pattern. When nothing matches a *FatalError is
// returned and the fatal handler is invoked.
func (e *Engine) GetRules(ctx context.Context, host string, identity mta.Identity) ([]Rule, int, error) {
	set, err := e.load(ctx)
	if err != nil {
		return nil, 0, err
	}
	host = mta.NormalizeHost(host)

	if id, ok := e.cached(set, host, identity); ok {
		matchCacheLookups.WithLabelValues("hit").Inc()
		return set.rules[id], id, nil
	}
	matchCacheLookups.WithLabelValues("miss").Inc()

	for _, cp := range set.patterns {
		if !cp.AppliesTo(identity) {
			continue
		}
		if !cp.matches(host) {
			continue
		}

		scope := globalScope
		if cp.Restricted() {
			scope = identity.Key()
		}
		e.remember(matchKey{host: host, scope: scope}, &matchEntry{patternID: cp.ID, at: e.now()})
		return set.rules[cp.ID], cp.ID, nil
	}

	ferr := &FatalError{Host: host, IdentityID: identity.ID, Err: ErrNoDefaultPattern}
	e.logger.Error("No outbound pattern matched; default pattern is missing",
		"host", host,
		"identity_id", identity.ID,
		"patterns", len(set.patterns))
	e.fatal(ferr)
	return nil, 0, ferr
}

func (e *Engine) fatal(err error) {
	if e.onFatal == nil {
		return
	}
	e.fatalOnce.Do(func() { e.onFatal(err) })
}

// cached returns a fresh cached pattern id for host. The identity scoped entry
// is consulted first. A global entry is only valid for identity when no
// pattern restricted to that identity is evaluated before it.
func (e *Engine) cached(set *ruleSet, host string, identity mta.Identity) (int, bool) {
	now := e.now()
	if id, ok := e.fresh(set, matchKey{host: host, scope: identity.Key()}, now); ok {
		return id, true
	}
	id, ok := e.fresh(set, matchKey{host: host, scope: globalScope}, now)
	if !ok {
		return 0, false
	}
	if first, restricted := set.firstRestricted[identity.ID]; restricted && first < set.index[id] {
		return 0, false
	}
	return id, true
}

func (e *Engine) fresh(set *ruleSet, key matchKey, now time.Time) (int, bool) {
	v, ok := e.matches.Load(key)
	if !ok {
		return 0, false
	}
	entry := v.(*matchEntry)
	if now.Sub(entry.at) >= e.window {
		return 0, false
	}
	if _, known := set.index[entry.patternID]; !known {
		return 0, false
	}
	return entry.patternID, true
}

// remember stores entry unless a newer one is already cached for key.
func (e *Engine) remember(key matchKey, entry *matchEntry) {
	for {
		cur, loaded := e.matches.LoadOrStore(key, entry)
		if !loaded {
			return
		}
		old := cur.(*matchEntry)
		if !entry.at.After(old.at) {
			return
		}
		if e.matches.CompareAndSwap(key, old, entry) {
			return
		}
	}
}

// GetMaxConnectionsToDestination returns the maximum number of simultaneous
// connections identity may hold to host.
func (e *Engine) GetMaxConnectionsToDestination(ctx context.Context, host string, identity mta.Identity) (int, error) {
	return e.intRule(ctx, host, identity, RuleMaxConnections, DefaultMaxConnections)
}

// GetMaxMessagesPerConnection returns how many messages may be sent over one
// connection before it is closed.
func (e *Engine) GetMaxMessagesPerConnection(ctx context.Context, host string, identity mta.Identity) (int, error) {
	return e.intRule(ctx, host, identity, RuleMaxMessagesPerConnection, DefaultMaxMessagesPerConnection)
}

// GetMaxMessagesPerHour returns the hourly message limit, -1 for unlimited.
func (e *Engine) GetMaxMessagesPerHour(ctx context.Context, host string, identity mta.Identity) (int, error) {
	return e.intRule(ctx, host, identity, RuleMaxMessagesPerHour, DefaultMaxMessagesPerHour)
}

func (e *Engine) intRule(ctx context.Context, host string, identity mta.Identity, typ RuleType, def int) (int, error) {
	rules, patternID, err := e.GetRules(ctx, host, identity)
	if err != nil {
		return 0, err
	}

	for _, r := range rules {
		if r.Type != typ {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(r.Value))
		if err != nil {
			ruleFallbacks.WithLabelValues(typ.String(), "malformed").Inc()
			e.logger.Warn("Malformed outbound rule value, using default",
				"rule", typ.String(),
				"value", r.Value,
				"pattern_id", patternID,
				"host", host,
				"default", def)
			return def, nil
		}
		return v, nil
	}

	ruleFallbacks.WithLabelValues(typ.String(), "missing").Inc()
	e.logger.Warn("No outbound rule configured, using default",
		"rule", typ.String(),
		"pattern_id", patternID,
		"host", host,
		"default", def)
	return def, nil
}
