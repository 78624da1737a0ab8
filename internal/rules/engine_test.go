package rules

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/outbound/internal/mta"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func intPtr(v int) *int { return &v }

var (
	ident1 = mta.Identity{ID: 1, Address: net.ParseIP("192.0.2.1")}
	ident2 = mta.Identity{ID: 2, Address: net.ParseIP("192.0.2.2")}
)

func testSource() *StaticSource {
	return &StaticSource{
		PatternList: []Pattern{
			{ID: 10, Priority: 1000, Name: "default", Kind: KindRegex, Value: ".*"},
			{ID: 1, Priority: 10, Name: "big providers", Kind: KindExactList, Value: "MX1.Example.com, mx2.example.com"},
			{ID: 2, Priority: 20, Name: "google", Kind: KindRegex, Value: `\.google\.com$`},
			{ID: 3, Priority: 5, Name: "identity 2 only", Kind: KindRegex, Value: `\.google\.com$`, IdentityID: intPtr(2)},
		},
		RuleList: []Rule{
			{PatternID: 1, Type: RuleMaxConnections, Value: "5"},
			{PatternID: 1, Type: RuleMaxMessagesPerConnection, Value: "100"},
			{PatternID: 1, Type: RuleMaxMessagesPerHour, Value: "1000"},
			{PatternID: 2, Type: RuleMaxConnections, Value: "ten"},
			{PatternID: 3, Type: RuleMaxConnections, Value: "3"},
			{PatternID: 10, Type: RuleMaxConnections, Value: "2"},
		},
	}
}

func newTestEngine(t *testing.T, src Source, clock *fakeClock) *Engine {
	t.Helper()
	cfg := Config{}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return NewEngine(src, cfg)
}

func TestGetRulesMatching(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testSource(), nil)

	tests := []struct {
		name     string
		host     string
		identity mta.Identity
		want     int
	}{
		{"exact list element, case insensitive", "mx2.EXAMPLE.com", ident1, 1},
		{"exact list trims whitespace", "mx1.example.com", ident1, 1},
		{"exact list does not match substrings", "mx1.example.com.evil.net", ident1, 10},
		{"regex case insensitive", "ASPMX.L.GOOGLE.COM", ident1, 2},
		{"restricted pattern skipped for other identity", "aspmx.l.google.com", ident1, 2},
		{"restricted pattern wins for its identity", "aspmx.l.google.com", ident2, 3},
		{"falls through to default", "mail.example.org", ident1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, id, err := e.GetRules(ctx, tt.host, tt.identity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
			for _, r := range rules {
				assert.Equal(t, tt.want, r.PatternID)
			}
		})
	}
}

func TestGetRulesFirstMatchWins(t *testing.T) {
	src := &StaticSource{
		PatternList: []Pattern{
			{ID: 1, Priority: 2, Kind: KindRegex, Value: ".*"},
			{ID: 2, Priority: 1, Kind: KindExactList, Value: "mx.example.com"},
		},
	}
	e := newTestEngine(t, src, nil)

	_, id, err := e.GetRules(context.Background(), "mx.example.com", ident1)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestGetRulesMissingDefaultIsFatal(t *testing.T) {
	src := &StaticSource{
		PatternList: []Pattern{
			{ID: 1, Priority: 1, Kind: KindExactList, Value: "mx.example.com"},
			// a catch-all restricted to another identity is not a default
			{ID: 2, Priority: 2, Kind: KindRegex, Value: ".*", IdentityID: intPtr(2)},
		},
	}

	var fatalCalls []error
	var mu sync.Mutex
	e := NewEngine(src, Config{OnFatal: func(err error) {
		mu.Lock()
		fatalCalls = append(fatalCalls, err)
		mu.Unlock()
	}})

	rules, id, err := e.GetRules(context.Background(), "mail.example.org", ident1)
	require.Error(t, err)
	assert.Nil(t, rules)
	assert.Zero(t, id)
	assert.True(t, IsFatal(err))
	assert.True(t, errors.Is(err, ErrNoDefaultPattern))

	_, err = e.GetMaxConnectionsToDestination(context.Background(), "mail.example.org", ident1)
	assert.True(t, IsFatal(err))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fatalCalls, 1)
	assert.True(t, IsFatal(fatalCalls[0]))
}

func TestInvalidRegexIsSkipped(t *testing.T) {
	src := &StaticSource{
		PatternList: []Pattern{
			{ID: 1, Priority: 1, Kind: KindRegex, Value: "(unclosed"},
			{ID: 2, Priority: 2, Kind: KindRegex, Value: ".*"},
		},
	}
	e := newTestEngine(t, src, nil)

	_, id, err := e.GetRules(context.Background(), "mx.example.com", ident1)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestMatchCacheFreshness(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, testSource(), clock)
	start := clock.Now()
	key := matchKey{host: "mail.example.org", scope: globalScope}

	_, _, err := e.GetRules(ctx, "mail.example.org", ident1)
	require.NoError(t, err)

	cachedAt := func() time.Time {
		v, ok := e.matches.Load(key)
		require.True(t, ok)
		return v.(*matchEntry).at
	}
	assert.Equal(t, start, cachedAt())

	clock.Advance(4*time.Minute + 59*time.Second)
	_, _, err = e.GetRules(ctx, "mail.example.org", ident1)
	require.NoError(t, err)
	assert.Equal(t, start, cachedAt(), "entry within the window must be honored")

	clock.Advance(2 * time.Second)
	_, _, err = e.GetRules(ctx, "mail.example.org", ident1)
	require.NoError(t, err)
	assert.Equal(t, start.Add(5*time.Minute+time.Second), cachedAt(), "stale entry must be recomputed")
}

func TestMatchCacheScopes(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testSource(), nil)

	_, _, err := e.GetRules(ctx, "aspmx.l.google.com", ident2)
	require.NoError(t, err)
	_, ok := e.matches.Load(matchKey{host: "aspmx.l.google.com", scope: "2"})
	assert.True(t, ok, "restricted match is cached under the identity")

	_, _, err = e.GetRules(ctx, "aspmx.l.google.com", ident1)
	require.NoError(t, err)
	_, ok = e.matches.Load(matchKey{host: "aspmx.l.google.com", scope: globalScope})
	assert.True(t, ok, "unrestricted match is cached globally")

	// A global entry must not hide a restricted pattern evaluated earlier.
	e.matches.Delete(matchKey{host: "aspmx.l.google.com", scope: "2"})
	_, id, err := e.GetRules(ctx, "aspmx.l.google.com", ident2)
	require.NoError(t, err)
	assert.Equal(t, 3, id)
}

func TestRememberKeepsLatestTimestamp(t *testing.T) {
	e := newTestEngine(t, testSource(), nil)
	key := matchKey{host: "mx.example.com", scope: globalScope}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e.remember(key, &matchEntry{patternID: 2, at: base.Add(time.Second)})
	e.remember(key, &matchEntry{patternID: 1, at: base})

	v, _ := e.matches.Load(key)
	assert.Equal(t, 2, v.(*matchEntry).patternID, "older write must not replace newer entry")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.remember(key, &matchEntry{patternID: i, at: base.Add(time.Duration(i) * time.Second)})
		}(i)
	}
	wg.Wait()

	v, _ = e.matches.Load(key)
	assert.Equal(t, 49, v.(*matchEntry).patternID)
}

func TestRuleAccessors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testSource(), nil)

	t.Run("configured values", func(t *testing.T) {
		v, err := e.GetMaxConnectionsToDestination(ctx, "mx1.example.com", ident1)
		require.NoError(t, err)
		assert.Equal(t, 5, v)

		v, err = e.GetMaxMessagesPerConnection(ctx, "mx1.example.com", ident1)
		require.NoError(t, err)
		assert.Equal(t, 100, v)

		v, err = e.GetMaxMessagesPerHour(ctx, "mx1.example.com", ident1)
		require.NoError(t, err)
		assert.Equal(t, 1000, v)
	})

	t.Run("missing rules fall back to defaults", func(t *testing.T) {
		v, err := e.GetMaxMessagesPerConnection(ctx, "mail.example.org", ident1)
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxMessagesPerConnection, v)

		v, err = e.GetMaxMessagesPerHour(ctx, "mail.example.org", ident1)
		require.NoError(t, err)
		assert.Equal(t, -1, v)

		v, err = e.GetMaxConnectionsToDestination(ctx, "mail.example.org", ident1)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})

	t.Run("malformed value falls back to default", func(t *testing.T) {
		v, err := e.GetMaxConnectionsToDestination(ctx, "alt1.google.com", ident1)
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxConnections, v)
	})
}

type countingSource struct {
	StaticSource
	mu    sync.Mutex
	loads int
}

func (c *countingSource) LoadPatterns(ctx context.Context) ([]Pattern, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.StaticSource.LoadPatterns(ctx)
}

func TestListsLoadedOnceUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{StaticSource: *testSource()}
	e := newTestEngine(t, src, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = e.GetRules(ctx, "mail.example.org", ident1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, src.loads)

	e.Invalidate()
	_, _, err := e.GetRules(ctx, "mail.example.org", ident1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	content := `
[[patterns]]
id = 1
priority = 10
name = "example"
kind = "exact"
value = "mx.example.com"
identity = 7

[[patterns]]
id = 2
priority = 100
name = "default"
kind = "regex"
value = ".*"

[[rules]]
pattern = 2
type = "max_connections"
value = "4"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	src := &FileSource{Path: path}
	patterns, err := src.LoadPatterns(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, KindExactList, patterns[0].Kind)
	require.NotNil(t, patterns[0].IdentityID)
	assert.Equal(t, 7, *patterns[0].IdentityID)
	assert.Nil(t, patterns[1].IdentityID)

	e := NewEngine(src, Config{})
	v, err := e.GetMaxConnectionsToDestination(context.Background(), "mx.example.com", ident1)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestParseHelpers(t *testing.T) {
	k, err := ParsePatternKind("Regex")
	require.NoError(t, err)
	assert.Equal(t, KindRegex, k)
	_, err = ParsePatternKind("glob")
	assert.Error(t, err)

	rt, err := ParseRuleType("max_messages_per_hour")
	require.NoError(t, err)
	assert.Equal(t, RuleMaxMessagesPerHour, rt)
	_, err = ParseRuleType("max_bytes")
	assert.Error(t, err)

	assert.True(t, Pattern{Kind: KindExactList, Value: "a.example, b.example"}.Matches("B.example"))
	assert.False(t, Pattern{Kind: KindRegex, Value: "("}.Matches("anything"))
}
