package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/rules"
)

type fakeSession struct {
	host   string
	dead   atomic.Bool
	closed atomic.Int32
}

func (s *fakeSession) Connected() bool { return !s.dead.Load() && s.closed.Load() == 0 }
func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   []string
	fail    map[string]bool
	block   chan struct{}
	started chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, identity mta.Identity, mx mta.MXRecord) (Session, error) {
	d.mu.Lock()
	d.dials = append(d.dials, mx.Host)
	fail := d.fail[mx.Host]
	d.mu.Unlock()

	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	return &fakeSession{host: mx.Host}, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type fixedLimits struct {
	max int
	err error
}

func (l fixedLimits) GetMaxConnectionsToDestination(context.Context, string, mta.Identity) (int, error) {
	return l.max, l.err
}

type blockedHosts map[string]bool

func (b blockedHosts) IsUnavailable(_ context.Context, _ mta.Identity, host string) bool {
	return b[host]
}

var identity = mta.Identity{ID: 1, Address: net.ParseIP("192.0.2.10")}

func mx(hosts ...string) []mta.MXRecord {
	out := make([]mta.MXRecord, len(hosts))
	for i, h := range hosts {
		out[i] = mta.MXRecord{Host: h, Preference: (i + 1) * 10}
	}
	return out
}

type deferrals struct {
	mu      sync.Mutex
	reasons []string
}

func (d *deferrals) onDefer(reason string) {
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}

func (d *deferrals) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...)
}

func TestConnectionReuse(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 1}, nil)
	var d deferrals

	c1, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.Equal(t, "mx.example.com", c1.Host())

	p.Release(c1)

	c2, err := p.Acquire(ctx, identity, mx("MX.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dialer.count())
	assert.Empty(t, d.list())
}

func TestConnectionCapEnforced(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 2}, nil)
	var d deferrals

	for i := 0; i < 2; i++ {
		c, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	c, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 2, dialer.count(), "no connect attempted at capacity")
	assert.Empty(t, d.list(), "capacity exhaustion is not a deferral")

	// other identities have their own capacity
	c, err = p.Acquire(ctx, mta.Identity{ID: 2}, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestAttemptThrottling(t *testing.T) {
	ctx := context.Background()
	const attemptCap = 2
	dialer := &fakeDialer{block: make(chan struct{}), started: make(chan struct{}, attemptCap)}
	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = attemptCap
	p := New(cfg, dialer, fixedLimits{max: 10}, nil)
	var d deferrals

	var wg sync.WaitGroup
	for _, host := range []string{"mx1.example.com", "mx2.example.net"} {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			c, err := p.Acquire(ctx, identity, mx(host), d.onDefer)
			assert.NoError(t, err)
			assert.NotNil(t, c)
		}(host)
	}
	for i := 0; i < attemptCap; i++ {
		<-dialer.started
	}

	c, err := p.Acquire(ctx, identity, mx("mx3.example.org"), d.onDefer)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, attemptCap, dialer.count(), "attempt beyond the cap must not dial")
	assert.Equal(t, attemptCap, p.Stats().AttemptsInFlight)

	close(dialer.block)
	wg.Wait()
	assert.Equal(t, 0, p.Stats().AttemptsInFlight)
	assert.Empty(t, d.list())
}

func TestCapacityCountsAttemptsToOtherDestinations(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 1}, nil)
	var d deferrals

	done := make(chan *Conn)
	go func() {
		c, err := p.Acquire(ctx, identity, mx("slow.example.net"), d.onDefer)
		assert.NoError(t, err)
		done <- c
	}()
	<-dialer.started
	require.Equal(t, 1, p.Stats().AttemptsInFlight)

	c, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.Nil(t, c, "in-use 0 plus 1 attempt in flight reaches a limit of 1")
	assert.Equal(t, 1, dialer.count(), "no dial to mx.example.com")
	assert.Empty(t, d.list())

	close(dialer.block)
	require.NotNil(t, <-done)

	c, err = p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.NotNil(t, c, "capacity frees up once the other attempt completes")
}

func TestServiceUnavailableStopsAcquisition(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 5}, blockedHosts{"mx1.example.com": true})
	var d deferrals

	c, err := p.Acquire(ctx, identity, mx("mx1.example.com", "mx2.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, []string{ReasonServiceUnavailable}, d.list())
	assert.Zero(t, dialer.count(), "secondary candidates are not tried")
}

func TestConnectFailureTriesNextCandidate(t *testing.T) {
	ctx := context.Background()

	t.Run("falls through to next candidate", func(t *testing.T) {
		dialer := &fakeDialer{fail: map[string]bool{"mx1.example.com": true}}
		p := New(DefaultConfig(), dialer, fixedLimits{max: 5}, nil)
		var d deferrals

		c, err := p.Acquire(ctx, identity, mx("mx1.example.com", "mx2.example.com"), d.onDefer)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "mx2.example.com", c.Host())
		assert.Empty(t, d.list())
		assert.Equal(t, 0, p.Stats().AttemptsInFlight)
	})

	t.Run("defers when every candidate fails", func(t *testing.T) {
		dialer := &fakeDialer{fail: map[string]bool{"mx1.example.com": true, "mx2.example.com": true}}
		p := New(DefaultConfig(), dialer, fixedLimits{max: 5}, nil)
		var d deferrals

		c, err := p.Acquire(ctx, identity, mx("mx1.example.com", "mx2.example.com"), d.onDefer)
		require.NoError(t, err)
		assert.Nil(t, c)
		assert.Equal(t, []string{ReasonConnectFailed}, d.list())
		assert.Equal(t, 2, dialer.count())

		for _, ds := range p.Stats().Destinations {
			assert.Zero(t, ds.Dialing)
			assert.Zero(t, ds.InUse)
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		p := New(DefaultConfig(), &fakeDialer{}, fixedLimits{max: 5}, nil)
		var d deferrals
		c, err := p.Acquire(ctx, identity, nil, d.onDefer)
		require.NoError(t, err)
		assert.Nil(t, c)
		assert.Equal(t, []string{ReasonNoCandidates}, d.list())
	})
}

func TestDeadConnectionsAreNotReused(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 1}, nil)
	var d deferrals

	c1, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	p.Release(c1)

	c1.Session.(*fakeSession).dead.Store(true)
	c2, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, int32(1), c1.Session.(*fakeSession).closed.Load())

	// releasing a dead connection closes it instead of queueing it
	c2.Session.(*fakeSession).dead.Store(true)
	p.Release(c2)
	assert.Zero(t, p.Stats().Destinations)
	assert.Equal(t, int32(1), c2.Session.(*fakeSession).closed.Load())
}

func TestPurgeRemovesDeadInUseConnections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dialer := &fakeDialer{}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 1}, nil)
	p.now = func() time.Time { return now }
	var d deferrals

	c1, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	c1.Session.(*fakeSession).dead.Store(true)

	c, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	assert.Nil(t, c, "purge is not due yet, dead connection still counts")

	now = now.Add(31 * time.Second)
	c2, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	require.NotNil(t, c2)

	// releasing the purged connection is a no-op
	p.Release(c1)
	p.Release(c2)
	stats := p.Stats()
	require.Len(t, stats.Destinations, 1)
	assert.Equal(t, 1, stats.Destinations[0].Idle)
	assert.Equal(t, 0, stats.Destinations[0].InUse)
}

func TestReleaseTwiceDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	p := New(DefaultConfig(), &fakeDialer{}, fixedLimits{max: 1}, nil)
	var d deferrals

	c, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	p.Release(c)
	p.Release(c)
	assert.Equal(t, 1, p.Stats().Destinations[0].Idle)
}

func TestDiscardFreesCapacity(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{}
	p := New(DefaultConfig(), dialer, fixedLimits{max: 1}, nil)
	var d deferrals

	c1, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	p.Discard(c1)
	assert.Equal(t, int32(1), c1.Session.(*fakeSession).closed.Load())

	c2, err := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, dialer.count())
}

func TestFatalLimitErrorPropagates(t *testing.T) {
	fatal := &rules.FatalError{Host: "mx.example.com", Err: rules.ErrNoDefaultPattern}
	p := New(DefaultConfig(), &fakeDialer{}, fixedLimits{err: fatal}, nil)
	var d deferrals

	c, err := p.Acquire(context.Background(), identity, mx("mx.example.com"), d.onDefer)
	assert.Nil(t, c)
	assert.True(t, rules.IsFatal(err))
	assert.Empty(t, d.list())
}

func TestSweepClosesIdleConnections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(Config{IdleTimeout: time.Minute}, &fakeDialer{}, fixedLimits{max: 2}, nil)
	p.now = func() time.Time { return now }
	var d deferrals

	c1, _ := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	c2, _ := p.Acquire(ctx, identity, mx("mx.example.com"), d.onDefer)
	p.Release(c1)
	now = now.Add(45 * time.Second)
	p.Release(c2)

	now = now.Add(30 * time.Second)
	p.Sweep()

	assert.Equal(t, int32(1), c1.Session.(*fakeSession).closed.Load())
	assert.Zero(t, c2.Session.(*fakeSession).closed.Load())
	assert.Equal(t, 1, p.Stats().Destinations[0].Idle)

	p.Close()
	assert.Equal(t, int32(1), c2.Session.(*fakeSession).closed.Load())
}

func TestConcurrentAcquireRespectsLimit(t *testing.T) {
	ctx := context.Background()
	const limit = 3
	p := New(DefaultConfig(), &fakeDialer{}, fixedLimits{max: limit}, nil)

	var (
		held    atomic.Int32
		maxHeld atomic.Int32
		wg      sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c, err := p.Acquire(ctx, identity, mx("mx.example.com"), func(string) {})
				if !assert.NoError(t, err) {
					return
				}
				if c == nil {
					continue
				}
				n := held.Add(1)
				for {
					m := maxHeld.Load()
					if n <= m || maxHeld.CompareAndSwap(m, n) {
						break
					}
				}
				held.Add(-1)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHeld.Load(), int32(limit))
	st := p.Stats()
	require.Len(t, st.Destinations, 1)
	assert.LessOrEqual(t, st.Destinations[0].Idle, limit)
	assert.Zero(t, st.Destinations[0].InUse)
}
