package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mjl-/adns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/outbound/internal/mta"
)

func newTestResolver(mx map[string][]*net.MX, hosts map[string][]string) (*Resolver, *int) {
	calls := 0
	r := NewResolver(Config{Retries: 1})
	r.lookupMX = func(_ context.Context, name string) ([]*net.MX, adns.Result, error) {
		calls++
		records, ok := mx[name]
		if !ok {
			return nil, adns.Result{}, &adns.DNSError{Err: "no such host", Name: name, IsNotFound: true}
		}
		return records, adns.Result{}, nil
	}
	r.lookupHost = func(_ context.Context, name string) ([]string, adns.Result, error) {
		addrs, ok := hosts[name]
		if !ok {
			return nil, adns.Result{}, &adns.DNSError{Err: "no such host", Name: name, IsNotFound: true}
		}
		return addrs, adns.Result{}, nil
	}
	return r, &calls
}

func TestLookupMXSortsAndCaches(t *testing.T) {
	ctx := context.Background()
	r, calls := newTestResolver(map[string][]*net.MX{
		"example.com": {
			{Host: "mx2.example.com.", Pref: 20},
			{Host: "MX1.example.com.", Pref: 10},
		},
	}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	records, err := r.LookupMX(ctx, "Example.com")
	require.NoError(t, err)
	assert.Equal(t, []mta.MXRecord{
		{Host: "mx1.example.com", Preference: 10},
		{Host: "mx2.example.com", Preference: 20},
	}, records)

	_, err = r.LookupMX(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls, "second lookup served from cache")

	now = now.Add(6 * time.Minute)
	_, err = r.LookupMX(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, *calls, "expired entry is looked up again")
}

func TestLookupMXImplicitAndMissing(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(map[string][]*net.MX{
		"nullmx.example": {{Host: ".", Pref: 0}},
	}, map[string][]string{
		"bare.example": {"192.0.2.25"},
	})

	records, err := r.LookupMX(ctx, "bare.example")
	require.NoError(t, err)
	assert.Equal(t, []mta.MXRecord{{Host: "bare.example", Preference: 0}}, records)

	_, err = r.LookupMX(ctx, "nowhere.example")
	assert.ErrorIs(t, err, ErrNoDestination)
	assert.False(t, Temporary(err))

	_, err = r.LookupMX(ctx, "nullmx.example")
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestLookupMXTemporaryFailure(t *testing.T) {
	r := NewResolver(Config{Retries: 1})
	r.lookupMX = func(context.Context, string) ([]*net.MX, adns.Result, error) {
		return nil, adns.Result{}, &adns.DNSError{Err: "server misbehaving", IsTemporary: true}
	}
	_, err := r.LookupMX(context.Background(), "example.com")
	require.Error(t, err)
	assert.True(t, Temporary(err))
	var dnsErr *adns.DNSError
	assert.True(t, errors.As(err, &dnsErr))
}
