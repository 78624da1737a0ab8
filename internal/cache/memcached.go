package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	config Config
	client *memcache.Client
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect(context.Context) error {
	if m.client != nil {
		return nil
	}

	var servers []string
	if m.config.Host != "" {
		port := m.config.Port
		if port == 0 {
			port = 11211 // Default Memcached port
		}
		servers = append(servers, fmt.Sprintf("%s:%d", m.config.Host, port))
	}
	servers = append(servers, m.config.Servers...)
	if len(servers) == 0 {
		servers = append(servers, "localhost:11211")
	}

	client := memcache.New(servers...)
	if m.config.Timeout > 0 {
		client.Timeout = m.config.Timeout
	}
	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.client = client
	return nil
}

// Close drops the client. gomemcache has no persistent session to tear down.
func (m *Memcached) Close() error {
	m.client = nil
	return nil
}

func (m *Memcached) Type() string {
	return "memcached"
}

func seconds(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	s := int32(ttl / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}

func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if m.client == nil {
		return "", ErrNotConnected
	}
	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(it.Value), nil
}

func (m *Memcached) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.client == nil {
		return false, ErrNotConnected
	}
	err := m.client.Add(&memcache.Item{Key: key, Value: []byte(value), Expiration: seconds(ttl)})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Exists(_ context.Context, key string) (bool, error) {
	if m.client == nil {
		return false, ErrNotConnected
	}
	_, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Delete(_ context.Context, key string) error {
	if m.client == nil {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Incr uses add to create the counter so two racing creators cannot both
// start at one.
func (m *Memcached) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if m.client == nil {
		return 0, ErrNotConnected
	}
	for attempt := 0; attempt < 3; attempt++ {
		n, err := m.client.Increment(key, 1)
		if err == nil {
			return int64(n), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, err
		}
		err = m.client.Add(&memcache.Item{Key: key, Value: []byte(strconv.Itoa(1)), Expiration: seconds(ttl)})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("memcached: could not increment %s", key)
}
