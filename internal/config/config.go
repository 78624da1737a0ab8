// Package config loads the engine configuration from TOML.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/busybox42/outbound/internal/cache"
	"github.com/busybox42/outbound/internal/delivery"
	"github.com/busybox42/outbound/internal/dns"
	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/pool"
	"github.com/busybox42/outbound/internal/queue"
	"github.com/busybox42/outbound/internal/store"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration. Durations are whole
// seconds.
type Config struct {
	Engine struct {
		Hostname     string  `toml:"hostname"`
		DataDir      string  `toml:"data_dir"`
		Enabled      bool    `toml:"enabled"`
		Interval     int     `toml:"interval"`
		Workers      int     `toml:"workers"`
		BatchSize    int     `toml:"batch_size"`
		PickupRate   float64 `toml:"pickup_rate"`
		Discard      bool    `toml:"discard"`
		DefaultGroup int     `toml:"default_group"`
	} `toml:"engine"`

	Store struct {
		Type     string            `toml:"type"`
		Host     string            `toml:"host"`
		Port     int               `toml:"port"`
		Database string            `toml:"database"`
		Username string            `toml:"username"`
		Password string            `toml:"password"`
		Options  map[string]string `toml:"options"`
	} `toml:"store"`

	Cache struct {
		Type     string   `toml:"type"`
		Host     string   `toml:"host"`
		Port     int      `toml:"port"`
		Password string   `toml:"password"`
		Database int      `toml:"database"`
		Servers  []string `toml:"servers"`
		Timeout  int      `toml:"timeout"`
	} `toml:"cache"`

	Pool struct {
		MaxConnectAttempts int `toml:"max_connect_attempts"`
		PurgeInterval      int `toml:"purge_interval"`
		IdleTimeout        int `toml:"idle_timeout"`
	} `toml:"pool"`

	Rules struct {
		Source         string `toml:"source"` // db or file
		File           string `toml:"file"`
		SeedDefault    bool   `toml:"seed_default"`
		ReloadInterval int    `toml:"reload_interval"`
		Freshness      int    `toml:"freshness"`
	} `toml:"rules"`

	Retry struct {
		Schedule         []int `toml:"schedule"`
		ThrottleDelay    int   `toml:"throttle_delay"`
		MaxQueueTime     int   `toml:"max_queue_time"`
		UnavailableBlock int   `toml:"unavailable_block"`
	} `toml:"retry"`

	SMTP struct {
		Port                  int    `toml:"port"`
		ConnectTimeout        int    `toml:"connect_timeout"`
		MessageTimeout        int    `toml:"message_timeout"`
		TLS                   bool   `toml:"tls"`
		TLSMinVersion         string `toml:"tls_min_version"`
		TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
	} `toml:"smtp"`

	DNS struct {
		CacheTTL  int `toml:"cache_ttl"`
		CacheSize int `toml:"cache_size"`
		Timeout   int `toml:"timeout"`
		Retries   int `toml:"retries"`
	} `toml:"dns"`

	Identities []IdentityConfig `toml:"identities"`
	Groups     []GroupConfig    `toml:"groups"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"logging"`

	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"api"`

	Metrics struct {
		ValkeyAddr     string `toml:"valkey_addr"`
		ValkeyPassword string `toml:"valkey_password"`
	} `toml:"metrics"`
}

// IdentityConfig declares one sending identity.
type IdentityConfig struct {
	ID       int    `toml:"id"`
	Address  string `toml:"address"`
	Hostname string `toml:"hostname"`
}

// GroupConfig declares an identity group by identity ids.
type GroupConfig struct {
	ID         int    `toml:"id"`
	Name       string `toml:"name"`
	Identities []int  `toml:"identities"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.Hostname = "localhost"
	cfg.Engine.DataDir = "/var/spool/outbound"
	cfg.Engine.Enabled = true
	cfg.Engine.Interval = 10
	cfg.Engine.Workers = 5
	cfg.Engine.BatchSize = 50
	cfg.Engine.PickupRate = 5
	cfg.Engine.Discard = true
	cfg.Engine.DefaultGroup = 1

	cfg.Store.Type = "sqlite"
	cfg.Store.Database = "/var/lib/outbound/outbound.db"

	cfg.Cache.Type = "memory"
	cfg.Cache.Timeout = 2

	def := pool.DefaultConfig()
	cfg.Pool.MaxConnectAttempts = def.MaxConnectAttempts
	cfg.Pool.PurgeInterval = int(def.PurgeInterval.Seconds())
	cfg.Pool.IdleTimeout = int(def.IdleTimeout.Seconds())

	cfg.Rules.Source = "db"
	cfg.Rules.SeedDefault = true
	cfg.Rules.Freshness = 300

	cfg.Retry.Schedule = []int{60, 300, 900, 3600, 10800, 21600} // 1m, 5m, 15m, 1h, 3h, 6h
	cfg.Retry.ThrottleDelay = 60
	cfg.Retry.MaxQueueTime = 72 * 3600
	cfg.Retry.UnavailableBlock = 60

	cfg.SMTP.Port = 25
	cfg.SMTP.ConnectTimeout = 30
	cfg.SMTP.MessageTimeout = 300
	cfg.SMTP.TLS = true
	cfg.SMTP.TLSMinVersion = "1.2"

	cfg.DNS.CacheTTL = 300
	cfg.DNS.CacheSize = 10000
	cfg.DNS.Timeout = 10
	cfg.DNS.Retries = 3

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8025"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./outbound.toml",
		"./config/outbound.toml",
		os.ExpandEnv("$HOME/.outbound.toml"),
		"/etc/outbound/outbound.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", os.ErrNotExist
}

// LoadConfig loads a configuration from a file. Without an explicit path and
// without a file in the default locations the defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath == "" {
			return cfg, nil
		}
		return nil, err
	}

	if err := sv.ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	// Relative paths are relative to the config file.
	base := filepath.Dir(configFile)
	if cfg.Engine.DataDir != "" && !filepath.IsAbs(cfg.Engine.DataDir) {
		cfg.Engine.DataDir = filepath.Join(base, cfg.Engine.DataDir)
	}
	if cfg.Rules.File != "" && !filepath.IsAbs(cfg.Rules.File) {
		cfg.Rules.File = filepath.Join(base, cfg.Rules.File)
	}

	result := cfg.Validate()
	if !result.Valid {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateEngine(result, sv)
	c.validateStore(result, sv)
	c.validateCache(result)
	c.validateRules(result, sv)
	c.validateRetry(result, sv)
	c.validateSMTP(result, sv)
	c.validateIdentities(result, sv)

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	if c.API.Enabled {
		if err := sv.ValidateNetworkAddress(c.API.Listen, "api.listen"); err != nil {
			result.AddError("api.listen", c.API.Listen, err.Error())
		}
	}
	return result
}

func (c *Config) validateEngine(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateHostname(c.Engine.Hostname, "engine.hostname"); err != nil {
		result.AddError("engine.hostname", c.Engine.Hostname, err.Error())
	}
	if err := sv.ValidatePath(c.Engine.DataDir, "engine.data_dir"); err != nil {
		result.AddError("engine.data_dir", c.Engine.DataDir, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Engine.Workers), "engine.workers", 1, int64(sv.config.MaxWorkers)); err != nil {
		result.AddError("engine.workers", c.Engine.Workers, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Engine.BatchSize), "engine.batch_size", 1, 10000); err != nil {
		result.AddError("engine.batch_size", c.Engine.BatchSize, err.Error())
	}
	if c.Engine.Interval < 1 {
		result.AddError("engine.interval", c.Engine.Interval, "interval must be at least one second")
	}
	if c.Engine.PickupRate < 0 {
		result.AddError("engine.pickup_rate", c.Engine.PickupRate, "pickup rate cannot be negative")
	}
	if c.Engine.BatchSize < c.Engine.Workers {
		result.AddWarning("engine.batch_size", c.Engine.BatchSize, "batch size below worker count leaves workers idle")
	}
}

func (c *Config) validateStore(result *ValidationResult, sv *SecurityValidator) {
	switch c.Store.Type {
	case "sqlite", "":
		if c.Store.Database == "" {
			result.AddError("store.database", c.Store.Database, "sqlite database path is required")
		}
	case "postgres", "mysql":
		if err := sv.ValidateHostname(c.Store.Host, "store.host"); err != nil {
			result.AddError("store.host", c.Store.Host, err.Error())
		}
		if c.Store.Port != 0 {
			if err := sv.ValidatePort(c.Store.Port, "store.port"); err != nil {
				result.AddError("store.port", c.Store.Port, err.Error())
			}
		}
		if c.Store.Database == "" {
			result.AddError("store.database", c.Store.Database, "database name is required")
		}
	case "memory":
		result.AddWarning("store.type", c.Store.Type, "memory store loses the queue on restart")
	default:
		result.AddError("store.type", c.Store.Type, "must be sqlite, postgres, mysql or memory")
	}
}

func (c *Config) validateCache(result *ValidationResult) {
	switch c.Cache.Type {
	case "memory", "":
	case "redis", "memcached":
		if c.Cache.Host == "" && len(c.Cache.Servers) == 0 {
			result.AddError("cache.host", c.Cache.Host, "cache host is required")
		}
	default:
		result.AddError("cache.type", c.Cache.Type, "must be memory, redis or memcached")
	}
}

func (c *Config) validateRules(result *ValidationResult, sv *SecurityValidator) {
	switch c.Rules.Source {
	case "db", "":
	case "file":
		if c.Rules.File == "" {
			result.AddError("rules.file", c.Rules.File, "rules file is required when source is file")
		} else if err := sv.ValidatePath(c.Rules.File, "rules.file"); err != nil {
			result.AddError("rules.file", c.Rules.File, err.Error())
		}
	default:
		result.AddError("rules.source", c.Rules.Source, "must be db or file")
	}
	if c.Rules.ReloadInterval < 0 {
		result.AddError("rules.reload_interval", c.Rules.ReloadInterval, "cannot be negative")
	}
}

func (c *Config) validateRetry(result *ValidationResult, sv *SecurityValidator) {
	if len(c.Retry.Schedule) == 0 {
		result.AddError("retry.schedule", c.Retry.Schedule, "at least one retry interval is required")
	}
	for i, s := range c.Retry.Schedule {
		if err := sv.ValidateNumericBounds(int64(s), fmt.Sprintf("retry.schedule[%d]", i), 1, 7*24*3600); err != nil {
			result.AddError("retry.schedule", s, err.Error())
		}
	}
	if c.Retry.MaxQueueTime < 0 {
		result.AddError("retry.max_queue_time", c.Retry.MaxQueueTime, "cannot be negative")
	}
}

func (c *Config) validateSMTP(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidatePort(c.SMTP.Port, "smtp.port"); err != nil {
		result.AddError("smtp.port", c.SMTP.Port, err.Error())
	}
	switch c.SMTP.TLSMinVersion {
	case "", "1.0", "1.1", "1.2", "1.3":
	default:
		result.AddError("smtp.tls_min_version", c.SMTP.TLSMinVersion, "must be 1.0, 1.1, 1.2 or 1.3")
	}
	if c.SMTP.TLSInsecureSkipVerify {
		result.AddWarning("smtp.tls_insecure_skip_verify", true, "certificate verification is disabled")
	}
}

func (c *Config) validateIdentities(result *ValidationResult, sv *SecurityValidator) {
	ids := make(map[int]bool)
	for _, id := range c.Identities {
		if ids[id.ID] {
			result.AddError("identities.id", id.ID, "duplicate identity id")
		}
		ids[id.ID] = true
		if id.Address != "" && net.ParseIP(id.Address) == nil {
			result.AddError("identities.address", id.Address, "not an IP address")
		}
		if id.Hostname != "" {
			if err := sv.ValidateHostname(id.Hostname, "identities.hostname"); err != nil {
				result.AddError("identities.hostname", id.Hostname, err.Error())
			}
		}
	}
	for _, g := range c.Groups {
		if len(g.Identities) == 0 {
			result.AddError("groups.identities", g.ID, "group has no identities")
		}
		for _, ref := range g.Identities {
			if !ids[ref] {
				result.AddError("groups.identities", ref, fmt.Sprintf("group %d references an unknown identity", g.ID))
			}
		}
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// StoreConfig returns the message store settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:     c.Store.Type,
		Host:     c.Store.Host,
		Port:     c.Store.Port,
		Database: c.Store.Database,
		Username: c.Store.Username,
		Password: c.Store.Password,
		Options:  c.Store.Options,
	}
}

// CacheConfig returns the shared cache settings.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Type:     c.Cache.Type,
		Host:     c.Cache.Host,
		Port:     c.Cache.Port,
		Password: c.Cache.Password,
		Database: c.Cache.Database,
		Servers:  c.Cache.Servers,
		Timeout:  seconds(c.Cache.Timeout),
	}
}

// PoolConfig returns the connection pool settings.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxConnectAttempts: c.Pool.MaxConnectAttempts,
		PurgeInterval:      seconds(c.Pool.PurgeInterval),
		IdleTimeout:        seconds(c.Pool.IdleTimeout),
	}
}

// QueueConfig returns the queue manager settings.
func (c *Config) QueueConfig() queue.Config {
	qc := queue.DefaultConfig()
	qc.RetrySchedule = make([]time.Duration, len(c.Retry.Schedule))
	for i, s := range c.Retry.Schedule {
		qc.RetrySchedule[i] = seconds(s)
	}
	qc.ThrottleDelay = seconds(c.Retry.ThrottleDelay)
	qc.MaxQueueTime = seconds(c.Retry.MaxQueueTime)
	return qc
}

// ProcessorConfig returns the queue processor settings.
func (c *Config) ProcessorConfig() queue.ProcessorConfig {
	return queue.ProcessorConfig{
		Enabled:       c.Engine.Enabled,
		Interval:      seconds(c.Engine.Interval),
		MaxConcurrent: c.Engine.Workers,
		BatchSize:     c.Engine.BatchSize,
		PickupRate:    c.Engine.PickupRate,
		Discard:       c.Engine.Discard,
	}
}

// DialerConfig returns the SMTP connection settings.
func (c *Config) DialerConfig() delivery.DialerConfig {
	return delivery.DialerConfig{
		Port:                  c.SMTP.Port,
		ConnectTimeout:        seconds(c.SMTP.ConnectTimeout),
		MessageTimeout:        seconds(c.SMTP.MessageTimeout),
		TLSEnabled:            c.SMTP.TLS,
		TLSMinVersion:         c.SMTP.TLSMinVersion,
		TLSInsecureSkipVerify: c.SMTP.TLSInsecureSkipVerify,
	}
}

// DNSConfig returns the resolver settings.
func (c *Config) DNSConfig() dns.Config {
	return dns.Config{
		CacheTTL:  seconds(c.DNS.CacheTTL),
		CacheSize: c.DNS.CacheSize,
		Timeout:   seconds(c.DNS.Timeout),
		Retries:   c.DNS.Retries,
	}
}

// Registry builds the identity groups. Without configured identities a
// single wildcard-address identity announcing the engine hostname forms
// group 1.
func (c *Config) Registry() (*mta.Registry, error) {
	if len(c.Identities) == 0 {
		g := &mta.Group{ID: 1, Name: "default", Identities: []mta.Identity{{ID: 1, Hostname: c.Engine.Hostname}}}
		return mta.NewRegistry([]*mta.Group{g}, 1)
	}

	byID := make(map[int]mta.Identity, len(c.Identities))
	for _, ic := range c.Identities {
		id := mta.Identity{ID: ic.ID, Hostname: ic.Hostname}
		if ic.Address != "" {
			id.Address = net.ParseIP(ic.Address)
			if id.Address == nil {
				return nil, fmt.Errorf("identity %d: invalid address %q", ic.ID, ic.Address)
			}
		}
		if id.Hostname == "" {
			id.Hostname = c.Engine.Hostname
		}
		byID[ic.ID] = id
	}

	groupConfigs := c.Groups
	if len(groupConfigs) == 0 {
		all := GroupConfig{ID: c.Engine.DefaultGroup, Name: "default"}
		for _, ic := range c.Identities {
			all.Identities = append(all.Identities, ic.ID)
		}
		groupConfigs = []GroupConfig{all}
	}

	groups := make([]*mta.Group, 0, len(groupConfigs))
	for _, gc := range groupConfigs {
		g := &mta.Group{ID: gc.ID, Name: gc.Name}
		for _, ref := range gc.Identities {
			id, ok := byID[ref]
			if !ok {
				return nil, fmt.Errorf("group %d references unknown identity %d", gc.ID, ref)
			}
			g.Identities = append(g.Identities, id)
		}
		groups = append(groups, g)
	}
	return mta.NewRegistry(groups, c.Engine.DefaultGroup)
}
