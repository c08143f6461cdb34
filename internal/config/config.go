// Package config loads and validates the relay's runtime configuration.
//
// The canonical form is a JSON/YAML config file written by the settings UI.
// The same document, posted to the admin surface, drives hot reload: Parse
// accepts the full document, fills defaults, migrates legacy fields and
// validates before anything is applied.
//
// Environment variables override file values and use the RELAY_ prefix with
// underscores for nesting: cache_mode becomes RELAY_CACHE_MODE, rate_limit.rpm
// becomes RELAY_RATE_LIMIT_RPM. Providers are list-shaped and only come from
// the file or the reload document, never from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Default values applied wherever the document leaves a field unset.
const (
	DefaultAnthropicPort = 12345
	DefaultResponsesPort = 12346
	DefaultChatPort      = 12347
	DefaultAdminAddr     = "127.0.0.1:12348"

	DefaultCacheTTLSeconds = 600
	DefaultCacheMaxEntries = 1000
	DefaultCooldownSeconds = 60

	DefaultSQLitePath = "requests.db"
)

// Config is the full relay configuration. The flat fields mirror the
// document the settings UI persists; the nested blocks are relay-side
// extensions the UI does not manage.
type Config struct {
	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string `json:"log_level" mapstructure:"log_level"`

	// Per-surface listening ports. Zero means unset, filled with the
	// defaults after legacy migration.
	AnthropicPort int `json:"anthropic_port" mapstructure:"anthropic_port"`
	ResponsesPort int `json:"responses_port" mapstructure:"responses_port"`
	ChatPort      int `json:"chat_port" mapstructure:"chat_port"`

	// Per-surface enable flags. All default to true.
	AnthropicEnabled bool `json:"anthropic_enabled" mapstructure:"anthropic_enabled"`
	ResponsesEnabled bool `json:"responses_enabled" mapstructure:"responses_enabled"`
	ChatEnabled      bool `json:"chat_enabled" mapstructure:"chat_enabled"`

	// Port and Enabled are the retired single-listener fields. When none of
	// the per-surface ports is set they migrate onto the Anthropic surface.
	Port    int  `json:"port" mapstructure:"port"`
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Providers is the ordered upstream list. Order matters: it breaks
	// routing ties deterministically.
	Providers []providers.Provider `json:"providers" mapstructure:"providers"`

	// FallbackEnabled lets the dispatcher try the next eligible provider
	// after a failed attempt instead of failing the request.
	FallbackEnabled bool `json:"fallback_enabled" mapstructure:"fallback_enabled"`

	// Response cache controls. Mode selects the backend:
	//   "memory" — in-process LRU+TTL store (default, no external deps)
	//   "redis"  — shared Redis store, requires redis.url
	//   "none"   — caching disabled
	// CacheEnabled=false is the legacy way to spell mode "none".
	CacheEnabled         bool     `json:"cache_enabled" mapstructure:"cache_enabled"`
	CacheMode            string   `json:"cache_mode" mapstructure:"cache_mode"`
	CacheTTLSeconds      int      `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
	CacheMaxEntries      int      `json:"cache_max_entries" mapstructure:"cache_max_entries"`
	CacheExcludeExact    []string `json:"cache_exclude_exact" mapstructure:"cache_exclude_exact"`
	CacheExcludePatterns []string `json:"cache_exclude_patterns" mapstructure:"cache_exclude_patterns"`

	// CircuitBreakerCooldownSeconds is how long a failed provider is held
	// out of routing before the next trial request.
	CircuitBreakerCooldownSeconds int `json:"circuit_breaker_cooldown_seconds" mapstructure:"circuit_breaker_cooldown_seconds"`

	// Admin is the local telemetry/control surface.
	Admin AdminConfig `json:"admin" mapstructure:"admin"`

	// Redis backs the redis cache mode and the rate limiter.
	Redis RedisConfig `json:"redis" mapstructure:"redis"`

	// RateLimit caps requests per client IP per minute. Zero disables it; it
	// also stays off while redis.url is empty.
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	// RequestLog selects the persistent request-log sink.
	RequestLog RequestLogConfig `json:"request_log" mapstructure:"request_log"`

	// CORSOrigins is the list of allowed CORS origins on the proxy surfaces.
	// ["*"] (the default) allows any origin.
	CORSOrigins []string `json:"cors_origins" mapstructure:"cors_origins"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	// Addr is the listen address. Default: 127.0.0.1:12348. The admin
	// surface has no client auth, keep it loopback-only.
	Addr    string `json:"addr" mapstructure:"addr"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// RedisConfig holds the Redis connection URL (redis:// or rediss://).
type RedisConfig struct {
	URL string `json:"url" mapstructure:"url"`
}

// RateLimitConfig controls per-client-IP request rate limiting.
type RateLimitConfig struct {
	// RPM is the allowed requests per minute per client IP. 0 disables.
	RPM int `json:"rpm" mapstructure:"rpm"`
}

// RequestLogConfig selects where finished-request records are persisted.
// Structured logs are always emitted regardless of mode.
type RequestLogConfig struct {
	// Mode is one of:
	//   "off"        — no persistent sink
	//   "history"    — local SQLite file (sqlite_path)
	//   "clickhouse" — ClickHouse batch writer (clickhouse block)
	Mode       string           `json:"mode" mapstructure:"mode"`
	SQLitePath string           `json:"sqlite_path" mapstructure:"sqlite_path"`
	ClickHouse ClickHouseConfig `json:"clickhouse" mapstructure:"clickhouse"`
}

// ClickHouseConfig holds the ClickHouse sink connection settings.
type ClickHouseConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Database string `json:"database" mapstructure:"database"`
	Username string `json:"username" mapstructure:"username"`
	// Password must never appear in logs.
	Password string `json:"password" mapstructure:"password"`
}

// defaultConfig seeds every field whose zero value is not the default, so
// that decoding a partial document leaves the documented defaults in place.
// Ports stay zero here: legacy migration needs to see whether they were set.
func defaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		AnthropicEnabled: true,
		ResponsesEnabled: true,
		ChatEnabled:      true,
		Enabled:          true,

		FallbackEnabled: true,

		CacheEnabled:    true,
		CacheMode:       "memory",
		CacheTTLSeconds: DefaultCacheTTLSeconds,
		CacheMaxEntries: DefaultCacheMaxEntries,

		CircuitBreakerCooldownSeconds: DefaultCooldownSeconds,

		Admin: AdminConfig{
			Addr:    DefaultAdminAddr,
			Enabled: true,
		},

		RequestLog: RequestLogConfig{
			Mode:       "off",
			SQLitePath: DefaultSQLitePath,
		},

		CORSOrigins: []string{"*"},
	}
}

// Load reads configuration from the config file (config.json or config.yaml
// in the working directory, or the file named by RELAY_CONFIG) and the
// environment. A missing config file is fine: the relay starts with defaults
// and an empty provider list.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	// Surface ports are intentionally absent: zero marks them unset for the
	// legacy port migration.
	v.SetDefault("log_level", "info")
	v.SetDefault("anthropic_enabled", true)
	v.SetDefault("responses_enabled", true)
	v.SetDefault("chat_enabled", true)
	v.SetDefault("enabled", true)
	v.SetDefault("fallback_enabled", true)
	v.SetDefault("cache_enabled", true)
	v.SetDefault("cache_mode", "memory")
	v.SetDefault("cache_ttl_seconds", DefaultCacheTTLSeconds)
	v.SetDefault("cache_max_entries", DefaultCacheMaxEntries)
	v.SetDefault("circuit_breaker_cooldown_seconds", DefaultCooldownSeconds)
	v.SetDefault("admin.addr", DefaultAdminAddr)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("rate_limit.rpm", 0)
	v.SetDefault("request_log.mode", "off")
	v.SetDefault("request_log.sqlite_path", DefaultSQLitePath)
	v.SetDefault("cors_origins", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		LogLevel: v.GetString("log_level"),

		AnthropicPort: v.GetInt("anthropic_port"),
		ResponsesPort: v.GetInt("responses_port"),
		ChatPort:      v.GetInt("chat_port"),

		AnthropicEnabled: v.GetBool("anthropic_enabled"),
		ResponsesEnabled: v.GetBool("responses_enabled"),
		ChatEnabled:      v.GetBool("chat_enabled"),

		Port:    v.GetInt("port"),
		Enabled: v.GetBool("enabled"),

		FallbackEnabled: v.GetBool("fallback_enabled"),

		CacheEnabled:         v.GetBool("cache_enabled"),
		CacheMode:            v.GetString("cache_mode"),
		CacheTTLSeconds:      v.GetInt("cache_ttl_seconds"),
		CacheMaxEntries:      v.GetInt("cache_max_entries"),
		CacheExcludeExact:    v.GetStringSlice("cache_exclude_exact"),
		CacheExcludePatterns: v.GetStringSlice("cache_exclude_patterns"),

		CircuitBreakerCooldownSeconds: v.GetInt("circuit_breaker_cooldown_seconds"),

		Admin: AdminConfig{
			Addr:    v.GetString("admin.addr"),
			Enabled: v.GetBool("admin.enabled"),
		},

		Redis: RedisConfig{URL: v.GetString("redis.url")},

		RateLimit: RateLimitConfig{RPM: v.GetInt("rate_limit.rpm")},

		RequestLog: RequestLogConfig{
			Mode:       v.GetString("request_log.mode"),
			SQLitePath: v.GetString("request_log.sqlite_path"),
			ClickHouse: ClickHouseConfig{
				Addr:     v.GetString("request_log.clickhouse.addr"),
				Database: v.GetString("request_log.clickhouse.database"),
				Username: v.GetString("request_log.clickhouse.username"),
				Password: v.GetString("request_log.clickhouse.password"),
			},
		},

		CORSOrigins: v.GetStringSlice("cors_origins"),
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a full configuration document, as posted to the admin reload
// endpoint. Fields absent from the document keep their defaults; the result
// is migrated and validated exactly like a file load.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills defaults the decode step could not express and migrates
// legacy fields. It runs before validate.
func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Retired single-listener fields: when no per-surface port is set, the
	// old port/enabled pair becomes the Anthropic surface.
	if c.AnthropicPort == 0 && c.ResponsesPort == 0 && c.ChatPort == 0 && c.Port != 0 {
		c.AnthropicPort = c.Port
		c.AnthropicEnabled = c.Enabled
	}
	c.Port = 0

	if c.AnthropicPort == 0 {
		c.AnthropicPort = DefaultAnthropicPort
	}
	if c.ResponsesPort == 0 {
		c.ResponsesPort = DefaultResponsesPort
	}
	if c.ChatPort == 0 {
		c.ChatPort = DefaultChatPort
	}

	// Cache: cache_enabled=false is the old spelling of mode "none". After
	// this block CacheMode is authoritative and CacheEnabled mirrors it.
	c.CacheMode = strings.ToLower(strings.TrimSpace(c.CacheMode))
	if c.CacheMode == "" {
		c.CacheMode = "memory"
	}
	if !c.CacheEnabled {
		c.CacheMode = "none"
	}
	c.CacheEnabled = c.CacheMode != "none"

	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = DefaultCacheMaxEntries
	}
	if c.CircuitBreakerCooldownSeconds <= 0 {
		c.CircuitBreakerCooldownSeconds = DefaultCooldownSeconds
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}

	c.RequestLog.Mode = strings.ToLower(strings.TrimSpace(c.RequestLog.Mode))
	if c.RequestLog.Mode == "" {
		c.RequestLog.Mode = "off"
	}
	if c.RequestLog.SQLitePath == "" {
		c.RequestLog.SQLitePath = DefaultSQLitePath
	}

	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		// Zero weight means unset. Taking a provider out of rotation is
		// spelled enabled=false.
		if p.Weight == 0 {
			p.Weight = providers.DefaultWeight
		}
		for j, t := range p.APITypes {
			p.APITypes[j] = canonicalAPIType(t)
		}
		if len(p.APITypes) == 0 {
			p.APITypes = providers.DefaultAPITypes(p.Name)
		}
	}
}

// canonicalAPIType maps legacy spellings of the protocol constants onto the
// current wire strings. Unknown values pass through for validate to reject.
func canonicalAPIType(t providers.APIType) providers.APIType {
	switch strings.ToLower(string(t)) {
	case "anthropic":
		return providers.APITypeAnthropic
	case "responses", "openairesponses", "openai_responses":
		return providers.APITypeResponses
	case "chat", "openaichat", "openai_chat":
		return providers.APITypeChat
	}
	return t
}

// validate checks every semantic constraint and reports all violations at
// once, one per line.
func (c *Config) validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel))
	}

	type surface struct {
		name    string
		port    int
		enabled bool
	}
	surfaces := []surface{
		{"anthropic", c.AnthropicPort, c.AnthropicEnabled},
		{"responses", c.ResponsesPort, c.ResponsesEnabled},
		{"chat", c.ChatPort, c.ChatEnabled},
	}
	seen := make(map[int]string, len(surfaces))
	for _, s := range surfaces {
		if s.port < 1 || s.port > 65535 {
			errs = append(errs, fmt.Errorf("config: %s_port %d out of range 1-65535", s.name, s.port))
			continue
		}
		if !s.enabled {
			continue
		}
		if other, dup := seen[s.port]; dup {
			errs = append(errs, fmt.Errorf("config: %s_port %d collides with %s_port", s.name, s.port, other))
			continue
		}
		seen[s.port] = s.name
	}

	switch c.CacheMode {
	case "memory", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("config: invalid cache_mode %q; must be one of: memory, redis, none", c.CacheMode))
	}
	if c.CacheMode == "redis" && c.Redis.URL == "" {
		errs = append(errs, errors.New("config: redis.url is required when cache_mode=redis; set cache_mode=memory for the in-process cache"))
	}

	for _, p := range c.CacheExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("config: invalid cache_exclude_patterns entry %q: %v", p, err))
		}
	}

	if c.RateLimit.RPM < 0 {
		errs = append(errs, fmt.Errorf("config: rate_limit.rpm must be >= 0, got %d", c.RateLimit.RPM))
	}

	switch c.RequestLog.Mode {
	case "off", "history", "clickhouse":
	default:
		errs = append(errs, fmt.Errorf("config: invalid request_log.mode %q; must be one of: off, history, clickhouse", c.RequestLog.Mode))
	}
	if c.RequestLog.Mode == "clickhouse" && c.RequestLog.ClickHouse.Addr == "" {
		errs = append(errs, errors.New("config: request_log.clickhouse.addr is required when request_log.mode=clickhouse"))
	}

	ids := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
		if p.ID == "" {
			continue
		}
		if _, dup := ids[p.ID]; dup {
			errs = append(errs, fmt.Errorf("config: duplicate provider id %q", p.ID))
		}
		ids[p.ID] = struct{}{}
	}

	return errors.Join(errs...)
}

// Surface describes one protocol listener derived from the port fields.
type Surface struct {
	Type    providers.APIType
	Port    int
	Enabled bool
}

// Surfaces returns the three protocol listeners in surface order.
func (c *Config) Surfaces() []Surface {
	return []Surface{
		{Type: providers.APITypeAnthropic, Port: c.AnthropicPort, Enabled: c.AnthropicEnabled},
		{Type: providers.APITypeResponses, Port: c.ResponsesPort, Enabled: c.ResponsesEnabled},
		{Type: providers.APITypeChat, Port: c.ChatPort, Enabled: c.ChatEnabled},
	}
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// BreakerCooldown returns the circuit breaker cooldown as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownSeconds) * time.Second
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
