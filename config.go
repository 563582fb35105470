package aicache

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/katy-the-kat/AICache/internal/registry"
	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/providers"
)

// Config holds the configuration for the cache gateway. Durations are
// strings in time.ParseDuration syntax ("30s", "2m").
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Registry   RegistryConfig   `json:"registry" yaml:"registry"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Upstream   UpstreamConfig   `json:"upstream" yaml:"upstream"`
	RequestLog RequestLogConfig `json:"request_log,omitempty" yaml:"request_log,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ReadTimeout     string   `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	CORSOrigins     []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// RegistryConfig points at the model and API-key registry files.
type RegistryConfig struct {
	ModelsPath  string `json:"models_path" yaml:"models_path"`
	APIKeysPath string `json:"apikeys_path" yaml:"apikeys_path"`
}

// CacheConfig selects the answer cache backend.
type CacheConfig struct {
	// Backend is one of file, sqlite, postgres, redis, memory.
	Backend   string `json:"backend" yaml:"backend"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN       string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	RedisURL  string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	// Dedup collapses concurrent misses for one prompt into a single
	// upstream call. Defaults to true.
	Dedup *bool `json:"dedup,omitempty" yaml:"dedup,omitempty"`
}

// UpstreamConfig configures the inference backend.
type UpstreamConfig struct {
	// Kind is one of generate, chat, openai, bedrock.
	Kind    string `json:"kind" yaml:"kind"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// Timeout bounds a whole upstream call including retries.
	Timeout     string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"`

	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	OAuth   *OAuthConfig   `json:"oauth,omitempty" yaml:"oauth,omitempty"`
	Retry   *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Breaker *BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// OAuthConfig enables OAuth2 client-credentials towards the backend.
type OAuthConfig struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret"`
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// RetryConfig defines retry behavior for transient upstream failures.
type RetryConfig struct {
	Attempts int    `json:"attempts" yaml:"attempts"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// BreakerConfig makes calls fail fast after repeated upstream failures.
type BreakerConfig struct {
	Threshold int    `json:"threshold" yaml:"threshold"`
	Cooldown  string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// RequestLogConfig enables the persistent request log.
type RequestLogConfig struct {
	// Backend is sqlite or postgres; empty disables the log.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// DefaultConfig returns a configuration that serves on :5000, keeps the
// cache and registries in flat files in the working directory and asks a
// local Ollama server.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ReadTimeout:     "30s",
			WriteTimeout:    "150s",
			IdleTimeout:     "120s",
			ShutdownTimeout: "30s",
		},
		Registry: RegistryConfig{
			ModelsPath:  registry.DefaultModelsPath,
			APIKeysPath: registry.DefaultAPIKeysPath,
		},
		Cache: CacheConfig{
			Backend: store.BackendFile,
			Path:    store.DefaultFilePath,
		},
		Upstream: UpstreamConfig{
			Kind:    providers.KindGenerate,
			Timeout: "120s",
			Retry:   &RetryConfig{Attempts: 3, Backoff: "100ms"},
		},
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv(os.Getenv)
	return cfg
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}

	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Addr = ":" + port
	}
	set(&c.Server.Addr, "AICACHE_ADDR")
	if origins := getenv("CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}

	set(&c.Registry.ModelsPath, "AICACHE_MODELS_PATH")
	set(&c.Registry.APIKeysPath, "AICACHE_APIKEYS_PATH")

	set(&c.Cache.Backend, "AICACHE_CACHE_BACKEND")
	set(&c.Cache.Path, "AICACHE_CACHE_PATH")
	set(&c.Cache.DSN, "AICACHE_CACHE_DSN")
	set(&c.Cache.RedisURL, "AICACHE_REDIS_URL", "REDIS_URL")

	set(&c.Upstream.Kind, "AICACHE_UPSTREAM_KIND")
	set(&c.Upstream.BaseURL, "AICACHE_UPSTREAM_URL", "OLLAMA_HOST")
	set(&c.Upstream.APIKey, "AICACHE_UPSTREAM_API_KEY", "GROQ_API_KEY", "OPENAI_API_KEY")
	set(&c.Upstream.Timeout, "AICACHE_UPSTREAM_TIMEOUT")
	set(&c.Upstream.Region, "AWS_REGION")
	if n, err := strconv.Atoi(getenv("AICACHE_UPSTREAM_RETRIES")); err == nil {
		if c.Upstream.Retry == nil {
			c.Upstream.Retry = &RetryConfig{}
		}
		c.Upstream.Retry.Attempts = n
	}

	set(&c.RequestLog.Backend, "AICACHE_REQUEST_LOG_BACKEND")
	set(&c.RequestLog.DSN, "AICACHE_REQUEST_LOG_DSN")

	set(&c.Logging.Level, "LOG_LEVEL")
	set(&c.Logging.Format, "LOG_FORMAT")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DedupEnabled reports whether concurrent-miss deduplication is on.
func (c CacheConfig) DedupEnabled() bool {
	return c.Dedup == nil || *c.Dedup
}

// StoreOptions converts the cache section for store.Open.
func (c CacheConfig) StoreOptions() store.Options {
	return store.Options{
		Backend:   c.Backend,
		Path:      c.Path,
		DSN:       c.DSN,
		RedisURL:  c.RedisURL,
		KeyPrefix: c.KeyPrefix,
	}
}

// CallTimeout returns the parsed upstream timeout, or zero when unset.
func (u UpstreamConfig) CallTimeout() (time.Duration, error) {
	return parseDuration("upstream.timeout", u.Timeout)
}

// ProviderConfig converts the upstream section for providers.New.
func (u UpstreamConfig) ProviderConfig() (providers.Config, error) {
	httpTimeout, err := parseDuration("upstream.http_timeout", u.HTTPTimeout)
	if err != nil {
		return providers.Config{}, err
	}
	cfg := providers.Config{
		Kind:        u.Kind,
		BaseURL:     u.BaseURL,
		APIKey:      u.APIKey,
		HTTPTimeout: httpTimeout,
		Bedrock: providers.BedrockConfig{
			Region:          u.Region,
			AccessKeyID:     u.AccessKeyID,
			SecretAccessKey: u.SecretAccessKey,
			SessionToken:    u.SessionToken,
		},
	}
	if u.OAuth != nil {
		cfg.OAuth = &providers.OAuthConfig{
			ClientID:     u.OAuth.ClientID,
			ClientSecret: u.OAuth.ClientSecret,
			TokenURL:     u.OAuth.TokenURL,
			Scopes:       u.OAuth.Scopes,
		}
	}
	if u.Retry != nil {
		backoff, err := parseDuration("upstream.retry.backoff", u.Retry.Backoff)
		if err != nil {
			return providers.Config{}, err
		}
		cfg.RetryAttempts = u.Retry.Attempts
		cfg.RetryBackoff = backoff
	}
	if u.Breaker != nil {
		cooldown, err := parseDuration("upstream.breaker.cooldown", u.Breaker.Cooldown)
		if err != nil {
			return providers.Config{}, err
		}
		cfg.BreakerThreshold = u.Breaker.Threshold
		cfg.BreakerCooldown = cooldown
	}
	return cfg, nil
}

// Durations holds the parsed server timeouts.
type Durations struct {
	Read, Write, Idle, Shutdown time.Duration
}

// Timeouts parses the server timeouts.
func (s ServerConfig) Timeouts() (Durations, error) {
	var d Durations
	var err error
	if d.Read, err = parseDuration("server.read_timeout", s.ReadTimeout); err != nil {
		return d, err
	}
	if d.Write, err = parseDuration("server.write_timeout", s.WriteTimeout); err != nil {
		return d, err
	}
	if d.Idle, err = parseDuration("server.idle_timeout", s.IdleTimeout); err != nil {
		return d, err
	}
	if d.Shutdown, err = parseDuration("server.shutdown_timeout", s.ShutdownTimeout); err != nil {
		return d, err
	}
	return d, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
