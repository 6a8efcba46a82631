package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the agent core service.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// MigrationsPath points at a migrations directory on disk.
	// Empty means the migrations embedded in the binary are used.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:""`

	Auth          AuthConfig         `yaml:"auth"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	Providers     ProvidersConfig    `yaml:"providers"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit"`
	Notifications NotificationConfig `yaml:"notifications"`

	// ProviderCredentialsKey encrypts context provider API keys at rest.
	// Generate with: openssl rand -base64 32
	ProviderCredentialsKey string `yaml:"-" env:"PROVIDER_CREDENTIALS_KEY"` // Secret - not in YAML
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false for local development without an identity provider.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// AdminRole is the claim role allowed to perform administrative deletes.
	AdminRole string `yaml:"admin_role" env:"AUTH_ADMIN_ROLE" env-default:"admin"`

	// CuratorRole may create, edit and approve knowledge items.
	CuratorRole string `yaml:"curator_role" env:"AUTH_CURATOR_ROLE" env-default:"curator"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"agent_core"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration for shared counters and event publishing.
// An empty host disables both.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ProvidersConfig holds context provider call settings.
type ProvidersConfig struct {
	// DefaultTimeoutSeconds applies to providers registered without a timeout.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" env:"PROVIDER_DEFAULT_TIMEOUT_SECONDS" env-default:"30"`
	// MaxConcurrency bounds the number of in-flight provider calls per fan-out.
	MaxConcurrency int `yaml:"max_concurrency" env:"PROVIDER_MAX_CONCURRENCY" env-default:"8"`
	// HealthCheckInterval enables periodic health probes when positive.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"PROVIDER_HEALTH_CHECK_INTERVAL" env-default:"0s"`
	// BreakerThreshold skips a provider after this many consecutive failed calls. Zero disables
	// it, as does running without Redis, which holds the shared circuit state.
	BreakerThreshold int `yaml:"breaker_threshold" env:"PROVIDER_BREAKER_THRESHOLD" env-default:"5"`
	// BreakerResetAfter is how long a skipped provider waits before a trial call.
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after" env:"PROVIDER_BREAKER_RESET_AFTER" env-default:"30s"`
}

// RateLimitConfig holds shared rate limit settings. Limits of zero disable the scope.
type RateLimitConfig struct {
	Window            time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW" env-default:"1m"`
	FeedbackPerWindow int           `yaml:"feedback_per_window" env:"RATE_LIMIT_FEEDBACK" env-default:"60"`
	ProviderPerWindow int           `yaml:"provider_per_window" env:"RATE_LIMIT_PROVIDER" env-default:"30"`
}

// NotificationConfig holds the notification sink settings.
type NotificationConfig struct {
	// Channel is the Redis pub/sub channel for lifecycle events.
	Channel string `yaml:"channel" env:"NOTIFY_CHANNEL" env-default:"agent-core.events"`
}

// Load reads configuration from the given YAML file with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)
	cfg.resolveServiceHosts(IsRunningInDocker())

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.EnableVerification && len(c.Auth.JWKSEndpoints) == 0 {
		return fmt.Errorf("auth.jwks_endpoints is required when verification is enabled")
	}
	if c.Providers.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("providers.default_timeout_seconds must be positive")
	}
	if c.Providers.MaxConcurrency <= 0 {
		return fmt.Errorf("providers.max_concurrency must be positive")
	}
	if c.Providers.BreakerThreshold < 0 {
		return fmt.Errorf("providers.breaker_threshold must not be negative")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderDefaultTimeout returns the timeout applied to providers registered without one.
func (c *Config) ProviderDefaultTimeout() time.Duration {
	return time.Duration(c.Providers.DefaultTimeoutSeconds) * time.Second
}

// IsLocal reports whether the service runs in the local development environment.
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}
