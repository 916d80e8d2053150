// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for local development.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string

	// Port is the HTTP listen port (default: 8000).
	Port int

	// APIPrefix is the path prefix for all versioned API routes.
	APIPrefix string

	// Debug enables the /debug endpoints.
	Debug bool

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	// Empty means the environment default.
	LogLevel string

	// Database holds MySQL connection settings.
	Database DatabaseConfig

	// Redis holds Redis connection settings.
	Redis RedisConfig

	// Auth holds token and session settings.
	Auth AuthConfig

	// Identity holds the delegated identity provider settings.
	Identity IdentityConfig

	// Events holds the message broker settings for auth events.
	Events EventsConfig

	// RateLimit holds the login rate limiter settings.
	RateLimit RateLimitConfig

	// HTTP holds cross-cutting HTTP server settings.
	HTTP HTTPConfig
}

// DatabaseConfig holds MySQL connection parameters. If DATABASE_URL is set,
// it takes precedence over the individual fields.
type DatabaseConfig struct {
	// Host is the MySQL address, with or without port (default: "localhost").
	Host string

	// Port is appended to Host when Host carries no port (default: "3306").
	Port string

	User     string
	Password string
	Name     string

	// dsnOverride is set when DATABASE_URL is provided, bypassing individual fields.
	dsnOverride string

	// MaxOpenConns is the maximum number of open connections in the pool.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool.
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection can be reused.
	ConnMaxLifetime time.Duration

	// AutoMigrate runs pending migrations at startup.
	AutoMigrate bool

	// MigrationsPath is the directory holding the *.up.sql / *.down.sql files.
	MigrationsPath string
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built with the driver's
// Config.FormatDSN() to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.dsnOverride != "" {
		return d.dsnOverride
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, d.Port)
	cfg.DBName = d.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	// Migration files hold several statements each.
	cfg.MultiStatements = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0").
	URL string

	// PoolSize caps the number of pooled connections.
	PoolSize int
}

// AuthConfig holds token signing and session settings.
type AuthConfig struct {
	// JWTSecret signs and verifies session tokens.
	JWTSecret string

	// JWTAlgorithm is one of HS256, HS384, HS512.
	JWTAlgorithm string

	// SessionTTL is the lifetime of both the signed token and its Redis mapping.
	SessionTTL time.Duration

	// SessionKeyPrefix namespaces session mappings in Redis.
	SessionKeyPrefix string
}

// IdentityConfig configures the delegated identity provider client.
type IdentityConfig struct {
	// BaseURL is the provider API root, e.g. "https://api.clerk.com".
	// Empty disables delegated login.
	BaseURL string

	// SecretKey authenticates server-to-server calls in session mode.
	SecretKey string

	// Mode is "whoami" (single call) or "session" (session + user lookup).
	Mode string

	// WhoAmIPath is the endpoint used in whoami mode.
	WhoAmIPath string

	// Timeout bounds every outbound call.
	Timeout time.Duration
}

// Enabled reports whether delegated login is configured.
func (c IdentityConfig) Enabled() bool {
	return c.BaseURL != ""
}

// EventsConfig configures the AMQP publisher. An empty URL disables it.
type EventsConfig struct {
	URL   string
	Queue string
}

// RateLimitConfig configures the Redis token bucket on login endpoints.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	Prefix         string
}

// HTTPConfig holds CORS and proxy settings.
type HTTPConfig struct {
	// CORSOrigins lists allowed origins; "*" allows all without credentials.
	CORSOrigins []string

	// TrustedProxies lists CIDRs whose forwarding headers are honored.
	TrustedProxies []string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Load reads an optional .env.<APP_ENV> file, then configuration from
// environment variables with sensible defaults. Returns an error if required
// variables are missing or invalid.
func Load() (*Config, error) {
	envFile := ".env." + getEnv("APP_ENV", "local")
	if err := godotenv.Load(envFile); err == nil {
		slog.Debug("loaded env file", slog.String("file", envFile))
	}

	cfg := &Config{
		Env:       getEnv("ENV", "development"),
		Port:      getEnvInt("PORT", 8000),
		APIPrefix: getEnv("API_V1_STR", "/api/v1"),
		Debug:     getEnvBool("DEBUG", true),
		LogLevel:  getEnv("LOG_LEVEL", ""),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "3306"),
			User:            getEnv("DB_USER", "moment"),
			Password:        getEnv("DB_PASSWORD", "moment"),
			Name:            getEnv("DB_NAME", "moment"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:     getEnvBool("AUTO_MIGRATE", true),
			MigrationsPath:  getEnv("MIGRATIONS_PATH", "db/migrations"),
		},

		Redis: RedisConfig{
			URL:      redisURL(),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},

		Auth: AuthConfig{
			JWTSecret:        getEnv("JWT_SECRET_KEY", ""),
			JWTAlgorithm:     strings.ToUpper(getEnv("JWT_ALGORITHM", "HS256")),
			SessionTTL:       time.Duration(getEnvInt("JWT_EXPIRE_DAYS", 30)) * 24 * time.Hour,
			SessionKeyPrefix: getEnv("SESSION_KEY_PREFIX", "auth_token:"),
		},

		Identity: IdentityConfig{
			BaseURL:    strings.TrimRight(getEnv("IDENTITY_BASE_URL", ""), "/"),
			SecretKey:  getEnv("IDENTITY_SECRET_KEY", ""),
			Mode:       strings.ToLower(getEnv("IDENTITY_MODE", "whoami")),
			WhoAmIPath: getEnv("IDENTITY_WHOAMI_PATH", "/v1/me"),
			Timeout:    getEnvDuration("IDENTITY_TIMEOUT", 5*time.Second),
		},

		Events: EventsConfig{
			URL:   getEnv("AMQP_URL", ""),
			Queue: getEnv("AMQP_QUEUE", "auth.events"),
		},

		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			Capacity:       getEnvInt("RATE_LIMIT_CAPACITY", 10),
			RefillTokens:   getEnvInt("RATE_LIMIT_REFILL_TOKENS", 1),
			RefillInterval: getEnvDuration("RATE_LIMIT_REFILL_INTERVAL", 6*time.Second),
			TTL:            getEnvDuration("RATE_LIMIT_TTL", 10*time.Minute),
			Prefix:         getEnv("RATE_LIMIT_PREFIX", "rl"),
		},

		HTTP: HTTPConfig{
			CORSOrigins:     getEnvList("CORS_ORIGINS", []string{"*"}),
			TrustedProxies:  getEnvList("TRUSTED_PROXIES", []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fd00::/8"}),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces production requirements and fills dev-only defaults.
func (c *Config) validate() error {
	switch c.Auth.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("JWT_ALGORITHM %q is not supported (use HS256, HS384 or HS512)", c.Auth.JWTAlgorithm)
	}

	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("JWT_EXPIRE_DAYS must be positive")
	}

	if c.Identity.Enabled() && c.Identity.Mode != "whoami" && c.Identity.Mode != "session" {
		return fmt.Errorf("IDENTITY_MODE %q is not supported (use whoami or session)", c.Identity.Mode)
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET_KEY is required in production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters in production")
		}
	}

	// Provide a dev-only default secret so local dev works without .env.
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "dev-secret-key-do-not-use-in-production!!"
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev" || env == "local"
}

// IsProduction returns true for "production" and its common spellings.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// redisURL prefers REDIS_URL and falls back to REDIS_HOST/PORT/DB.
func redisURL() string {
	if u := getEnv("REDIS_URL", ""); u != "" {
		return u
	}
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	db := getEnv("REDIS_DB", "0")
	return fmt.Sprintf("redis://%s/%s", net.JoinHostPort(host, port), db)
}

// --- Helper functions for reading environment variables ---

// getEnv reads a string env var or returns the default.
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer env var or returns the default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool accepts the usual truthy/falsy spellings.
func getEnvBool(key string, defaultVal bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

// getEnvDuration reads a duration env var (e.g., "720h") or returns the default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList reads a comma-separated env var, dropping empty items.
func getEnvList(key string, defaultVal []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
