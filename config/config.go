package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevTokenSecret is the signing secret used when TOKEN_SECRET is unset. Rejected in production.
const DevTokenSecret = "dev-only-portal-gateway-secret-change-me"

// Token modes
const (
	TokenModeHMAC = "hmac"
	TokenModeJWKS = "jwks"
)

// Revocation backends
const (
	RevocationMemory = "memory"
	RevocationRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Token         TokenConfig
	Session       SessionConfig
	Guard         GuardConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the connection used by the redis revocation store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TokenConfig selects how bearer tokens are verified
type TokenConfig struct {
	Mode   string // hmac or jwks
	Secret string
	Issuer string
	TTL    time.Duration

	// RefreshTTL is the refresh token lifetime and how long logout-all cutoffs are kept
	RefreshTTL time.Duration

	JWKSURL             string
	JWKSAudience        string
	JWKSRefreshInterval time.Duration
}

// SessionConfig holds login, cookie and revocation settings
type SessionConfig struct {
	CookieName        string
	CookieSecure      bool
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	RevocationBackend string // memory or redis
}

// GuardConfig holds access guard settings
type GuardConfig struct {
	LoginURI      string
	LookupTimeout time.Duration
	PortalsFile   string // optional YAML portal table
}

// AuditConfig sizes the asynchronous audit pipeline
type AuditConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Token: TokenConfig{
			Mode:                getEnv("TOKEN_MODE", TokenModeHMAC),
			Secret:              getEnv("TOKEN_SECRET", DevTokenSecret),
			Issuer:              getEnv("TOKEN_ISSUER", "hosterizer-auth"),
			TTL:                 getEnvAsDuration("TOKEN_TTL", 15*time.Minute),
			RefreshTTL:          getEnvAsDuration("TOKEN_REFRESH_TTL", 7*24*time.Hour),
			JWKSURL:             getEnv("JWKS_URL", ""),
			JWKSAudience:        getEnv("JWKS_AUDIENCE", ""),
			JWKSRefreshInterval: getEnvAsDuration("JWKS_REFRESH_INTERVAL", time.Hour),
		},
		Session: SessionConfig{
			CookieName:        getEnv("SESSION_COOKIE_NAME", "session"),
			CookieSecure:      getEnvAsBool("SESSION_COOKIE_SECURE", true),
			MaxFailedAttempts: getEnvAsInt("LOGIN_MAX_FAILED_ATTEMPTS", 3),
			LockoutDuration:   getEnvAsDuration("LOGIN_LOCKOUT_DURATION", 15*time.Minute),
			RevocationBackend: getEnv("REVOCATION_BACKEND", RevocationMemory),
		},
		Guard: GuardConfig{
			LoginURI:      getEnv("GUARD_LOGIN_URI", "/login"),
			LookupTimeout: getEnvAsDuration("GUARD_LOOKUP_TIMEOUT", 250*time.Millisecond),
			PortalsFile:   getEnv("PORTALS_FILE", ""),
		},
		Audit: AuditConfig{
			Enabled:    getEnvAsBool("AUDIT_ENABLED", true),
			Workers:    getEnvAsInt("AUDIT_WORKERS", 2),
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	switch c.Token.Mode {
	case TokenModeHMAC:
		if c.Token.Secret == "" {
			return fmt.Errorf("token secret is required")
		}
	case TokenModeJWKS:
		if c.Token.JWKSURL == "" {
			return fmt.Errorf("JWKS_URL is required when TOKEN_MODE=jwks")
		}
	default:
		return fmt.Errorf("unknown token mode %q", c.Token.Mode)
	}

	if c.Token.Mode == TokenModeHMAC && c.Token.RefreshTTL > 0 && c.Token.RefreshTTL < c.Token.TTL {
		return fmt.Errorf("TOKEN_REFRESH_TTL must not be shorter than TOKEN_TTL")
	}

	if c.IsProduction() && c.Token.Mode == TokenModeHMAC {
		if c.Token.Secret == DevTokenSecret {
			return fmt.Errorf("TOKEN_SECRET must be set in production")
		}
		if len(c.Token.Secret) < 32 {
			return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes in production")
		}
	}

	switch c.Session.RevocationBackend {
	case RevocationMemory:
	case RevocationRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when REVOCATION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown revocation backend %q", c.Session.RevocationBackend)
	}

	if c.Guard.LookupTimeout <= 0 {
		return fmt.Errorf("guard lookup timeout must be positive")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}

	pool.Host = getEnv("DB_HOST", "localhost")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "portal")
	pool.Password = getEnv("DB_PASSWORD", "portal_password")
	pool.Database = getEnv("DB_NAME", "portal")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma-separated value, dropping blanks
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
