package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	StoreFailureUnavailable  = "unavailable"
	StoreFailureUnauthorized = "unauthorized"
)

type Config struct {
	ServerPort              string        `env:"SERVER_PORT" envDefault:"8080"`
	ServerReadHeaderTimeout time.Duration `env:"SERVER_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ServerWriteTimeout      time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	ServerIdleTimeout       time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	RequestTimeout          time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	DatabaseURL        string        `env:"DATABASE_URL"`
	DBMaxConns         int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns         int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	DBAutoMigrate      bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	StoreFailurePolicy string        `env:"STORE_FAILURE_POLICY" envDefault:"unavailable"`

	RedisAddr           string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword       string        `env:"REDIS_PASSWORD"`
	RedisDB             int           `env:"REDIS_DB" envDefault:"0"`
	CacheOpTimeout      time.Duration `env:"CACHE_OP_TIMEOUT" envDefault:"50ms"`
	CacheBreakerTimeout time.Duration `env:"CACHE_BREAKER_TIMEOUT" envDefault:"10s"`
	CacheProbeInterval  time.Duration `env:"CACHE_PROBE_INTERVAL" envDefault:"5s"`
	SessionCacheTTL     time.Duration `env:"SESSION_CACHE_TTL" envDefault:"5m"`

	JWTAccessSecret  string        `env:"JWT_ACCESS_SECRET"`
	JWTRefreshSecret string        `env:"JWT_REFRESH_SECRET"`
	JWTAccessTTL     time.Duration `env:"JWT_ACCESS_TTL" envDefault:"1h"`
	JWTRefreshTTL    time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
	JWTIssuer        string        `env:"JWT_ISSUER" envDefault:"estate-market"`
	TokenLeeway      time.Duration `env:"TOKEN_LEEWAY" envDefault:"5s"`
	BcryptCost       int           `env:"BCRYPT_COST" envDefault:"12"`
	SuperuserRole    string        `env:"SUPERUSER_ROLE" envDefault:"admin"`

	RateLimitPublic              int           `env:"RATE_LIMIT_PUBLIC" envDefault:"60"`
	RateLimitPublicWindow        time.Duration `env:"RATE_LIMIT_PUBLIC_WINDOW" envDefault:"1m"`
	RateLimitAuthenticated       int           `env:"RATE_LIMIT_AUTHENTICATED" envDefault:"300"`
	RateLimitAuthenticatedWindow time.Duration `env:"RATE_LIMIT_AUTHENTICATED_WINDOW" envDefault:"1m"`
	RateLimitLogin               int           `env:"RATE_LIMIT_LOGIN" envDefault:"5"`
	RateLimitLoginWindow         time.Duration `env:"RATE_LIMIT_LOGIN_WINDOW" envDefault:"15m"`

	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`
	CORSOrigins            []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	TrustProxyHeaders      bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	LogLevel               string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat              string        `env:"LOG_FORMAT" envDefault:"pretty"`

	TracingEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint      string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	TracingSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
	Environment       string  `env:"APP_ENV" envDefault:"development"`
}

// Load reads .env when present, then the process environment. Malformed
// values are errors rather than silent fallbacks.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.JWTAccessSecret = strings.TrimSpace(c.JWTAccessSecret)
	c.JWTRefreshSecret = strings.TrimSpace(c.JWTRefreshSecret)
	c.StoreFailurePolicy = strings.ToLower(strings.TrimSpace(c.StoreFailurePolicy))
	c.SuperuserRole = strings.ToLower(strings.TrimSpace(c.SuperuserRole))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	origins := make([]string, 0, len(c.CORSOrigins))
	for _, origin := range c.CORSOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.CORSOrigins = origins
}

func (c *Config) Validate() error {
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}

	if c.JWTRefreshSecret == "" {
		return fmt.Errorf("JWT_REFRESH_SECRET is required")
	}

	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= 0 {
		return fmt.Errorf("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive")
	}

	if c.JWTRefreshTTL < c.JWTAccessTTL {
		return fmt.Errorf("JWT_REFRESH_TTL must not be shorter than JWT_ACCESS_TTL")
	}

	if c.TokenLeeway < 0 || c.TokenLeeway > 2*time.Minute {
		return fmt.Errorf("TOKEN_LEEWAY must be between 0 and 2m")
	}

	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT cannot be empty")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MAX_CONNS must be positive and DB_MIN_CONNS within [0, DB_MAX_CONNS]")
	}

	if c.RequestTimeout <= 0 || c.StoreTimeout <= 0 || c.CacheOpTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT, STORE_TIMEOUT and CACHE_OP_TIMEOUT must be positive")
	}

	if c.StoreFailurePolicy != StoreFailureUnavailable && c.StoreFailurePolicy != StoreFailureUnauthorized {
		return fmt.Errorf("STORE_FAILURE_POLICY must be %q or %q", StoreFailureUnavailable, StoreFailureUnauthorized)
	}

	if c.RateLimitPublic <= 0 || c.RateLimitAuthenticated <= 0 || c.RateLimitLogin <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}

	if c.RateLimitPublicWindow < time.Second || c.RateLimitAuthenticatedWindow < time.Second || c.RateLimitLoginWindow < time.Second {
		return fmt.Errorf("rate limit windows must be at least 1s")
	}

	if strings.TrimSpace(c.SuperuserRole) == "" {
		return fmt.Errorf("SUPERUSER_ROLE cannot be empty")
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1]")
	}

	if c.LogFormat != "pretty" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be pretty or json")
	}

	return nil
}
